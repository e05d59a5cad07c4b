// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/virokin/virokin/cohort"
)

// difTol is the numerical difference tolerance for comparing vs. target values
const difTol = 1.0e-10

// scenario is the single-individual reference setup: one dose group, three
// observations at t = 0, 1, 2, all latent kinetic parameters zero (unit
// rates), starting virus load log(10).
func scenario(t *testing.T) (*Model, []float64) {
	t.Helper()
	ds := &cohort.Dataset{
		Ntot:      3,
		Nind:      1,
		Ndose:     1,
		Nobs:      []int{3},
		Outcome:   []float64{2.3, 1.7, 0.9},
		Time:      []float64{0, 1, 2},
		Tstart:    0,
		ID:        []int{1, 1, 1},
		DoseLevel: []int{1},
	}
	hy := Hypers{}
	hy.Defaults()
	m, err := New(ds, hy)
	if err != nil {
		t.Fatal(err)
	}
	// [log_sigma, V0[1], a0, b0, g0, e0]
	x := []float64{0, math.Log(10), 0, 0, 0, 0}
	return m, x
}

func TestLayout(t *testing.T) {
	m, x := scenario(t)
	if m.Dim() != 6 || len(x) != m.Dim() {
		t.Fatalf("dim: %v\n", m.Dim())
	}
	nms := m.ParamNames()
	if len(nms) != m.Dim() {
		t.Fatalf("%v names for dim %v\n", len(nms), m.Dim())
	}
	if nms[0] != "log_sigma" || nms[1] != "V0[1]" || nms[2] != "a0[1]" || nms[5] != "e0[1]" {
		t.Errorf("unexpected names: %v\n", nms)
	}
	if m.Sigma(x) != 1 {
		t.Errorf("sigma: %v, want 1\n", m.Sigma(x))
	}
}

// TestTrajectoryDeterministic verifies that repeated evaluations with
// identical inputs and identical solver tolerances agree bit for bit, and
// that the prediction at t = tstart is the initial virus load.
func TestTrajectoryDeterministic(t *testing.T) {
	m, x := scenario(t)
	a, err := m.Trajectories(x)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Trajectories(x)
	if err != nil {
		t.Fatal(err)
	}
	for n := range a {
		if a[n] != b[n] {
			t.Errorf("not reproducible at obs %v: %v != %v\n", n, a[n], b[n])
		}
	}
	if a[0] != math.Log(10) {
		t.Errorf("prediction at tstart: %v, want %v\n", a[0], math.Log(10))
	}
	// parallel fan-out must agree exactly with the sequential path
	m.Parallel = true
	c, err := m.Trajectories(x)
	if err != nil {
		t.Fatal(err)
	}
	for n := range a {
		if a[n] != c[n] {
			t.Errorf("parallel mismatch at obs %v: %v != %v\n", n, a[n], c[n])
		}
	}
}

// TestLogLikAnalytic checks the pointwise log likelihood against the
// analytic Normal log-density formula.
func TestLogLikAnalytic(t *testing.T) {
	m, x := scenario(t)
	x[0] = math.Log(0.5) // sigma = 0.5

	pred, err := m.Trajectories(x)
	if err != nil {
		t.Fatal(err)
	}
	gen, err := m.Generate(x, rand.NewSource(1))
	if err != nil {
		t.Fatal(err)
	}
	sigma := m.Sigma(x)
	for n := range pred {
		cor := -0.5*math.Log(2*math.Pi*sigma*sigma) -
			(m.Data.Outcome[n]-pred[n])*(m.Data.Outcome[n]-pred[n])/(2*sigma*sigma)
		dif := math.Abs(gen.LogLik[n] - cor)
		if dif > difTol {
			t.Errorf("log_lik err: idx: %v, got: %v, cor: %v, dif: %v\n", n, gen.LogLik[n], cor, dif)
		}
	}
	if len(gen.YPred) != m.Data.Ntot {
		t.Errorf("ypred length: %v\n", len(gen.YPred))
	}
	if gen.Prior.Sigma <= 0 {
		t.Errorf("prior sigma draw must be positive: %v\n", gen.Prior.Sigma)
	}
}

// TestLogDensitySum verifies LogDensity = LogPrior + summed pointwise
// likelihood on a well-behaved point.
func TestLogDensitySum(t *testing.T) {
	m, x := scenario(t)
	lp := m.LogDensity(x)
	if math.IsInf(lp, 0) || math.IsNaN(lp) {
		t.Fatalf("log density not finite: %v\n", lp)
	}
	gen, err := m.Generate(x, rand.NewSource(1))
	if err != nil {
		t.Fatal(err)
	}
	sum := m.LogPrior(x)
	for _, ll := range gen.LogLik {
		sum += ll
	}
	if dif := math.Abs(lp - sum); dif > 1e-9 {
		t.Errorf("density decomposition: got %v, want %v, dif %v\n", lp, sum, dif)
	}
}

// TestInvalidProposal verifies that a failed solve surfaces as -Inf, not an
// error or a panic.
func TestInvalidProposal(t *testing.T) {
	m, x := scenario(t)
	m.Sol.MaxSteps = 2 // starve the solver
	lp := m.LogDensity(x)
	if !math.IsInf(lp, -1) {
		t.Errorf("starved solve should give -Inf, got %v\n", lp)
	}

	m, x = scenario(t)
	x[2] = 800 // exp overflow in the rate transform
	lp = m.LogDensity(x)
	if !math.IsInf(lp, -1) {
		t.Errorf("overflowing proposal should give -Inf, got %v\n", lp)
	}

	// wrong dimension is also just an invalid proposal
	if lp := m.LogDensity([]float64{0}); !math.IsInf(lp, -1) {
		t.Errorf("wrong-dimension proposal should give -Inf, got %v\n", lp)
	}
}

func TestGradientFinite(t *testing.T) {
	m, x := scenario(t)
	grad := make([]float64, m.Dim())
	lp := m.Gradient(x, grad)
	if math.IsInf(lp, 0) || math.IsNaN(lp) {
		t.Fatalf("log density not finite: %v\n", lp)
	}
	for j, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			t.Errorf("gradient component %v not finite: %v\n", j, g)
		}
	}
}

func TestHypersValidate(t *testing.T) {
	hy := Hypers{}
	hy.Defaults()
	if err := hy.Validate(); err != nil {
		t.Fatal(err)
	}
	hy.G0.Sd = 0
	if err := hy.Validate(); err == nil {
		t.Error("zero prior sd should fail validation")
	}
	hy.Defaults()
	hy.SigmaRate = -1
	if err := hy.Validate(); err == nil {
		t.Error("negative sigma prior rate should fail validation")
	}
}

func TestSimulate(t *testing.T) {
	hy := Hypers{}
	hy.Defaults()
	hy.V0.Mu = math.Log(10)
	hy.V0.Sd = 0.2

	times := []float64{0, 0.5, 1, 2}
	ds, err := Simulate(5, 2, 0, times, hy, 0.1, rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.Validate(); err != nil {
		t.Fatal(err)
	}
	if ds.Ntot != 20 || ds.Nind != 5 || ds.Ndose != 2 {
		t.Errorf("shape: %v %v %v\n", ds.Ntot, ds.Nind, ds.Ndose)
	}

	// same seed, same cohort
	ds2, err := Simulate(5, 2, 0, times, hy, 0.1, rand.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}
	for n := range ds.Outcome {
		if ds.Outcome[n] != ds2.Outcome[n] {
			t.Errorf("simulate not reproducible at %v: %v != %v\n", n, ds.Outcome[n], ds2.Outcome[n])
		}
	}
}
