// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ode

import (
	"errors"
	"math"
	"testing"
)

// difTol is the numerical difference tolerance for comparing vs. closed-form
// solutions -- looser than the solver tolerances to absorb accumulation.
const difTol = 1.0e-6

func TestExpDecay(t *testing.T) {
	lam := 0.7
	fcn := func(tm float64, y, dy []float64) {
		dy[0] = -lam * y[0]
	}
	sv := NewSolver(1, fcn, Config{AbsTol: 1e-10, RelTol: 1e-10})

	times := []float64{0, 0.5, 1, 2, 4, 8}
	out, st, err := sv.SolveAt(0, times, []float64{3})
	if err != nil {
		t.Fatal(err)
	}
	for i, tm := range times {
		cor := 3 * math.Exp(-lam*tm)
		dif := math.Abs(out[i][0] - cor)
		if dif > difTol {
			t.Errorf("exp decay err: idx: %v, t: %v, y: %v, cor: %v, dif: %v\n", i, tm, out[i][0], cor, dif)
		}
	}
	if st.Steps == 0 || st.Evals == 0 {
		t.Errorf("stats not recorded: %+v\n", st)
	}
}

func TestHarmonic(t *testing.T) {
	fcn := func(tm float64, y, dy []float64) {
		dy[0] = y[1]
		dy[1] = -y[0]
	}
	sv := NewSolver(2, fcn, Config{AbsTol: 1e-10, RelTol: 1e-10})

	times := []float64{0.25, 1, 2, math.Pi, 6}
	out, _, err := sv.SolveAt(0, times, []float64{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	for i, tm := range times {
		dif0 := math.Abs(out[i][0] - math.Cos(tm))
		dif1 := math.Abs(out[i][1] - -math.Sin(tm))
		if dif0 > difTol || dif1 > difTol {
			t.Errorf("harmonic err: idx: %v, t: %v, y: %v, cor: [%v %v]\n", i, tm, out[i], math.Cos(tm), -math.Sin(tm))
		}
	}
}

// TestReproducible verifies bit-identical output across repeated solves with
// identical inputs and tolerances.
func TestReproducible(t *testing.T) {
	fcn := func(tm float64, y, dy []float64) {
		dy[0] = y[0] * math.Sin(tm)
		dy[1] = -0.3*y[1] + y[0]
	}
	times := []float64{0.5, 1.7, 3.1, 9}
	run := func() [][]float64 {
		sv := NewSolver(2, fcn, Config{AbsTol: 1e-9, RelTol: 1e-9})
		out, _, err := sv.SolveAt(0, times, []float64{1, 2})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a := run()
	b := run()
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Errorf("not reproducible at [%v][%v]: %v != %v\n", i, j, a[i][j], b[i][j])
			}
		}
	}
}

func TestStepBudget(t *testing.T) {
	fcn := func(tm float64, y, dy []float64) {
		dy[0] = y[0] * y[0] // finite-time blowup at t=1 from y0=1
	}
	sv := NewSolver(1, fcn, Config{AbsTol: 1e-10, RelTol: 1e-10, MaxSteps: 20})
	y := []float64{1}
	_, err := sv.Integrate(0, 10, y)
	if err == nil {
		t.Fatal("expected failure integrating through a blowup")
	}
	if !errors.Is(err, ErrTooManySteps) && !errors.Is(err, ErrStepUnderflow) && !errors.Is(err, ErrNonFinite) {
		t.Errorf("unexpected error class: %v\n", err)
	}
}

func TestBlowup(t *testing.T) {
	fcn := func(tm float64, y, dy []float64) {
		dy[0] = y[0] * y[0]
	}
	sv := NewSolver(1, fcn, Config{AbsTol: 1e-8, RelTol: 1e-8})
	y := []float64{1}
	st, err := sv.Integrate(0, 2, y)
	if err == nil {
		t.Fatal("expected failure integrating through t=1 blowup")
	}
	if st.Time >= 2 {
		t.Errorf("stats claim full span was covered: %+v\n", st)
	}
}

func TestSolveAtEdges(t *testing.T) {
	fcn := func(tm float64, y, dy []float64) {
		dy[0] = 1
	}
	sv := NewSolver(1, fcn, Config{})

	// request at exactly t0, repeated times allowed
	out, _, err := sv.SolveAt(2, []float64{2, 2, 3}, []float64{5})
	if err != nil {
		t.Fatal(err)
	}
	if out[0][0] != 5 || out[1][0] != 5 {
		t.Errorf("state at t0 should be initial state: %v\n", out)
	}
	if dif := math.Abs(out[2][0] - 6); dif > difTol {
		t.Errorf("unit slope err: y: %v, cor: 6\n", out[2][0])
	}

	// descending times rejected
	if _, _, err := sv.SolveAt(0, []float64{1, 0.5}, []float64{0}); err == nil {
		t.Error("expected error for non-ascending times")
	}

	// zero-length span is a no-op
	y := []float64{7}
	st, err := sv.Integrate(1, 1, y)
	if err != nil || y[0] != 7 || st.Steps != 0 {
		t.Errorf("zero span changed state: y: %v, st: %+v, err: %v\n", y, st, err)
	}
}
