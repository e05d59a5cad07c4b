// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package model implements the hierarchical Bayesian viral-kinetics model: a
population of individuals, each with four latent log-scale kinetic
parameters, grouped by dose level with one latent starting virus load per
dose group, and a shared observation noise scale.

The model is a pure density: given an unconstrained parameter vector it
returns the joint log density of priors and likelihood.  The inference
driver (see package hmc) owns proposals, acceptance, and chains.  A failed
or non-finite ODE solve during a density evaluation yields -Inf -- an
invalid-proposal signal for the driver to reject, never a crash.

Parameter vector layout (dimension 1 + Ndose + 4*Nind):

	x[0]                  log sigma (observation noise, Exponential prior on sigma)
	x[1 .. Ndose]         V0 per dose group (Normal prior)
	x[1+Ndose+4*i ..]     a0, b0, g0, e0 for individual i (Normal priors)

All latent kinetic parameters are on the log scale; the exponential map in
package tcl keeps the rates strictly positive.
*/
package model

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/virokin/virokin/cohort"
	"github.com/virokin/virokin/ode"
	"github.com/virokin/virokin/tcl"
)

// NormalPrior is one Normal prior hyperparameter group.
type NormalPrior struct {
	Mu float64 `desc:"prior mean"`
	Sd float64 `min:"0" desc:"prior standard deviation -- must be positive"`
}

func (np *NormalPrior) dist() distuv.Normal {
	return distuv.Normal{Mu: np.Mu, Sigma: np.Sd}
}

// Hypers are the prior hyperparameters of the model: four Mu/Sd pairs for
// the latent log-scale kinetic parameters (shared across individuals -- a
// population-homogeneous prior), one pair for the per-dose-group starting
// virus load, and the rate of the Exponential prior on the observation
// noise scale.
type Hypers struct {
	A0        NormalPrior `desc:"prior on latent log virus production rate a0"`
	B0        NormalPrior `desc:"prior on latent log infection rate b0"`
	G0        NormalPrior `desc:"prior on latent log infected-cell death rate g0"`
	E0        NormalPrior `desc:"prior on latent log virus clearance rate e0"`
	V0        NormalPrior `desc:"prior on per-dose-group starting virus load"`
	SigmaRate float64     `def:"1" min:"0" desc:"rate of the Exponential prior on the observation noise sd"`
}

func (hy *Hypers) Defaults() {
	hy.A0 = NormalPrior{Mu: 0, Sd: 1}
	hy.B0 = NormalPrior{Mu: 0, Sd: 1}
	hy.G0 = NormalPrior{Mu: 0, Sd: 1}
	hy.E0 = NormalPrior{Mu: 0, Sd: 1}
	hy.V0 = NormalPrior{Mu: 0, Sd: 1}
	hy.SigmaRate = 1
}

// Validate checks that all sd hyperparameters are positive.
func (hy *Hypers) Validate() error {
	for _, pr := range []struct {
		nm string
		np NormalPrior
	}{{"A0", hy.A0}, {"B0", hy.B0}, {"G0", hy.G0}, {"E0", hy.E0}, {"V0", hy.V0}} {
		if pr.np.Sd <= 0 {
			return fmt.Errorf("model: %s prior sd = %g, must be positive", pr.nm, pr.np.Sd)
		}
	}
	if hy.SigmaRate <= 0 {
		return fmt.Errorf("model: sigma prior rate = %g, must be positive", hy.SigmaRate)
	}
	return nil
}

// Model binds a validated dataset, prior hyperparameters, and solver
// configuration into an evaluable joint log density.
type Model struct {
	Data     *cohort.Dataset `desc:"validated observation set"`
	Hy       Hypers          `desc:"prior hyperparameters"`
	Sol      ode.Config      `desc:"ODE solver tolerances -- tight enough that solver error is negligible vs. observation noise"`
	Parallel bool            `desc:"fan the independent per-individual solves out across goroutines"`

	spans []cohort.Span
}

// New validates the dataset and hyperparameters and precomputes the
// per-individual index spans.
func New(ds *cohort.Dataset, hy Hypers) (*Model, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if err := hy.Validate(); err != nil {
		return nil, err
	}
	sps, err := ds.Index()
	if err != nil {
		return nil, err
	}
	m := &Model{Data: ds, Hy: hy, spans: sps}
	m.Sol.Defaults()
	return m, nil
}

// Dim returns the dimension of the unconstrained parameter vector.
func (m *Model) Dim() int {
	return 1 + m.Data.Ndose + 4*m.Data.Nind
}

// ParamNames returns display names matching the vector layout.
func (m *Model) ParamNames() []string {
	nms := make([]string, 0, m.Dim())
	nms = append(nms, "log_sigma")
	for d := 1; d <= m.Data.Ndose; d++ {
		nms = append(nms, fmt.Sprintf("V0[%d]", d))
	}
	for i := 1; i <= m.Data.Nind; i++ {
		nms = append(nms,
			fmt.Sprintf("a0[%d]", i),
			fmt.Sprintf("b0[%d]", i),
			fmt.Sprintf("g0[%d]", i),
			fmt.Sprintf("e0[%d]", i))
	}
	return nms
}

// Sigma extracts the observation noise sd from the parameter vector.
func (m *Model) Sigma(x []float64) float64 {
	return math.Exp(x[0])
}

// V0s returns the per-dose-group starting virus loads -- a view into x.
func (m *Model) V0s(x []float64) []float64 {
	return x[1 : 1+m.Data.Ndose]
}

// Latents returns the four latent log-scale kinetic parameters of
// individual i (0-based) -- a view into x.
func (m *Model) Latents(x []float64, i int) []float64 {
	off := 1 + m.Data.Ndose + 4*i
	return x[off : off+4]
}

// trajectory computes the predicted virus load for individual i at each of
// its observation times, writing into dst (length Nobs[i]).
func (m *Model) trajectory(x []float64, i int, dst []float64) error {
	lat := m.Latents(x, i)
	tp := tcl.RatesFromLatent(lat[0], lat[1], lat[2], lat[3])
	v0 := m.V0s(x)[m.Data.DoseLevel[i]-1]

	sv := ode.NewSolver(tcl.NState, tp.Deriv, m.Sol)
	out, _, err := sv.SolveAt(m.Data.Tstart, m.Data.Times(m.spans[i]), tcl.InitState(v0))
	if err != nil {
		return err
	}
	for k, y := range out {
		dst[k] = y[tcl.Virus]
	}
	return nil
}

// Trajectories computes the predicted virus load for every observation --
// the deterministic part of the likelihood.  The per-individual solves are
// independent (no shared mutable state) and run concurrently when Parallel
// is set.  The first solver failure aborts the whole evaluation.
func (m *Model) Trajectories(x []float64) ([]float64, error) {
	pred := make([]float64, m.Data.Ntot)
	if !m.Parallel {
		for i, sp := range m.spans {
			if err := m.trajectory(x, i, pred[sp.Start:sp.Stop+1]); err != nil {
				return nil, fmt.Errorf("individual %d: %w", i+1, err)
			}
		}
		return pred, nil
	}
	var g errgroup.Group
	for i, sp := range m.spans {
		i, sp := i, sp
		g.Go(func() error {
			if err := m.trajectory(x, i, pred[sp.Start:sp.Stop+1]); err != nil {
				return fmt.Errorf("individual %d: %w", i+1, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pred, nil
}

// LogPrior evaluates the joint log prior at x, including the Jacobian of
// the log transform on sigma.
func (m *Model) LogPrior(x []float64) float64 {
	lp := 0.0

	logSigma := x[0]
	sigma := math.Exp(logSigma)
	sigPr := distuv.Exponential{Rate: m.Hy.SigmaRate}
	lp += sigPr.LogProb(sigma) + logSigma // change of variables: sigma = exp(log_sigma)

	v0d := m.Hy.V0.dist()
	for _, v0 := range m.V0s(x) {
		lp += v0d.LogProb(v0)
	}

	a0d, b0d := m.Hy.A0.dist(), m.Hy.B0.dist()
	g0d, e0d := m.Hy.G0.dist(), m.Hy.E0.dist()
	for i := 0; i < m.Data.Nind; i++ {
		lat := m.Latents(x, i)
		lp += a0d.LogProb(lat[0])
		lp += b0d.LogProb(lat[1])
		lp += g0d.LogProb(lat[2])
		lp += e0d.LogProb(lat[3])
	}
	return lp
}

// LogDensity evaluates the joint log density (prior + likelihood) at the
// unconstrained parameter vector x.  Solver failure, a non-finite
// prediction, or a non-finite total all return -Inf: the proposal is
// invalid and the caller rejects it.
func (m *Model) LogDensity(x []float64) float64 {
	if len(x) != m.Dim() {
		return math.Inf(-1)
	}
	lp := m.LogPrior(x)
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return math.Inf(-1)
	}

	pred, err := m.Trajectories(x)
	if err != nil {
		return math.Inf(-1)
	}

	sigma := m.Sigma(x)
	for n, p := range pred {
		d := distuv.Normal{Mu: p, Sigma: sigma}
		lp += d.LogProb(m.Data.Outcome[n])
	}
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return math.Inf(-1)
	}
	return lp
}

// Gradient fills grad with the gradient of LogDensity at x via central
// finite differences and returns the log density itself.  The sensitivity
// machinery is numerical: no hand-derived ODE adjoints.
func (m *Model) Gradient(x, grad []float64) float64 {
	fd.Gradient(grad, m.LogDensity, x, &fd.Settings{
		Formula:    fd.Central,
		Concurrent: m.Parallel,
	})
	return m.LogDensity(x)
}
