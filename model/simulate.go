// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/virokin/virokin/cohort"
	"github.com/virokin/virokin/ode"
	"github.com/virokin/virokin/tcl"
)

// Simulate generates a synthetic cohort by drawing true parameters from the
// priors and adding Normal observation noise with the given sd.  Every
// individual is observed on the same times grid (ascending, all >= tstart)
// and dose levels are assigned round-robin.  Used by the examples and for
// self-consistency testing.
func Simulate(nind, ndose int, tstart float64, times []float64, hy Hypers, sigma float64, src rand.Source) (*cohort.Dataset, error) {
	if nind <= 0 || ndose <= 0 || len(times) == 0 {
		return nil, fmt.Errorf("model: Simulate needs positive nind, ndose and a non-empty times grid")
	}
	if err := hy.Validate(); err != nil {
		return nil, err
	}

	ntot := nind * len(times)
	ds := &cohort.Dataset{
		Ntot:      ntot,
		Nind:      nind,
		Ndose:     ndose,
		Nobs:      make([]int, nind),
		Outcome:   make([]float64, 0, ntot),
		Time:      make([]float64, 0, ntot),
		Tstart:    tstart,
		ID:        make([]int, 0, ntot),
		DoseLevel: make([]int, nind),
	}

	v0d := distuv.Normal{Mu: hy.V0.Mu, Sigma: hy.V0.Sd, Src: src}
	v0s := make([]float64, ndose)
	for d := range v0s {
		v0s[d] = v0d.Rand()
	}

	a0d := distuv.Normal{Mu: hy.A0.Mu, Sigma: hy.A0.Sd, Src: src}
	b0d := distuv.Normal{Mu: hy.B0.Mu, Sigma: hy.B0.Sd, Src: src}
	g0d := distuv.Normal{Mu: hy.G0.Mu, Sigma: hy.G0.Sd, Src: src}
	e0d := distuv.Normal{Mu: hy.E0.Mu, Sigma: hy.E0.Sd, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}

	var cfg ode.Config
	cfg.Defaults()

	for i := 0; i < nind; i++ {
		dose := i%ndose + 1
		ds.DoseLevel[i] = dose
		ds.Nobs[i] = len(times)

		tp := tcl.RatesFromLatent(a0d.Rand(), b0d.Rand(), g0d.Rand(), e0d.Rand())
		sv := ode.NewSolver(tcl.NState, tp.Deriv, cfg)
		out, _, err := sv.SolveAt(tstart, times, tcl.InitState(v0s[dose-1]))
		if err != nil {
			return nil, fmt.Errorf("model: simulating individual %d: %w", i+1, err)
		}
		for _, y := range out {
			ds.Outcome = append(ds.Outcome, y[tcl.Virus]+noise.Rand())
		}
		ds.Time = append(ds.Time, times...)
		for range times {
			ds.ID = append(ds.ID, i+1)
		}
	}

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
