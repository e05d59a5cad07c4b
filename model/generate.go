// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// PriorDraw is one independent sample from each prior hyperparameter group,
// drawn alongside the generated quantities for prior/posterior comparison.
type PriorDraw struct {
	Sigma float64 `json:"sigma" desc:"draw from the Exponential prior on the noise sd"`
	A0    float64 `json:"a0" desc:"draw from the a0 prior"`
	B0    float64 `json:"b0" desc:"draw from the b0 prior"`
	G0    float64 `json:"g0" desc:"draw from the g0 prior"`
	E0    float64 `json:"e0" desc:"draw from the e0 prior"`
	V0    float64 `json:"v0" desc:"draw from the V0 prior"`
}

// Generated holds the per-draw diagnostic quantities: a posterior-predictive
// sample and pointwise log likelihood per observation, plus one prior draw
// per hyperparameter group.
type Generated struct {
	YPred  []float64 `json:"ypred" desc:"posterior-predictive sample per observation"`
	LogLik []float64 `json:"log_lik" desc:"pointwise log likelihood per observation"`
	Prior  PriorDraw `json:"prior" desc:"independent prior draws for prior/posterior plots"`
}

// Generate computes the generated quantities for one parameter draw x.
// It is a read-only consumer of the predicted trajectories and sigma: it
// never feeds back into the density.  Solver failure is returned as an
// error here (unlike LogDensity) since a posterior draw is expected to be
// evaluable.
func (m *Model) Generate(x []float64, src rand.Source) (*Generated, error) {
	pred, err := m.Trajectories(x)
	if err != nil {
		return nil, err
	}
	sigma := m.Sigma(x)

	gen := &Generated{
		YPred:  make([]float64, m.Data.Ntot),
		LogLik: make([]float64, m.Data.Ntot),
	}
	for n, p := range pred {
		d := distuv.Normal{Mu: p, Sigma: sigma, Src: src}
		gen.YPred[n] = d.Rand()
		gen.LogLik[n] = d.LogProb(m.Data.Outcome[n])
	}

	gen.Prior = PriorDraw{
		Sigma: distuv.Exponential{Rate: m.Hy.SigmaRate, Src: src}.Rand(),
		A0:    distuv.Normal{Mu: m.Hy.A0.Mu, Sigma: m.Hy.A0.Sd, Src: src}.Rand(),
		B0:    distuv.Normal{Mu: m.Hy.B0.Mu, Sigma: m.Hy.B0.Sd, Src: src}.Rand(),
		G0:    distuv.Normal{Mu: m.Hy.G0.Mu, Sigma: m.Hy.G0.Sd, Src: src}.Rand(),
		E0:    distuv.Normal{Mu: m.Hy.E0.Mu, Sigma: m.Hy.E0.Sd, Src: src}.Rand(),
		V0:    distuv.Normal{Mu: m.Hy.V0.Mu, Sigma: m.Hy.V0.Sd, Src: src}.Rand(),
	}
	return gen, nil
}
