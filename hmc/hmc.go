// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package hmc implements a Hamiltonian Monte Carlo driver for differentiable
log densities: leapfrog integration with an identity mass matrix, jittered
step counts, and dual-averaging step-size adaptation during warmup.

Chains are fully independent: each owns its parameter state and its own
random stream, runs on its own goroutine, and shares nothing mutable with
the others.  Within a chain, evaluation is strictly sequential: propose,
integrate, accept or reject.  A non-finite trajectory (including a -Inf
density from an invalid proposal) is a divergent transition -- the proposal
is rejected and the chain continues.
*/
package hmc

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

// Target is a differentiable log density.  Gradient fills grad and returns
// the log density at x; model.Model satisfies this.
type Target interface {
	Dim() int
	LogDensity(x []float64) float64
	Gradient(x, grad []float64) float64
}

// Config holds the sampler configuration.
type Config struct {
	Chains   int     `def:"4" desc:"number of independent chains"`
	Warmup   int     `def:"500" desc:"adaptation iterations per chain, discarded"`
	Samples  int     `def:"1000" desc:"post-warmup draws kept per chain"`
	Leapfrog int     `def:"20" desc:"base leapfrog steps per proposal -- jittered +/-20 percent to avoid resonance"`
	StepSize float64 `def:"0.1" min:"0" desc:"initial leapfrog step size, adapted toward the target acceptance during warmup"`
	Accept   float64 `def:"0.8" desc:"target acceptance rate for dual-averaging adaptation"`
	Jitter   float64 `def:"0.1" min:"0" desc:"sd of the Normal jitter applied to the initial point per chain"`
	Seed     uint64  `def:"1" desc:"base random seed -- chain c uses Seed+c"`
}

func (cf *Config) Defaults() {
	cf.Chains = 4
	cf.Warmup = 500
	cf.Samples = 1000
	cf.Leapfrog = 20
	cf.StepSize = 0.1
	cf.Accept = 0.8
	cf.Jitter = 0.1
	cf.Seed = 1
}

// Update fills in unset fields with defaults.
func (cf *Config) Update() {
	var def Config
	def.Defaults()
	if cf.Chains <= 0 {
		cf.Chains = def.Chains
	}
	if cf.Warmup < 0 {
		cf.Warmup = def.Warmup
	}
	if cf.Samples <= 0 {
		cf.Samples = def.Samples
	}
	if cf.Leapfrog <= 0 {
		cf.Leapfrog = def.Leapfrog
	}
	if cf.StepSize <= 0 {
		cf.StepSize = def.StepSize
	}
	if cf.Accept <= 0 || cf.Accept >= 1 {
		cf.Accept = def.Accept
	}
	if cf.Jitter < 0 {
		cf.Jitter = def.Jitter
	}
}

// Chain is the output of one chain: kept draws in iteration order plus
// acceptance bookkeeping.
type Chain struct {
	Draws     [][]float64 `desc:"kept post-warmup parameter draws"`
	LogDens   []float64   `desc:"log density at each kept draw"`
	Iters     int         `desc:"total transitions run, warmup included"`
	Accepted  int         `desc:"accepted proposals over the whole run, warmup included"`
	Divergent int         `desc:"divergent transitions over the whole run"`
	StepSize  float64     `desc:"step size after adaptation"`
}

// AcceptRate returns the acceptance rate over the whole run.
func (ch *Chain) AcceptRate() float64 {
	if ch.Iters == 0 {
		return 0
	}
	return float64(ch.Accepted) / float64(ch.Iters)
}

// Result holds all chains of one run.
type Result struct {
	Chains []Chain `desc:"per-chain outputs"`
}

// divThreshold is the energy error beyond which a transition is declared
// divergent.
const divThreshold = 1000.0

// dual-averaging constants from Hoffman & Gelman (2014)
const (
	daGamma = 0.05
	daT0    = 10.0
	daKappa = 0.75
)

type chainState struct {
	tg  Target
	cfg Config
	rng *rand.Rand
	std distuv.Normal

	x    []float64
	grad []float64
	lp   float64

	xp    []float64
	gradp []float64
	p     []float64

	eps       float64
	logEpsBar float64
	hBar      float64
	mu        float64

	out   Chain
	iters int
}

func newChainState(tg Target, cfg Config, init []float64, seed uint64) (*chainState, error) {
	src := rand.NewSource(seed)
	cs := &chainState{
		tg:    tg,
		cfg:   cfg,
		rng:   rand.New(src),
		std:   distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		x:     make([]float64, tg.Dim()),
		grad:  make([]float64, tg.Dim()),
		xp:    make([]float64, tg.Dim()),
		gradp: make([]float64, tg.Dim()),
		p:     make([]float64, tg.Dim()),
		eps:   cfg.StepSize,
	}
	cs.mu = math.Log(10 * cfg.StepSize)
	cs.logEpsBar = math.Log(cfg.StepSize)

	copy(cs.x, init)
	// jitter until the density is evaluable; a handful of tries is plenty
	// when the initial point is anywhere reasonable
	for try := 0; ; try++ {
		if try > 0 {
			for j := range cs.x {
				cs.x[j] = init[j] + cfg.Jitter*cs.std.Rand()
			}
		}
		cs.lp = cs.tg.Gradient(cs.x, cs.grad)
		if !math.IsInf(cs.lp, 0) && !math.IsNaN(cs.lp) {
			break
		}
		if try >= 20 {
			return nil, fmt.Errorf("hmc: no evaluable initial point near the given init after %d tries", try)
		}
	}
	return cs, nil
}

// leapfrog integrates Hamilton's equations for nsteps of size eps starting
// from cs.x with momentum cs.p, leaving the proposal in cs.xp / cs.gradp.
// It returns the log density at the endpoint, or -Inf on a non-finite
// excursion.
func (cs *chainState) leapfrog(nsteps int, eps float64) float64 {
	copy(cs.xp, cs.x)
	copy(cs.gradp, cs.grad)
	lp := cs.lp

	for s := 0; s < nsteps; s++ {
		for j := range cs.p {
			cs.p[j] += 0.5 * eps * cs.gradp[j]
		}
		for j := range cs.xp {
			cs.xp[j] += eps * cs.p[j]
		}
		lp = cs.tg.Gradient(cs.xp, cs.gradp)
		if math.IsInf(lp, 0) || math.IsNaN(lp) {
			return math.Inf(-1)
		}
		for j := range cs.p {
			cs.p[j] += 0.5 * eps * cs.gradp[j]
		}
	}
	return lp
}

// step runs one HMC transition, adapting the step size when warmup is true.
func (cs *chainState) step(warmup bool) {
	cs.iters++

	ke := 0.0
	for j := range cs.p {
		cs.p[j] = cs.std.Rand()
		ke += cs.p[j] * cs.p[j]
	}
	h0 := -cs.lp + 0.5*ke

	// jitter the step count +/-20% to avoid periodic orbits
	nsteps := cs.cfg.Leapfrog
	if nsteps > 1 {
		span := int(0.4*float64(nsteps)) + 1
		nsteps = nsteps - span/2 + cs.rng.Intn(span)
		if nsteps < 1 {
			nsteps = 1
		}
	}

	lp1 := cs.leapfrog(nsteps, cs.eps)
	var alpha float64 // acceptance probability for adaptation
	accepted := false
	if math.IsInf(lp1, -1) {
		cs.out.Divergent++
		alpha = 0
	} else {
		ke1 := 0.0
		for j := range cs.p {
			ke1 += cs.p[j] * cs.p[j]
		}
		h1 := -lp1 + 0.5*ke1
		dh := h0 - h1
		if math.IsNaN(dh) || dh < -divThreshold {
			cs.out.Divergent++
			alpha = 0
		} else {
			alpha = math.Exp(math.Min(0, dh))
			if math.Log(cs.rng.Float64()) < dh {
				accepted = true
			}
		}
	}

	if accepted {
		cs.x, cs.xp = cs.xp, cs.x
		cs.grad, cs.gradp = cs.gradp, cs.grad
		cs.lp = lp1
		cs.out.Accepted++
	}

	if warmup {
		// dual averaging toward the target acceptance rate
		m := float64(cs.iters)
		cs.hBar = (1-1/(m+daT0))*cs.hBar + (cs.cfg.Accept-alpha)/(m+daT0)
		logEps := cs.mu - math.Sqrt(m)/daGamma*cs.hBar
		w := math.Pow(m, -daKappa)
		cs.logEpsBar = w*logEps + (1-w)*cs.logEpsBar
		cs.eps = math.Exp(logEps)
	}
}

// run executes warmup then sampling for one chain.
func (cs *chainState) run(ctx context.Context) error {
	for it := 0; it < cs.cfg.Warmup; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs.step(true)
	}
	cs.eps = math.Exp(cs.logEpsBar)
	cs.out.StepSize = cs.eps

	cs.out.Draws = make([][]float64, 0, cs.cfg.Samples)
	cs.out.LogDens = make([]float64, 0, cs.cfg.Samples)
	for it := 0; it < cs.cfg.Samples; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs.step(false)
		draw := make([]float64, len(cs.x))
		copy(draw, cs.x)
		cs.out.Draws = append(cs.out.Draws, draw)
		cs.out.LogDens = append(cs.out.LogDens, cs.lp)
	}
	cs.out.Iters = cs.iters
	return nil
}

// Run samples from the target, starting all chains from jittered copies of
// init (length Dim; nil means the origin).  Chains run concurrently and
// independently; the first hard failure (an unevaluable initial point or a
// cancelled context) aborts the run.
func Run(ctx context.Context, tg Target, cfg Config, init []float64) (*Result, error) {
	cfg.Update()
	if init == nil {
		init = make([]float64, tg.Dim())
	}
	if len(init) != tg.Dim() {
		return nil, fmt.Errorf("hmc: init dimension %d != target dimension %d", len(init), tg.Dim())
	}

	res := &Result{Chains: make([]Chain, cfg.Chains)}
	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < cfg.Chains; c++ {
		c := c
		g.Go(func() error {
			cs, err := newChainState(tg, cfg, init, cfg.Seed+uint64(c))
			if err != nil {
				return fmt.Errorf("chain %d: %w", c+1, err)
			}
			if err := cs.run(ctx); err != nil {
				return fmt.Errorf("chain %d: %w", c+1, err)
			}
			res.Chains[c] = cs.out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
