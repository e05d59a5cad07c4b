// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package ode provides adaptive-step explicit Runge-Kutta integration of small
ODE systems, using the Dormand-Prince 4(5) pair with embedded error estimate
(the classic RK45).

The solver is deterministic: identical inputs and identical tolerances
produce bit-identical trajectories.  Failure to advance (step-size collapse,
step budget exhaustion, non-finite state) is reported as an error, never a
panic -- callers evaluating a probability density treat such a failure as an
invalid proposal rather than a fatal condition.
*/
package ode

import (
	"errors"
	"fmt"
	"math"
)

// Func is the right-hand side of the ODE system y' = f(t, y).
// It must write the derivative of y into dy and must not retain either
// slice.  It can be probed at arbitrary t and arbitrary real-valued y
// during adaptive stepping.
type Func func(t float64, y, dy []float64)

// Sentinel errors for the ways an integration can fail to advance.
var (
	// ErrStepUnderflow means the controller shrank the step below the
	// minimum usable size -- typically a stiff excursion or a blowup.
	ErrStepUnderflow = errors.New("ode: step size underflow")

	// ErrTooManySteps means MaxSteps was exhausted before reaching the
	// target time.
	ErrTooManySteps = errors.New("ode: maximum number of steps exceeded")

	// ErrNonFinite means the state or derivative became NaN or Inf.
	ErrNonFinite = errors.New("ode: non-finite state")
)

// Config holds the step-size and tolerance configuration for a solve.
type Config struct {
	InitialStep float64 `def:"0" desc:"size of the first integration step -- 0 selects a heuristic based on the integration span"`
	MinStep     float64 `def:"0" desc:"smallest allowed step -- 0 selects a small multiple of machine epsilon relative to the current time"`
	MaxStep     float64 `def:"0" desc:"largest allowed step -- 0 means unbounded up to the remaining span"`
	AbsTol      float64 `def:"1e-8" min:"0" desc:"absolute error tolerance per step"`
	RelTol      float64 `def:"1e-8" min:"0" desc:"relative error tolerance per step"`
	MaxSteps    int     `def:"100000" desc:"step budget per solve -- exhausting it aborts the solve"`
}

func (cf *Config) Defaults() {
	cf.InitialStep = 0
	cf.MinStep = 0
	cf.MaxStep = 0
	cf.AbsTol = 1e-8
	cf.RelTol = 1e-8
	cf.MaxSteps = 100000
}

// Update clamps degenerate tolerance settings to usable values.
func (cf *Config) Update() {
	if cf.AbsTol <= 0 {
		cf.AbsTol = 1e-8
	}
	if cf.RelTol <= 0 {
		cf.RelTol = 1e-8
	}
	if cf.MaxSteps <= 0 {
		cf.MaxSteps = 100000
	}
}

// Stats records what the integrator did during one solve.
type Stats struct {
	Steps    int     `desc:"number of accepted steps"`
	Rejected int     `desc:"number of rejected trial steps"`
	Evals    int     `desc:"number of right-hand-side evaluations"`
	LastStep float64 `desc:"size of the last accepted step"`
	Time     float64 `desc:"time up to which integration was performed"`
}

func (st *Stats) add(o Stats) {
	st.Steps += o.Steps
	st.Rejected += o.Rejected
	st.Evals += o.Evals
	st.LastStep = o.LastStep
	st.Time = o.Time
}

// Dormand-Prince 4(5) coefficients.  The 7th stage is the FSAL stage:
// k7 at the accepted point equals k1 of the next step.
var (
	dpC = [7]float64{0, 1.0 / 5, 3.0 / 10, 4.0 / 5, 8.0 / 9, 1, 1}

	dpA = [7][6]float64{
		{},
		{1.0 / 5},
		{3.0 / 40, 9.0 / 40},
		{44.0 / 45, -56.0 / 15, 32.0 / 9},
		{19372.0 / 6561, -25360.0 / 2187, 64448.0 / 6561, -212.0 / 729},
		{9017.0 / 3168, -355.0 / 33, 46732.0 / 5247, 49.0 / 176, -5103.0 / 18656},
		{35.0 / 384, 0, 500.0 / 1113, 125.0 / 192, -2187.0 / 6784, 11.0 / 84},
	}

	// dpE is the difference between the 5th and embedded 4th order
	// weights, giving the local error estimate directly.
	dpE = [7]float64{
		35.0/384 - 5179.0/57600,
		0,
		500.0/1113 - 7571.0/16695,
		125.0/192 - 393.0/640,
		-2187.0/6784 - -92097.0/339200,
		11.0/84 - 187.0/2100,
		-1.0 / 40,
	}
)

// Solver integrates one ODE system.  A Solver holds scratch space sized to
// the system and is not safe for concurrent use; create one per goroutine.
type Solver struct {
	Fcn Func   `desc:"right-hand side of the system"`
	Cfg Config `desc:"step-size and tolerance configuration"`

	n    int
	k    [7][]float64
	ynew []float64
	ytmp []float64
}

// NewSolver returns a solver for an n-dimensional system with the given
// right-hand side and configuration.
func NewSolver(n int, fcn Func, cfg Config) *Solver {
	cfg.Update()
	sv := &Solver{Fcn: fcn, Cfg: cfg, n: n}
	for i := range sv.k {
		sv.k[i] = make([]float64, n)
	}
	sv.ynew = make([]float64, n)
	sv.ytmp = make([]float64, n)
	return sv
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// initStep picks the first trial step for span [t0, t1].
func (sv *Solver) initStep(t0, t1 float64) float64 {
	h := sv.Cfg.InitialStep
	if h <= 0 {
		h = (t1 - t0) / 100
	}
	if sv.Cfg.MaxStep > 0 && h > sv.Cfg.MaxStep {
		h = sv.Cfg.MaxStep
	}
	if h > t1-t0 {
		h = t1 - t0
	}
	return h
}

func (sv *Solver) minStep(t float64) float64 {
	if sv.Cfg.MinStep > 0 {
		return sv.Cfg.MinStep
	}
	const eps = 0x1p-52
	return 16 * eps * math.Max(math.Abs(t), 1)
}

// Integrate advances y in place from t0 to t1, returning step statistics.
// On error, y holds the last accepted state and Stats.Time says how far the
// integration got.  t1 must be >= t0.
func (sv *Solver) Integrate(t0, t1 float64, y []float64) (Stats, error) {
	var st Stats
	st.Time = t0
	if len(y) != sv.n {
		return st, fmt.Errorf("ode: state dimension %d != solver dimension %d", len(y), sv.n)
	}
	if t1 < t0 {
		return st, fmt.Errorf("ode: backward integration from %g to %g not supported", t0, t1)
	}
	if t1 == t0 {
		return st, nil
	}
	if !finite(y) {
		return st, fmt.Errorf("%w at t=%g", ErrNonFinite, t0)
	}

	t := t0
	h := sv.initStep(t0, t1)
	sv.Fcn(t, y, sv.k[0])
	st.Evals++
	if !finite(sv.k[0]) {
		return st, fmt.Errorf("%w at t=%g", ErrNonFinite, t)
	}

	for t < t1 {
		if st.Steps+st.Rejected >= sv.Cfg.MaxSteps {
			return st, fmt.Errorf("%w (%d) at t=%g", ErrTooManySteps, sv.Cfg.MaxSteps, t)
		}
		if h < sv.minStep(t) {
			return st, fmt.Errorf("%w at t=%g (h=%g)", ErrStepUnderflow, t, h)
		}
		if t+h > t1 {
			h = t1 - t
		}

		// stages 2..7; stage 1 derivative is already in k[0]
		for s := 1; s < 7; s++ {
			for i := 0; i < sv.n; i++ {
				acc := 0.0
				for j := 0; j < s; j++ {
					acc += dpA[s][j] * sv.k[j][i]
				}
				sv.ytmp[i] = y[i] + h*acc
			}
			sv.Fcn(t+dpC[s]*h, sv.ytmp, sv.k[s])
			st.Evals++
		}
		// stage 7 input is the 5th-order solution itself
		copy(sv.ynew, sv.ytmp)

		// scaled RMS error over components
		errNorm := 0.0
		bad := !finite(sv.ynew)
		if !bad {
			for i := 0; i < sv.n; i++ {
				e := 0.0
				for j := 0; j < 7; j++ {
					e += dpE[j] * sv.k[j][i]
				}
				e *= h
				sc := sv.Cfg.AbsTol + sv.Cfg.RelTol*math.Max(math.Abs(y[i]), math.Abs(sv.ynew[i]))
				r := e / sc
				errNorm += r * r
			}
			errNorm = math.Sqrt(errNorm / float64(sv.n))
			bad = math.IsNaN(errNorm) || math.IsInf(errNorm, 0)
		}

		if bad || errNorm > 1 {
			st.Rejected++
			fac := 0.2
			if !bad {
				fac = math.Max(0.2, 0.9*math.Pow(errNorm, -0.2))
				if fac > 0.9 {
					fac = 0.9
				}
			}
			h *= fac
			continue
		}

		// accept
		t += h
		st.Steps++
		st.LastStep = h
		st.Time = t
		copy(y, sv.ynew)
		copy(sv.k[0], sv.k[6]) // FSAL

		fac := 0.9 * math.Pow(math.Max(errNorm, 1e-10), -0.2)
		if fac > 5 {
			fac = 5
		}
		h *= fac
		if sv.Cfg.MaxStep > 0 && h > sv.Cfg.MaxStep {
			h = sv.Cfg.MaxStep
		}
	}
	return st, nil
}

// SolveAt integrates from t0 through each time in times (ascending, all
// >= t0), returning a copy of the state at each requested time.  Times may
// repeat and may equal t0.  This is the entry point for irregular
// per-individual observation grids.
func (sv *Solver) SolveAt(t0 float64, times []float64, y0 []float64) ([][]float64, Stats, error) {
	var st Stats
	st.Time = t0
	if len(y0) != sv.n {
		return nil, st, fmt.Errorf("ode: state dimension %d != solver dimension %d", len(y0), sv.n)
	}
	y := make([]float64, sv.n)
	copy(y, y0)

	out := make([][]float64, len(times))
	t := t0
	for i, tm := range times {
		if tm < t {
			return nil, st, fmt.Errorf("ode: times not ascending: t[%d]=%g < %g", i, tm, t)
		}
		if tm > t {
			seg, err := sv.Integrate(t, tm, y)
			st.add(seg)
			if err != nil {
				return nil, st, err
			}
			t = tm
		}
		out[i] = make([]float64, sv.n)
		copy(out[i], y)
	}
	return out, st, nil
}
