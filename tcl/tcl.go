// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package tcl implements the target-cell-limited viral dynamics model: a
3-compartment ODE system over uninfected target cells, productively infected
cells, and free virus.

Infection moves target cells into the infected compartment at rate
Beta * target * virus, infected cells die at rate Gamma and shed virus at
rate Alpha, and free virus is cleared at rate Eta.  The state (target, 0, 0)
is a fixed point: with no infected cells and no virus, nothing moves.

Rates are kept strictly positive by construction: sampling happens on
latent log-scale parameters and RatesFromLatent applies the exponential
map, so no explicit bound checking is needed downstream.
*/
package tcl

import "math"

// State vector layout.
const (
	// Target is the uninfected target-cell compartment.
	Target = 0

	// Infected is the productively infected cell compartment.
	Infected = 1

	// Virus is the free virus compartment -- the observed quantity.
	Virus = 2

	// NState is the dimension of the state vector.
	NState = 3
)

// LogT0 is the fixed log-scale initial target-cell count, log(1e8).
var LogT0 = math.Log(1e8)

// Params are the positive kinetic rate parameters of the target-cell-limited
// model.  Use RatesFromLatent to construct them from unconstrained log-scale
// values.
type Params struct {
	Alpha float64 `min:"0" desc:"virus production rate per infected cell"`
	Beta  float64 `min:"0" desc:"infection rate per target-cell virus encounter"`
	Gamma float64 `min:"0" desc:"death rate of infected cells"`
	Eta   float64 `min:"0" desc:"clearance rate of free virus"`
}

func (tp *Params) Defaults() {
	tp.Alpha = 1
	tp.Beta = 1
	tp.Gamma = 1
	tp.Eta = 1
}

// RatesFromLatent maps latent log-scale parameters to positive rates via
// the exponential transform.  Any finite input yields strictly positive
// rates.
func RatesFromLatent(a0, b0, g0, e0 float64) Params {
	return Params{
		Alpha: math.Exp(a0),
		Beta:  math.Exp(b0),
		Gamma: math.Exp(g0),
		Eta:   math.Exp(e0),
	}
}

// Deriv is the ODE right-hand side.  The system is autonomous so t is
// unused.  No domain restriction is enforced here: an adaptive solver may
// probe negative or otherwise implausible states, and step-size control is
// the solver's job, not this function's.
func (tp *Params) Deriv(t float64, y, dy []float64) {
	inf := tp.Beta * y[Target] * y[Virus]
	dy[Target] = -inf
	dy[Infected] = inf - tp.Gamma*y[Infected]
	dy[Virus] = tp.Alpha*y[Infected] - tp.Eta*y[Virus]
}

// InitState returns the initial state vector for an individual whose dose
// group starts at virus load v0: fixed log-scale target-cell count, zero
// infected cells, v0 free virus.
func InitState(v0 float64) []float64 {
	return []float64{LogT0, 0, v0}
}
