// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package virokin is the overall repository for fitting hierarchical Bayesian
viral-kinetics models to per-individual viral-load time series, implemented
in the Go language (golang).

This top-level of the repository has no functional code -- everything is
organized into the following sub-packages:

* ode: adaptive Dormand-Prince Runge-Kutta 4(5) integration of small ODE
systems, with per-solve step statistics and explicit failure signals for
step-size collapse.

* tcl: the target-cell-limited viral dynamics model -- the 3-compartment
(target cells, infected cells, free virus) right-hand side and the
positive-rate parameterization.

* cohort: the observation data schema -- flat per-individual viral-load
time series grouped by dose level, with contiguous-span indexing and
fail-fast validation.

* model: the hierarchical model itself -- priors, the unconstrained
parameter vector, per-individual trajectory computation, the joint log
density, and posterior-predictive / log-likelihood generation.

* hmc: a Hamiltonian Monte Carlo driver with dual-averaging step-size
adaptation, running independent chains concurrently.

* summary: posterior draw tables, per-parameter summary statistics, and
convergence diagnostics.

* cmd/virokin: command-line interface for fitting datasets and forward
simulation.

* examples: runnable programs, starting with examples/synthfit which
generates a synthetic cohort and fits it end to end.
*/
package virokin
