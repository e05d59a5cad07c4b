// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package cohort defines the observation data schema for viral-load time
series: a flat ordered sequence of (individual, time, outcome) triples
grouped contiguously by individual, with each individual assigned to one
dose group.

Indexing into the flat arrays goes through an explicit precomputed span
table (Spans) rather than implicit global state, so that every consumer sees
the same contiguous, gap-free partition of the observations.  Validation is
fail-fast: a Dataset is checked completely before any solver is invoked, and
malformed input is a fatal configuration error.
*/
package cohort

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/emer/etable/v2/etable"
	"github.com/emer/etable/v2/etensor"
)

// Span is a contiguous inclusive index range [Start, Stop] into the flat
// observation arrays, 0-based.
type Span struct {
	Start int `desc:"index of the first observation for this individual"`
	Stop  int `desc:"index of the last observation for this individual (inclusive)"`
}

// Len returns the number of observations covered by the span.
func (sp Span) Len() int {
	return sp.Stop - sp.Start + 1
}

// Spans computes the contiguous per-individual index ranges implied by the
// per-individual observation counts.  It is a pure function of nobs: the
// first span starts at 0 and each subsequent span starts one past the
// previous stop.  Non-positive counts are an error.
func Spans(nobs []int) ([]Span, error) {
	sps := make([]Span, len(nobs))
	start := 0
	for i, n := range nobs {
		if n <= 0 {
			return nil, fmt.Errorf("cohort: Nobs[%d] = %d, must be positive", i, n)
		}
		sps[i] = Span{Start: start, Stop: start + n - 1}
		start += n
	}
	return sps, nil
}

// Dataset is the full observation set for one fitting run.  All fields are
// immutable inputs once validated.
type Dataset struct {
	Ntot      int       `json:"ntot" desc:"total number of observations across all individuals"`
	Nind      int       `json:"nind" desc:"number of individuals"`
	Ndose     int       `json:"ndose" desc:"number of dose groups"`
	Nobs      []int     `json:"nobs" desc:"per-individual observation counts, summing to Ntot"`
	Outcome   []float64 `json:"outcome" desc:"observed viral-load outcomes, length Ntot"`
	Time      []float64 `json:"time" desc:"observation times, length Ntot, ascending within each individual"`
	Tstart    float64   `json:"tstart" desc:"integration start time -- every observation time is >= Tstart"`
	ID        []int     `json:"id" desc:"individual label per observation, redundant with Nobs-derived grouping"`
	DoseLevel []int     `json:"dose_level" desc:"dose group per individual, in 1..Ndose"`
}

// Validate checks the dataset completely, returning the first problem
// found.  It must pass before the dataset is handed to any model or solver.
func (ds *Dataset) Validate() error {
	if ds.Ntot <= 0 || ds.Nind <= 0 || ds.Ndose <= 0 {
		return fmt.Errorf("cohort: Ntot, Nind, Ndose must be positive: %d, %d, %d", ds.Ntot, ds.Nind, ds.Ndose)
	}
	if len(ds.Nobs) != ds.Nind {
		return fmt.Errorf("cohort: len(Nobs) = %d, want Nind = %d", len(ds.Nobs), ds.Nind)
	}
	if len(ds.DoseLevel) != ds.Nind {
		return fmt.Errorf("cohort: len(DoseLevel) = %d, want Nind = %d", len(ds.DoseLevel), ds.Nind)
	}
	if len(ds.Outcome) != ds.Ntot || len(ds.Time) != ds.Ntot || len(ds.ID) != ds.Ntot {
		return fmt.Errorf("cohort: Outcome, Time, ID must all have length Ntot = %d: %d, %d, %d",
			ds.Ntot, len(ds.Outcome), len(ds.Time), len(ds.ID))
	}
	sum := 0
	for i, n := range ds.Nobs {
		if n <= 0 {
			return fmt.Errorf("cohort: Nobs[%d] = %d, must be positive", i, n)
		}
		sum += n
	}
	if sum != ds.Ntot {
		return fmt.Errorf("cohort: sum(Nobs) = %d != Ntot = %d", sum, ds.Ntot)
	}
	for i, d := range ds.DoseLevel {
		if d < 1 || d > ds.Ndose {
			return fmt.Errorf("cohort: DoseLevel[%d] = %d out of range 1..%d", i, d, ds.Ndose)
		}
	}
	sps, err := Spans(ds.Nobs)
	if err != nil {
		return err
	}
	for i, sp := range sps {
		prev := ds.Tstart
		for k := sp.Start; k <= sp.Stop; k++ {
			if ds.Time[k] < ds.Tstart {
				return fmt.Errorf("cohort: Time[%d] = %g before Tstart = %g", k, ds.Time[k], ds.Tstart)
			}
			if ds.Time[k] < prev {
				return fmt.Errorf("cohort: Time[%d] = %g not ascending within individual %d", k, ds.Time[k], i+1)
			}
			prev = ds.Time[k]
			if ds.ID[k] != i+1 {
				return fmt.Errorf("cohort: ID[%d] = %d inconsistent with Nobs-derived individual %d", k, ds.ID[k], i+1)
			}
		}
	}
	return nil
}

// Index returns the validated per-individual span table.  Call Validate
// first; Index only fails on problems Validate would also catch.
func (ds *Dataset) Index() ([]Span, error) {
	return Spans(ds.Nobs)
}

// Times returns the observation-time slice for one span -- a view into the
// flat array, not a copy.
func (ds *Dataset) Times(sp Span) []float64 {
	return ds.Time[sp.Start : sp.Stop+1]
}

// Outcomes returns the outcome slice for one span -- a view, not a copy.
func (ds *Dataset) Outcomes(sp Span) []float64 {
	return ds.Outcome[sp.Start : sp.Stop+1]
}

// OpenJSON reads and validates a dataset from a JSON file.
func OpenJSON(fname string) (*Dataset, error) {
	b, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{}
	if err := json.Unmarshal(b, ds); err != nil {
		return nil, fmt.Errorf("cohort: parsing %s: %w", fname, err)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("cohort: %s: %w", fname, err)
	}
	return ds, nil
}

// SaveJSON writes the dataset as indented JSON.
func (ds *Dataset) SaveJSON(fname string) error {
	b, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fname, append(b, '\n'), 0644)
}

// LogPrec is precision for saving float values in tables
const LogPrec = 6

// Table renders the observations as an etable.Table with one row per
// observation (individual, dose level, time, outcome), for recording and
// CSV export.
func (ds *Dataset) Table() *etable.Table {
	dt := &etable.Table{}
	dt.SetMetaData("name", "CohortObs")
	dt.SetMetaData("read-only", "true")
	dt.SetMetaData("precision", strconv.Itoa(LogPrec))

	sch := etable.Schema{
		{Name: "ID", Type: etensor.INT64, CellShape: nil, DimNames: nil},
		{Name: "Dose", Type: etensor.INT64, CellShape: nil, DimNames: nil},
		{Name: "Time", Type: etensor.FLOAT64, CellShape: nil, DimNames: nil},
		{Name: "Outcome", Type: etensor.FLOAT64, CellShape: nil, DimNames: nil},
	}
	dt.SetFromSchema(sch, ds.Ntot)

	sps, _ := Spans(ds.Nobs)
	for i, sp := range sps {
		for k := sp.Start; k <= sp.Stop; k++ {
			dt.SetCellFloat("ID", k, float64(i+1))
			dt.SetCellFloat("Dose", k, float64(ds.DoseLevel[i]))
			dt.SetCellFloat("Time", k, ds.Time[k])
			dt.SetCellFloat("Outcome", k, ds.Outcome[k])
		}
	}
	return dt
}
