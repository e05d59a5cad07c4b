// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package summary turns raw HMC output into per-parameter posterior summaries
(mean, sd, quantiles, Monte Carlo standard error), split-chain R-hat and a
crude effective sample size, plus an etable draw table for CSV export and a
JSON run summary for downstream reporting.
*/
package summary

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/emer/etable/v2/etable"
	"github.com/emer/etable/v2/etensor"
	"github.com/montanaflynn/stats"
	gstat "gonum.org/v1/gonum/stat"

	"github.com/virokin/virokin/hmc"
)

// ParamSummary is the posterior summary of one parameter.
type ParamSummary struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
	MCSE float64 `json:"mcse"`
	Q5   float64 `json:"q5"`
	Q50  float64 `json:"q50"`
	Q95  float64 `json:"q95"`
	Rhat float64 `json:"rhat"`
	ESS  float64 `json:"ess"`
}

// column extracts parameter j of one chain as a flat slice.
func column(ch *hmc.Chain, j int) []float64 {
	v := make([]float64, len(ch.Draws))
	for i, d := range ch.Draws {
		v[i] = d[j]
	}
	return v
}

// splitRhat is the split-chain potential scale reduction factor: each chain
// is halved, and the ratio of pooled to within variance is computed over
// the resulting 2*M sequences.
func splitRhat(chains [][]float64) float64 {
	var halves [][]float64
	for _, c := range chains {
		h := len(c) / 2
		if h < 2 {
			return math.NaN()
		}
		halves = append(halves, c[:h], c[h:h*2])
	}
	n := float64(len(halves[0]))

	means := make([]float64, len(halves))
	vrs := make([]float64, len(halves))
	for i, h := range halves {
		means[i], vrs[i] = gstat.MeanVariance(h, nil)
	}
	w := gstat.Mean(vrs, nil)
	b := n * gstat.Variance(means, nil)
	if w <= 0 {
		return math.NaN()
	}
	vhat := (n-1)/n*w + b/n
	return math.Sqrt(vhat / w)
}

// essFor is a crude effective sample size: per chain, positive
// autocorrelations are summed until the first non-positive lag, then the
// chain sizes are scaled down accordingly and pooled.
func essFor(chains [][]float64) float64 {
	ess := 0.0
	for _, c := range chains {
		n := len(c)
		if n < 4 {
			continue
		}
		mean, variance := gstat.MeanVariance(c, nil)
		if variance <= 0 {
			continue
		}
		tau := 1.0
		for lag := 1; lag < n/2; lag++ {
			acc := 0.0
			for i := 0; i+lag < n; i++ {
				acc += (c[i] - mean) * (c[i+lag] - mean)
			}
			rho := acc / (float64(n-lag) * variance)
			if rho <= 0 {
				break
			}
			tau += 2 * rho
		}
		ess += float64(n) / tau
	}
	return ess
}

// Summarize computes per-parameter posterior summaries over all chains.
// names must match the draw dimension (see model.ParamNames).
func Summarize(res *hmc.Result, names []string) ([]ParamSummary, error) {
	if len(res.Chains) == 0 || len(res.Chains[0].Draws) == 0 {
		return nil, fmt.Errorf("summary: no draws")
	}
	dim := len(res.Chains[0].Draws[0])
	if len(names) != dim {
		return nil, fmt.Errorf("summary: %d names for %d parameters", len(names), dim)
	}

	out := make([]ParamSummary, dim)
	for j := 0; j < dim; j++ {
		chains := make([][]float64, len(res.Chains))
		var all []float64
		for c := range res.Chains {
			chains[c] = column(&res.Chains[c], j)
			all = append(all, chains[c]...)
		}
		mean, variance := gstat.MeanVariance(all, nil)
		sd := math.Sqrt(variance)
		q5, err := stats.Percentile(all, 5)
		if err != nil {
			return nil, err
		}
		q50, err := stats.Percentile(all, 50)
		if err != nil {
			return nil, err
		}
		q95, err := stats.Percentile(all, 95)
		if err != nil {
			return nil, err
		}
		ess := essFor(chains)
		mcse := math.NaN()
		if ess > 0 {
			mcse = sd / math.Sqrt(ess)
		}
		out[j] = ParamSummary{
			Name: names[j],
			Mean: mean,
			SD:   sd,
			MCSE: mcse,
			Q5:   q5,
			Q50:  q50,
			Q95:  q95,
			Rhat: splitRhat(chains),
			ESS:  ess,
		}
	}
	return out, nil
}

// LogPrec is precision for saving float values in tables
const LogPrec = 6

// Table renders all draws as an etable.Table: chain and iteration columns,
// the log density, then one column per parameter.
func Table(res *hmc.Result, names []string) (*etable.Table, error) {
	if len(res.Chains) == 0 {
		return nil, fmt.Errorf("summary: no chains")
	}
	dim := len(names)
	rows := 0
	for _, ch := range res.Chains {
		rows += len(ch.Draws)
	}

	dt := &etable.Table{}
	dt.SetMetaData("name", "PosteriorDraws")
	dt.SetMetaData("precision", strconv.Itoa(LogPrec))

	sch := etable.Schema{
		{Name: "Chain", Type: etensor.INT64, CellShape: nil, DimNames: nil},
		{Name: "Iter", Type: etensor.INT64, CellShape: nil, DimNames: nil},
		{Name: "LogDens", Type: etensor.FLOAT64, CellShape: nil, DimNames: nil},
	}
	for _, nm := range names {
		sch = append(sch, etable.Column{Name: nm, Type: etensor.FLOAT64})
	}
	dt.SetFromSchema(sch, rows)

	row := 0
	for c, ch := range res.Chains {
		for i, d := range ch.Draws {
			if len(d) != dim {
				return nil, fmt.Errorf("summary: draw dimension %d != %d names", len(d), dim)
			}
			dt.SetCellFloat("Chain", row, float64(c+1))
			dt.SetCellFloat("Iter", row, float64(i+1))
			dt.SetCellFloat("LogDens", row, ch.LogDens[i])
			for j, nm := range names {
				dt.SetCellFloat(nm, row, d[j])
			}
			row++
		}
	}
	return dt, nil
}

// WriteCSV saves a draw table as comma-separated values with headers.
func WriteCSV(dt *etable.Table, fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer f.Close()
	return dt.WriteCSV(f, etable.Comma, etable.Headers)
}

// RunSummary is the JSON-serializable record of one fitting run.
type RunSummary struct {
	// Seed is the base random seed of the run.
	Seed uint64 `json:"seed"`
	// Chains is the number of chains run.
	Chains int `json:"chains"`
	// Warmup and Samples are the per-chain iteration counts.
	Warmup  int `json:"warmup"`
	Samples int `json:"samples"`
	// Time is the sampling wall time in seconds.
	Time float64 `json:"time"`
	// AcceptRates and Divergent are per-chain acceptance statistics.
	AcceptRates []float64 `json:"acceptRates"`
	Divergent   []int     `json:"divergent"`
	// Params are the per-parameter posterior summaries.
	Params []ParamSummary `json:"params"`
}

// NewRunSummary assembles a RunSummary from sampler config and output.
func NewRunSummary(cfg hmc.Config, res *hmc.Result, names []string, elapsed time.Duration) (*RunSummary, error) {
	ps, err := Summarize(res, names)
	if err != nil {
		return nil, err
	}
	rs := &RunSummary{
		Seed:    cfg.Seed,
		Chains:  len(res.Chains),
		Warmup:  cfg.Warmup,
		Samples: cfg.Samples,
		Time:    elapsed.Seconds(),
		Params:  ps,
	}
	for c := range res.Chains {
		rs.AcceptRates = append(rs.AcceptRates, res.Chains[c].AcceptRate())
		rs.Divergent = append(rs.Divergent, res.Chains[c].Divergent)
	}
	return rs, nil
}

// SaveJSON writes the run summary as indented JSON.
func (rs *RunSummary) SaveJSON(fname string) error {
	b, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fname, append(b, '\n'), 0644)
}
