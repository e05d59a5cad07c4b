// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/emer/etable/v2/etable"
	"github.com/emer/etable/v2/etensor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gopkg.in/yaml.v3"

	"github.com/virokin/virokin/cohort"
	"github.com/virokin/virokin/hmc"
	"github.com/virokin/virokin/model"
	"github.com/virokin/virokin/ode"
	"github.com/virokin/virokin/summary"
)

// RunConfig is the YAML-configurable part of a fitting run.  Unset fields
// keep their defaults.
type RunConfig struct {
	Hypers   model.Hypers `yaml:"hypers"`
	Sampler  hmc.Config   `yaml:"sampler"`
	Solver   ode.Config   `yaml:"solver"`
	Parallel bool         `yaml:"parallel"`
	GQThin   int          `yaml:"gqthin"`
}

func (rc *RunConfig) Defaults() {
	rc.Hypers.Defaults()
	rc.Sampler.Defaults()
	rc.Solver.Defaults()
	rc.Parallel = true
	rc.GQThin = 1
}

// OpenRunConfig loads a YAML run configuration over the defaults.
func OpenRunConfig(fname string) (*RunConfig, error) {
	rc := &RunConfig{}
	rc.Defaults()
	if fname == "" {
		return rc, nil
	}
	b, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, rc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", fname, err)
	}
	return rc, nil
}

var (
	fitData   string
	fitConfig string
	fitOut    string
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Sample the posterior for a viral-load dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := OpenRunConfig(fitConfig)
		if err != nil {
			return err
		}
		ds, err := cohort.OpenJSON(fitData)
		if err != nil {
			return err
		}
		logger.Info("dataset loaded",
			zap.Int("individuals", ds.Nind),
			zap.Int("doseGroups", ds.Ndose),
			zap.Int("observations", ds.Ntot))

		m, err := model.New(ds, rc.Hypers)
		if err != nil {
			return err
		}
		m.Sol = rc.Solver
		m.Parallel = rc.Parallel

		start := time.Now()
		res, err := hmc.Run(cmd.Context(), m, rc.Sampler, nil)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		logger.Info("sampling finished", zap.Duration("elapsed", elapsed))

		if err := os.MkdirAll(fitOut, 0755); err != nil {
			return err
		}
		names := m.ParamNames()

		dt, err := summary.Table(res, names)
		if err != nil {
			return err
		}
		if err := summary.WriteCSV(dt, filepath.Join(fitOut, "draws.csv")); err != nil {
			return err
		}

		gq, err := generatedTable(m, res, rc)
		if err != nil {
			return err
		}
		if err := summary.WriteCSV(gq, filepath.Join(fitOut, "generated.csv")); err != nil {
			return err
		}

		rs, err := summary.NewRunSummary(rc.Sampler, res, names, elapsed)
		if err != nil {
			return err
		}
		if err := rs.SaveJSON(filepath.Join(fitOut, "summary.json")); err != nil {
			return err
		}

		for _, p := range rs.Params {
			logger.Debug("posterior",
				zap.String("param", p.Name),
				zap.Float64("mean", p.Mean),
				zap.Float64("sd", p.SD),
				zap.Float64("rhat", p.Rhat))
		}
		logger.Info("outputs written", zap.String("dir", fitOut))
		return nil
	},
}

// generatedTable computes per-draw generated quantities (posterior
// predictive sample, pointwise log likelihood, prior draws) and lays them
// out with one row per kept draw, thinned by GQThin.
func generatedTable(m *model.Model, res *hmc.Result, rc *RunConfig) (*etable.Table, error) {
	thin := rc.GQThin
	if thin < 1 {
		thin = 1
	}

	dt := &etable.Table{}
	dt.SetMetaData("name", "GeneratedQuantities")
	dt.SetMetaData("precision", strconv.Itoa(summary.LogPrec))

	sch := etable.Schema{
		{Name: "Chain", Type: etensor.INT64, CellShape: nil, DimNames: nil},
		{Name: "Iter", Type: etensor.INT64, CellShape: nil, DimNames: nil},
	}
	for n := 1; n <= m.Data.Ntot; n++ {
		sch = append(sch, etable.Column{Name: fmt.Sprintf("ypred[%d]", n), Type: etensor.FLOAT64})
	}
	for n := 1; n <= m.Data.Ntot; n++ {
		sch = append(sch, etable.Column{Name: fmt.Sprintf("log_lik[%d]", n), Type: etensor.FLOAT64})
	}
	for _, nm := range []string{"prior_sigma", "prior_a0", "prior_b0", "prior_g0", "prior_e0", "prior_V0"} {
		sch = append(sch, etable.Column{Name: nm, Type: etensor.FLOAT64})
	}
	rows := 0
	for _, ch := range res.Chains {
		rows += (len(ch.Draws) + thin - 1) / thin
	}
	dt.SetFromSchema(sch, rows)

	src := rand.NewSource(rc.Sampler.Seed + 104729)
	row := 0
	for c, ch := range res.Chains {
		for i := 0; i < len(ch.Draws); i += thin {
			gen, err := m.Generate(ch.Draws[i], src)
			if err != nil {
				return nil, fmt.Errorf("generated quantities, chain %d draw %d: %w", c+1, i+1, err)
			}
			dt.SetCellFloat("Chain", row, float64(c+1))
			dt.SetCellFloat("Iter", row, float64(i+1))
			for n := 0; n < m.Data.Ntot; n++ {
				dt.SetCellFloat(fmt.Sprintf("ypred[%d]", n+1), row, gen.YPred[n])
				dt.SetCellFloat(fmt.Sprintf("log_lik[%d]", n+1), row, gen.LogLik[n])
			}
			dt.SetCellFloat("prior_sigma", row, gen.Prior.Sigma)
			dt.SetCellFloat("prior_a0", row, gen.Prior.A0)
			dt.SetCellFloat("prior_b0", row, gen.Prior.B0)
			dt.SetCellFloat("prior_g0", row, gen.Prior.G0)
			dt.SetCellFloat("prior_e0", row, gen.Prior.E0)
			dt.SetCellFloat("prior_V0", row, gen.Prior.V0)
			row++
		}
	}
	return dt, nil
}

func init() {
	fitCmd.Flags().StringVar(&fitData, "data", "", "dataset JSON file (required)")
	fitCmd.Flags().StringVar(&fitConfig, "config", "", "YAML run configuration")
	fitCmd.Flags().StringVar(&fitOut, "out", "out", "output directory")
	_ = fitCmd.MarkFlagRequired("data")
}
