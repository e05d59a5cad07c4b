// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emer/etable/v2/etable"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"github.com/virokin/virokin/model"
)

var (
	simNind   int
	simNdose  int
	simTimes  string
	simSigma  float64
	simSeed   uint64
	simConfig string
	simOut    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Generate a synthetic cohort by drawing from the priors",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := OpenRunConfig(simConfig)
		if err != nil {
			return err
		}
		times, err := parseTimes(simTimes)
		if err != nil {
			return err
		}

		ds, err := model.Simulate(simNind, simNdose, times[0], times, rc.Hypers, simSigma, rand.NewSource(simSeed))
		if err != nil {
			return err
		}
		if err := ds.SaveJSON(simOut); err != nil {
			return err
		}
		logger.Info("synthetic cohort written",
			zap.String("file", simOut),
			zap.Int("individuals", ds.Nind),
			zap.Int("observations", ds.Ntot))

		// echo the observations for a quick look
		return ds.Table().WriteCSV(os.Stdout, etable.Tab, etable.Headers)
	},
}

func parseTimes(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	times := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad time value %q: %w", p, err)
		}
		times = append(times, v)
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return nil, fmt.Errorf("times must be ascending: %v", times)
		}
	}
	return times, nil
}

func init() {
	simulateCmd.Flags().IntVar(&simNind, "nind", 8, "number of individuals")
	simulateCmd.Flags().IntVar(&simNdose, "ndose", 2, "number of dose groups")
	simulateCmd.Flags().StringVar(&simTimes, "times", "0,0.5,1,2,4,7", "comma-separated observation times, ascending")
	simulateCmd.Flags().Float64Var(&simSigma, "sigma", 0.2, "observation noise sd")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "random seed")
	simulateCmd.Flags().StringVar(&simConfig, "config", "", "YAML run configuration (for the priors)")
	simulateCmd.Flags().StringVar(&simOut, "out", "cohort.json", "output dataset JSON file")
}
