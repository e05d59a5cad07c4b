// Copyright (c) 2024, The Virokin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// virokin is the command-line interface for fitting hierarchical Bayesian
// viral-kinetics models: `virokin fit` samples the posterior for a dataset,
// `virokin simulate` generates synthetic cohorts from the priors.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger  *zap.Logger
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "virokin",
	Short: "virokin - hierarchical Bayesian viral-kinetics fitting",
	Long: `virokin fits a target-cell-limited viral dynamics ODE model to
per-individual viral-load time series, with partial pooling across
individuals and one latent starting virus load per dose group, using
Hamiltonian Monte Carlo.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(fitCmd)
	rootCmd.AddCommand(simulateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
