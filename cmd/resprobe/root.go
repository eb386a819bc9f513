// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package main

import (
	"github.com/spf13/cobra"

	"github.com/gviegas/residency/internal/config"
	"github.com/gviegas/residency/internal/logger"
)

// options holds the global flags.
type options struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "resprobe",
		Short: "Probe GPU residency of imported host memory",
		Long: `Resprobe imports host memory into memory pools, relocates the pools
that need device memory and reports the residency of each pool.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./resprobe.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(opts), newLayoutsCmd())
	return root
}

// load loads the configuration and initializes the
// global logger from it.
func (o *options) load() error {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}
