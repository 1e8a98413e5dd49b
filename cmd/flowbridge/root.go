package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clinicflow/flowbridge/config"
	"github.com/clinicflow/flowbridge/env"
	"github.com/clinicflow/flowbridge/log"
)

// app is the state shared by the subcommands.
type app struct {
	configPath string
	verbose    bool
	lookup     env.LookupFunc

	cfg    config.Config
	logger *log.Logger
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&app{lookup: env.Lookup})
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowbridge",
		Short: "Run browser automation strategies over the DevTools protocol",
		Long: `flowbridge drives a Chrome browser over the DevTools protocol to run
strategies: declarative lists of navigate, click, type, read and wait steps.
Clicks whose selector no longer matches are healed with a vision locator.

Configuration comes from flags, FLOWBRIDGE_* environment variables, an
optional .env file and an optional YAML file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newBridgeCmd(a),
		newStrategiesCmd(a),
		newConsoleCmd(a),
	)

	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.lookup, a.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	a.cfg = cfg

	a.logger = log.New(logrus.New(), cfg.CategoryFilter())
	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	if err := a.logger.SetLevel(level); err != nil {
		return fmt.Errorf("setting log level: %w", err)
	}

	return nil
}
