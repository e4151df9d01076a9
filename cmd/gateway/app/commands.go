// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the gateway command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/svcgateway/pkg/config"
	"github.com/stacklok/svcgateway/pkg/logger"
	"github.com/stacklok/svcgateway/pkg/versions"
	"github.com/stacklok/toolhive-core/env"
)

// NewRootCmd creates a new root command for the gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "gateway",
		DisableAutoGenTag: true,
		Short:             "Service gateway - authenticate, authorize and route requests to backend services",
		Long: `The service gateway sits in front of a fleet of backend HTTP services. For every
request it verifies the caller's token, resolves the target service, enforces
permissions and rate limits, and forwards the request with signed identity headers.

It also runs the SSO handshake that lets callers obtain per-service sessions, a
health monitor that probes every upstream target, and an admin API for managing
routes at runtime.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway using the configuration file given by --config.

Without a configuration file the gateway starts with its defaults, which still
require the signing and JWT secrets to be supplied through the environment.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			cmd.Printf("gateway version: %s\n", info.Version)
			logger.Debugf("commit %s built %s", info.Commit, info.BuildDate)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the gateway configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity and unknown fields
- Required secrets and their minimum lengths
- Service definitions, targets and rate limit policies`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				configPath = config.DefaultPath()
			}
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag or create %s in $XDG_CONFIG_HOME",
					config.DefaultConfigFile)
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Address: %s", cfg.Server.Address)
			logger.Infof("  Services: %d", len(cfg.Services))
			logger.Infof("  Shared store: %t", cfg.Redis.Enabled())
			cmd.Println("configuration is valid")
			return nil
		},
	}
}

// loadConfig reads, defaults and validates the configuration at path. An empty
// path falls back to the XDG config directories and then to the defaults with
// environment overrides applied.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		path = config.DefaultPath()
		if path != "" {
			logger.Infof("Using configuration file %s", path)
		}
	}
	loader := config.NewYAMLLoader(path, &env.OSReader{})
	if path == "" {
		cfg, err = loader.Parse(nil)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	logger.Debugf("Configuration loaded successfully, performing validation...")

	if err := config.NewValidator().Validate(cfg); err != nil {
		logger.Errorf("Configuration validation failed: %v", err)
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
