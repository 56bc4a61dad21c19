// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plugforge/plugforge/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the PlugForge CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugforge",
		Short: "PlugForge - an embeddable plugin runtime",
		Long: `PlugForge hosts sandboxed Lua and out-of-process binary plugins with
dependency-ordered lifecycle management, capability-gated messaging,
and live code replacement.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewListCmd())

	return cmd
}

// loadConfig layers the system file, the user file, and the --config
// file (in that order, later wins), then environment and flags.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	paths := []string{"/etc/plugforge/config.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "plugforge", "config.yaml"))
	}
	if configFile != "" {
		paths = append(paths, configFile)
	}
	return config.Load(paths, flags)
}
