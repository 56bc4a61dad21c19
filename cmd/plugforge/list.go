// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package main

import (
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plugforge/plugforge/internal/plugin"
)

// NewListCmd creates the list subcommand.
func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins found in the plugin directory",
		Long: `Scans the configured plugin directory and prints each valid plugin's
manifest summary. Does NOT load or start anything.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			return runList(cmd, cfg.PluginsDir)
		},
	}
}

func runList(cmd *cobra.Command, pluginsDir string) error {
	discovered, err := plugin.Discover(cmd.Context(), pluginsDir)
	if err != nil {
		return err
	}
	if len(discovered) == 0 {
		cmd.Printf("no plugins found in %s\n", pluginsDir)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush() //nolint:errcheck

	row := func(cols ...string) {
		w.Write([]byte(strings.Join(cols, "\t") + "\n")) //nolint:errcheck
	}
	row("NAME", "VERSION", "TYPE", "AUTO", "DEPENDENCIES")
	for _, d := range discovered {
		m := d.Manifest
		auto := "no"
		if m.AutoStart {
			auto = "yes"
		}
		row(m.Name, m.Version, string(m.PluginType), auto, strings.Join(m.Dependencies, ","))
	}
	return nil
}
