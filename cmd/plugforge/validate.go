// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/security"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin-dir>",
		Short: "Validate a plugin directory without loading it",
		Long: `Validates a plugin directory's manifest against the JSON Schema and,
for Lua plugins, runs the static security analysis on the entry point.
Does NOT start the runtime. Exits with code 0 on success.

Useful in CI pipelines to catch plugin packaging errors early:
  plugforge validate ./plugins/my-plugin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, dir string) error {
	manifestPath := filepath.Join(dir, plugin.ManifestFileName)
	data, err := os.ReadFile(manifestPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return oops.In("validate").Code("IO_FAILED").With("path", manifestPath).Wrap(err)
	}

	if err := plugin.ValidateSchema(data); err != nil {
		return err
	}
	manifest, err := plugin.ParseManifest(data)
	if err != nil {
		return err
	}
	cmd.Printf("manifest ok: %s %s (%s)\n", manifest.Name, manifest.Version, manifest.PluginType)

	if manifest.PluginType != plugin.TypeLua {
		return nil
	}

	source, err := os.ReadFile(filepath.Join(dir, manifest.EntryPoint)) //nolint:gosec // path from validated manifest
	if err != nil {
		return oops.In("validate").Code("IO_FAILED").With("entry_point", manifest.EntryPoint).Wrap(err)
	}

	policy := security.DefaultPolicy()
	analyzer, err := security.NewAnalyzer(policy, security.NewViolationLog(policy.ViolationCap))
	if err != nil {
		return err
	}

	report := analyzer.AnalyzeCode(manifest.Name, string(source))
	for _, v := range report.Violations {
		cmd.Printf("  [%s] %s: %s\n", v.Severity, v.Type, v.Description)
	}
	if !report.Safe {
		return oops.In("validate").
			Code("SECURITY_VIOLATION").
			With("plugin", manifest.Name).
			With("violations", len(report.Violations)).
			New("plugin failed security analysis")
	}

	cmd.Printf("analysis ok: %d finding(s), none blocking\n", len(report.Violations))
	return nil
}
