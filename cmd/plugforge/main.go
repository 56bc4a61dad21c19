// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package main is the entry point for the PlugForge runtime.
package main

import (
	"fmt"
	"os"
)

// Version information set at build time. The version must stay strict
// semver so manifests can be checked against it.
var (
	version = "0.0.0-dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
