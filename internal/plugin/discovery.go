// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// Discovered contains a parsed manifest and the directory it came from.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid plugins under pluginsDir. Each immediate
// subdirectory holding a parseable plugin.json is returned; invalid or
// manifest-less directories are logged and skipped.
func Discover(_ context.Context, pluginsDir string) ([]*Discovered, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, oops.In("discovery").Code("IO_FAILED").With("dir", pluginsDir).Wrap(err)
	}

	var plugins []*Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFileName)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &Discovered{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}
