// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
)

func writeManifest(t *testing.T, root, name, content string) {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(content), 0o600))
}

func TestDiscover_FindsValidPlugins(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "echo-bot", `{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0"
	}`)
	writeManifest(t, root, "logger", `{
		"name": "logger",
		"version": "0.3.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0"
	}`)

	found, err := plugin.Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, found, 2)

	names := []string{found[0].Manifest.Name, found[1].Manifest.Name}
	assert.ElementsMatch(t, []string{"echo-bot", "logger"}, names)
	for _, d := range found {
		assert.DirExists(t, d.Dir)
	}
}

func TestDiscover_SkipsInvalidEntries(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "echo-bot", `{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0"
	}`)
	// Directory without a manifest.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	// Directory with a broken manifest.
	writeManifest(t, root, "broken", `{not json`)
	// Stray file at the top level.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o600))

	found, err := plugin.Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "echo-bot", found[0].Manifest.Name)
}

func TestDiscover_MissingDirectory(t *testing.T) {
	found, err := plugin.Discover(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, found)
}
