// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunList_PrintsDiscoveredPlugins(t *testing.T) {
	pluginsDir := t.TempDir()
	dir := filepath.Join(pluginsDir, "greeter")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	manifest := `{
		"name": "greeter",
		"version": "2.1.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0",
		"dependencies": ["logger"],
		"enabled": true,
		"auto_start": true
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o600))

	cmd := &cobra.Command{}
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)

	require.NoError(t, runList(cmd, pluginsDir))

	output := buf.String()
	assert.Contains(t, output, "NAME")
	assert.Contains(t, output, "greeter")
	assert.Contains(t, output, "2.1.0")
	assert.Contains(t, output, "logger")
	assert.Contains(t, output, "yes")
}

func TestRunList_EmptyDirectory(t *testing.T) {
	cmd := &cobra.Command{}
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)

	require.NoError(t, runList(cmd, t.TempDir()))
	assert.Contains(t, buf.String(), "no plugins found")
}
