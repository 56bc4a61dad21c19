// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
)

func testManifest(t *testing.T) *plugin.Manifest {
	t.Helper()

	m, err := plugin.ParseManifest([]byte(`{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0"
	}`))
	require.NoError(t, err)
	return m
}

func TestInstance_StartsUnloaded(t *testing.T) {
	inst := plugin.NewInstance(testManifest(t), "/tmp/plugins/echo-bot")

	assert.Equal(t, "echo-bot", inst.ID())
	assert.Equal(t, plugin.StateUnloaded, inst.State())
	assert.True(t, inst.LoadedAt().IsZero())
}

func TestInstance_LoadedAtSetOnLoadTransition(t *testing.T) {
	inst := plugin.NewInstance(testManifest(t), "")

	inst.SetState(plugin.StateLoaded)
	first := inst.LoadedAt()
	assert.False(t, first.IsZero())

	// Subsequent transitions keep the load timestamp.
	inst.SetState(plugin.StateActive)
	inst.SetState(plugin.StateStopped)
	assert.Equal(t, first, inst.LoadedAt())
}

func TestInstance_ConfigIsCopied(t *testing.T) {
	inst := plugin.NewInstance(testManifest(t), "")

	original := map[string]any{"greeting": "hi"}
	inst.SetConfig(original)
	original["greeting"] = "mutated"

	got := inst.Config()
	assert.Equal(t, "hi", got["greeting"])

	// Mutating the returned copy does not affect the instance.
	got["greeting"] = "mutated again"
	assert.Equal(t, "hi", inst.Config()["greeting"])
}
