// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
)

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))

	assert.Equal(t, plugin.SchemaID(), schema["$id"])
	assert.Equal(t, "PlugForge Plugin Manifest", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema should expose manifest properties")
	for _, field := range []string{"name", "version", "plugin_type", "entry_point", "api_version"} {
		assert.Contains(t, props, field)
	}
}

func TestValidateSchema_ValidManifest(t *testing.T) {
	data := `{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0",
		"enabled": true,
		"auto_start": false,
		"priority": 0
	}`
	assert.NoError(t, plugin.ValidateSchema([]byte(data)))
}

func TestValidateSchema_WrongFieldType(t *testing.T) {
	data := `{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0",
		"enabled": true,
		"auto_start": false,
		"priority": "first"
	}`
	err := plugin.ValidateSchema([]byte(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestValidateSchema_EmptyAndMalformed(t *testing.T) {
	require.Error(t, plugin.ValidateSchema(nil))
	require.Error(t, plugin.ValidateSchema([]byte("{not json")))
}

func TestValidateConfig(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0",
		"config_schema": {
			"type": "object",
			"properties": {
				"greeting": {"type": "string"},
				"repeat": {"type": "integer", "minimum": 1}
			},
			"required": ["greeting"]
		}
	}`))
	require.NoError(t, err)

	assert.NoError(t, m.ValidateConfig(map[string]any{"greeting": "hi", "repeat": 3}))

	err = m.ValidateConfig(map[string]any{"repeat": 3})
	require.Error(t, err, "missing required key should fail")

	err = m.ValidateConfig(map[string]any{"greeting": "hi", "repeat": 0})
	require.Error(t, err, "minimum violation should fail")
}

func TestValidateConfig_NoSchemaAcceptsAnything(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`{
		"name": "echo-bot",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0"
	}`))
	require.NoError(t, err)

	assert.NoError(t, m.ValidateConfig(map[string]any{"anything": []any{1, "two"}}))
	assert.NoError(t, m.ValidateConfig(nil))
}
