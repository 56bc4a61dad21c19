// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package gohost

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/pkg/errutil"
)

func manifest(entry string) *plugin.Manifest {
	return &plugin.Manifest{
		Name:       "native",
		Version:    "1.0.0",
		PluginType: plugin.TypeBinary,
		EntryPoint: entry,
		APIVersion: "1.0.0",
	}
}

func TestLoad_MissingBinary(t *testing.T) {
	h := New()
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	inst := plugin.NewInstance(manifest("native-plugin"), t.TempDir())
	err := h.Load(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "IO_FAILED")
}

func TestLoad_NonExecutableRejected(t *testing.T) {
	h := New()
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "native-plugin"), []byte("#!"), 0o644))

	inst := plugin.NewInstance(manifest("native-plugin"), dir)
	err := h.Load(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
}

func TestLoad_EntryPointMustStayInsideDir(t *testing.T) {
	h := New()
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	inst := plugin.NewInstance(manifest("../../bin/sh"), t.TempDir())
	err := h.Load(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
}

func TestCalls_RequireLoadedAndInitialized(t *testing.T) {
	h := New()
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	inst := plugin.NewInstance(manifest("native-plugin"), t.TempDir())

	// Not loaded at all.
	err := h.Start(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "DEPENDENCY_MISSING")
	_, err = h.HandleMessage(context.Background(), "native", "t", nil)
	errutil.AssertErrorCode(t, err, "DEPENDENCY_MISSING")

	// Loaded but never initialized: the subprocess was never spawned.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "native-plugin"), []byte("#!/bin/true"), 0o755))
	inst = plugin.NewInstance(manifest("native-plugin"), dir)
	require.NoError(t, h.Load(context.Background(), inst))

	err = h.Start(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "EXECUTION_FAILED")
}

func TestUnload_UnknownPluginIsNoOp(t *testing.T) {
	h := New()
	inst := plugin.NewInstance(manifest("native-plugin"), t.TempDir())
	assert.NoError(t, h.Unload(context.Background(), inst))
}

func TestType(t *testing.T) {
	assert.Equal(t, plugin.TypeBinary, New().Type())
}
