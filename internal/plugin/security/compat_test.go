// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/security"
	"github.com/plugforge/plugforge/pkg/errutil"
)

func manifestForCompat() *plugin.Manifest {
	return &plugin.Manifest{
		Name:       "demo",
		Version:    "1.0.0",
		PluginType: plugin.TypeLua,
		EntryPoint: "main.lua",
		APIVersion: "1.0.0",
	}
}

func TestValidateMetadata_Compatible(t *testing.T) {
	c, err := security.NewCompat("1.5.0", "1.0.0", nil)
	require.NoError(t, err)

	m := manifestForCompat()
	m.MinAppVersion = "1.0.0"
	m.MaxAppVersion = "2.0.0"

	report, err := c.ValidateMetadata(m)
	require.NoError(t, err)
	assert.True(t, report.Compatible)
	assert.Empty(t, report.Warnings)
}

func TestValidateMetadata_AppVersionBelowMinimum(t *testing.T) {
	// Host 1.5.0 cannot satisfy a plugin requiring at least 2.0.0.
	c, err := security.NewCompat("1.5.0", "1.0.0", nil)
	require.NoError(t, err)

	m := manifestForCompat()
	m.MinAppVersion = "2.0.0"

	_, err = c.ValidateMetadata(m)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
}

func TestValidateMetadata_AppVersionAboveMaximum(t *testing.T) {
	c, err := security.NewCompat("3.0.0", "1.0.0", nil)
	require.NoError(t, err)

	m := manifestForCompat()
	m.MaxAppVersion = "2.5.0"

	_, err = c.ValidateMetadata(m)
	require.Error(t, err)
}

func TestValidateMetadata_APIMajorMismatchFails(t *testing.T) {
	c, err := security.NewCompat("1.0.0", "2.0.0", nil)
	require.NoError(t, err)

	m := manifestForCompat()
	m.APIVersion = "1.9.0"

	_, err = c.ValidateMetadata(m)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
}

func TestValidateMetadata_APIMinorMismatchWarnsOnly(t *testing.T) {
	c, err := security.NewCompat("1.0.0", "1.2.0", nil)
	require.NoError(t, err)

	m := manifestForCompat()
	m.APIVersion = "1.0.0"

	report, err := c.ValidateMetadata(m)
	require.NoError(t, err)
	assert.True(t, report.Compatible)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "partially compatible")
}

func TestValidateMetadata_PermissionOutsidePolicy(t *testing.T) {
	policy := security.DefaultPolicy()
	policy.AllowedPermissions = []plugin.Permission{plugin.PermHostLog}

	c, err := security.NewCompat("1.0.0", "1.0.0", policy)
	require.NoError(t, err)

	m := manifestForCompat()
	m.Permissions = []plugin.Permission{plugin.PermHostLog, plugin.PermProcSpawn}

	_, err = c.ValidateMetadata(m)
	require.Error(t, err)
}
