// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package security

import (
	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
)

// Compat validates plugin manifests against the host's application and
// API versions.
type Compat struct {
	appVersion *semver.Version
	apiVersion *semver.Version
	policy     *Policy
}

// NewCompat creates a compatibility checker. appVersion and apiVersion
// are the host's own versions, strict semver.
func NewCompat(appVersion, apiVersion string, policy *Policy) (*Compat, error) {
	app, err := semver.StrictNewVersion(appVersion)
	if err != nil {
		return nil, oops.In("security").Code("VALIDATION_FAILED").With("app_version", appVersion).Wrap(err)
	}
	api, err := semver.StrictNewVersion(apiVersion)
	if err != nil {
		return nil, oops.In("security").Code("VALIDATION_FAILED").With("api_version", apiVersion).Wrap(err)
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Compat{appVersion: app, apiVersion: api, policy: policy}, nil
}

// MetadataReport is the outcome of ValidateMetadata. Warnings carry
// non-fatal findings such as partial API compatibility.
type MetadataReport struct {
	Compatible bool
	Warnings   []string
}

// ValidateMetadata checks a manifest's requested permissions against the
// known enum and the policy's grantable set, and verifies version
// compatibility: the host application version must satisfy
// [min_app_version, max_app_version], and the API major component must
// match exactly. An API minor/patch mismatch yields a "partially
// compatible" warning, not a failure.
func (c *Compat) ValidateMetadata(m *plugin.Manifest) (*MetadataReport, error) {
	errb := oops.In("security").Code("VALIDATION_FAILED").With("plugin", m.Name)

	for _, p := range m.Permissions {
		if !plugin.KnownPermissions[p] {
			return nil, errb.With("permission", string(p)).New("unknown permission")
		}
	}
	if len(c.policy.AllowedPermissions) > 0 {
		grantable := make(map[plugin.Permission]bool, len(c.policy.AllowedPermissions))
		for _, p := range c.policy.AllowedPermissions {
			grantable[p] = true
		}
		for _, p := range m.Permissions {
			if !grantable[p] {
				return nil, errb.With("permission", string(p)).New("permission not grantable under policy")
			}
		}
	}

	if m.MinAppVersion != "" {
		minV, err := semver.StrictNewVersion(m.MinAppVersion)
		if err != nil {
			return nil, errb.With("min_app_version", m.MinAppVersion).Wrap(err)
		}
		if c.appVersion.LessThan(minV) {
			return nil, errb.
				With("app_version", c.appVersion.String()).
				With("min_app_version", m.MinAppVersion).
				New("application version below plugin minimum")
		}
	}
	if m.MaxAppVersion != "" {
		maxV, err := semver.StrictNewVersion(m.MaxAppVersion)
		if err != nil {
			return nil, errb.With("max_app_version", m.MaxAppVersion).Wrap(err)
		}
		if c.appVersion.GreaterThan(maxV) {
			return nil, errb.
				With("app_version", c.appVersion.String()).
				With("max_app_version", m.MaxAppVersion).
				New("application version above plugin maximum")
		}
	}

	report := &MetadataReport{Compatible: true}

	pluginAPI, err := semver.StrictNewVersion(m.APIVersion)
	if err != nil {
		return nil, errb.With("api_version", m.APIVersion).Wrap(err)
	}
	if pluginAPI.Major() != c.apiVersion.Major() {
		return nil, errb.
			With("plugin_api", m.APIVersion).
			With("host_api", c.apiVersion.String()).
			New("API major version mismatch")
	}
	if pluginAPI.Minor() != c.apiVersion.Minor() || pluginAPI.Patch() != c.apiVersion.Patch() {
		report.Warnings = append(report.Warnings,
			"partially compatible: API "+m.APIVersion+" differs from host "+c.apiVersion.String()+" in minor/patch")
	}

	return report, nil
}
