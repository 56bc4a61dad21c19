// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package plugin defines the core plugin model: manifests, instances,
// lifecycle states and on-disk discovery.
package plugin

import (
	"encoding/json"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the runtime.
const (
	TypeLua    Type = "lua"
	TypeBinary Type = "binary"
)

// Permission names a capability a plugin may request in its manifest.
type Permission string

// The global permission enum. A manifest requesting anything outside
// this set fails validation.
const (
	PermHostLog     Permission = "host.log"
	PermHostConfig  Permission = "host.config"
	PermMsgPublish  Permission = "msg.publish"
	PermMsgRequest  Permission = "msg.request"
	PermSvcRegister Permission = "svc.register"
	PermSvcCall     Permission = "svc.call"
	PermFSRead      Permission = "fs.read"
	PermFSWrite     Permission = "fs.write"
	PermNetConnect  Permission = "net.connect"
	PermProcSpawn   Permission = "proc.spawn"
)

// KnownPermissions is the closed set manifests are validated against.
var KnownPermissions = map[Permission]bool{
	PermHostLog:     true,
	PermHostConfig:  true,
	PermMsgPublish:  true,
	PermMsgRequest:  true,
	PermSvcRegister: true,
	PermSvcCall:     true,
	PermFSRead:      true,
	PermFSWrite:     true,
	PermNetConnect:  true,
	PermProcSpawn:   true,
}

// ManifestFileName is the manifest file looked up in each plugin directory.
const ManifestFileName = "plugin.json"

// Manifest represents a plugin.json file. Immutable once parsed.
type Manifest struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Description   string          `json:"description,omitempty"`
	Author        string          `json:"author,omitempty"`
	PluginType    Type            `json:"plugin_type"`
	EntryPoint    string          `json:"entry_point"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	APIVersion    string          `json:"api_version"`
	MinAppVersion string          `json:"min_app_version,omitempty"`
	MaxAppVersion string          `json:"max_app_version,omitempty"`
	Permissions   []Permission    `json:"permissions,omitempty"`
	ConfigSchema  json.RawMessage `json:"config_schema,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Enabled       bool            `json:"enabled"`
	AutoStart     bool            `json:"auto_start"`
	Priority      int             `json:"priority"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens. Cannot end with a
// hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.json file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.In("manifest").Code("VALIDATION_FAILED").New("manifest data is empty")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.In("manifest").Code("VALIDATION_FAILED").Hint("invalid JSON").Wrap(err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	errb := oops.In("manifest").Code("VALIDATION_FAILED").With("plugin", m.Name)

	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return errb.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return errb.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return errb.With("version", m.Version).Hint("version must be strict semver").Wrap(err)
	}
	if _, err := semver.StrictNewVersion(m.APIVersion); err != nil {
		return errb.With("api_version", m.APIVersion).Hint("api_version must be strict semver").Wrap(err)
	}
	if m.MinAppVersion != "" {
		if _, err := semver.StrictNewVersion(m.MinAppVersion); err != nil {
			return errb.With("min_app_version", m.MinAppVersion).Wrap(err)
		}
	}
	if m.MaxAppVersion != "" {
		if _, err := semver.StrictNewVersion(m.MaxAppVersion); err != nil {
			return errb.With("max_app_version", m.MaxAppVersion).Wrap(err)
		}
	}

	switch m.PluginType {
	case TypeLua, TypeBinary:
	default:
		return errb.Errorf("plugin_type must be 'lua' or 'binary', got %q", m.PluginType)
	}

	if m.EntryPoint == "" {
		return errb.New("entry_point is required")
	}

	for _, p := range m.Permissions {
		if !KnownPermissions[p] {
			return errb.With("permission", string(p)).New("unknown permission")
		}
	}

	for _, dep := range m.Dependencies {
		if dep == m.Name {
			return errb.New("plugin cannot depend on itself")
		}
		if !namePattern.MatchString(dep) {
			return errb.With("dependency", dep).New("invalid dependency name")
		}
	}

	return nil
}

// SemVersion returns the parsed plugin version. Validate must have
// succeeded beforehand.
func (m *Manifest) SemVersion() *semver.Version {
	v, _ := semver.StrictNewVersion(m.Version)
	return v
}
