// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin

import "context"

// Host manages the executable side of a specific plugin runtime type.
// The lifecycle manager drives hosts through its phase handlers; hosts
// never mutate Instance state themselves.
type Host interface {
	// Load reads and vets the plugin's executable unit (source file or
	// binary) without running it.
	Load(ctx context.Context, inst *Instance) error

	// Init runs the plugin's initialization entry point.
	Init(ctx context.Context, inst *Instance) error

	// Start runs the plugin's start entry point.
	Start(ctx context.Context, inst *Instance) error

	// Stop runs the plugin's stop entry point.
	Stop(ctx context.Context, inst *Instance) error

	// Cleanup runs the plugin's cleanup entry point before unload.
	Cleanup(ctx context.Context, inst *Instance) error

	// Unload releases everything held for the plugin.
	Unload(ctx context.Context, inst *Instance) error

	// HandleMessage delivers a hub message to the plugin and returns its
	// optional reply payload.
	HandleMessage(ctx context.Context, name, topic string, payload []byte) ([]byte, error)

	// Type reports which manifest plugin_type this host serves.
	Type() Type

	// Close shuts down the host and all plugins it holds.
	Close(ctx context.Context) error
}
