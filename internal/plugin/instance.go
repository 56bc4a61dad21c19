// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin

import (
	"sync"
	"time"
)

// Instance pairs an immutable manifest with the mutable runtime state of
// one loaded plugin. Created at Load, mutated only by the lifecycle
// manager, destroyed at Unload.
type Instance struct {
	Manifest *Manifest
	Dir      string

	mu       sync.RWMutex
	state    State
	config   map[string]any
	loadedAt time.Time
}

// NewInstance creates an instance in the Unloaded state.
func NewInstance(m *Manifest, dir string) *Instance {
	return &Instance{
		Manifest: m,
		Dir:      dir,
		state:    StateUnloaded,
		config:   make(map[string]any),
	}
}

// ID returns the plugin's manifest name.
func (i *Instance) ID() string { return i.Manifest.Name }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState records a new lifecycle state. Loaded timestamps are kept for
// status reporting.
func (i *Instance) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateUnloaded && s == StateLoaded {
		i.loadedAt = time.Now()
	}
	i.state = s
}

// LoadedAt returns when the instance last entered the Loaded state, or the
// zero time if it never has.
func (i *Instance) LoadedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.loadedAt
}

// Config returns a copy of the instance configuration map.
func (i *Instance) Config() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.config))
	for k, v := range i.config {
		out[k] = v
	}
	return out
}

// SetConfig replaces the instance configuration map. The map is copied.
func (i *Instance) SetConfig(cfg map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.config = make(map[string]any, len(cfg))
	for k, v := range cfg {
		i.config[k] = v
	}
}
