// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package plugin

// State is the coarse lifecycle state of a plugin instance.
type State string

// Plugin lifecycle states.
const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateActive   State = "active"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Phase is a fine-grained step composing a user-facing transition.
type Phase string

// Lifecycle phases, in the order a full load/start/stop/unload cycle
// passes through them.
const (
	PhaseValidation           Phase = "validation"
	PhaseLoading              Phase = "loading"
	PhaseDependencyResolution Phase = "dependency_resolution"
	PhaseInitialization       Phase = "initialization"
	PhaseStarting             Phase = "starting"
	PhaseRunning              Phase = "running"
	PhaseStopping             Phase = "stopping"
	PhaseCleanup              Phase = "cleanup"
	PhaseUnloading            Phase = "unloading"
)

// Transition is a host-requested state change.
type Transition string

// Transitions exposed through the host API.
const (
	TransitionLoad    Transition = "load"
	TransitionStart   Transition = "start"
	TransitionStop    Transition = "stop"
	TransitionUnload  Transition = "unload"
	TransitionRestart Transition = "restart"
	TransitionReload  Transition = "reload"
)
