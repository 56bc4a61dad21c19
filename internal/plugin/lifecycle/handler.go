// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package lifecycle drives plugins through a validated state machine.
// Each host-facing transition decomposes into ordered phases dispatched
// to priority-ordered handlers.
package lifecycle

import (
	"context"

	"github.com/plugforge/plugforge/internal/plugin"
)

// PhaseHandler executes one or more lifecycle phases for the plugins it
// claims. Handlers are consulted in priority order (higher first); the
// first handler whose CanHandle returns true runs the phase.
type PhaseHandler interface {
	// Name identifies the handler in events and logs.
	Name() string

	// Priority orders handler matching; higher wins.
	Priority() int

	// CanHandle reports whether this handler serves the given plugin and
	// phase.
	CanHandle(inst *plugin.Instance, phase plugin.Phase) bool

	// Handle executes the phase.
	Handle(ctx context.Context, inst *plugin.Instance, phase plugin.Phase) error
}

// HookPoint names a position around the Starting/Stopping phases.
type HookPoint string

// Hook points wrapping start and stop.
const (
	HookBeforeStart HookPoint = "before_start"
	HookAfterStart  HookPoint = "after_start"
	HookBeforeStop  HookPoint = "before_stop"
	HookAfterStop   HookPoint = "after_stop"
)

// Hook runs at a hook point. A before-hook error aborts the transition
// with no state change; an after-hook error fails it like a phase error.
type Hook func(ctx context.Context, inst *plugin.Instance) error

// FuncHandler adapts plain functions into a PhaseHandler. Used by hosts
// to register per-phase behavior without boilerplate types.
type FuncHandler struct {
	HandlerName     string
	HandlerPriority int
	Match           func(inst *plugin.Instance, phase plugin.Phase) bool
	Run             func(ctx context.Context, inst *plugin.Instance, phase plugin.Phase) error
}

// Name implements PhaseHandler.
func (f *FuncHandler) Name() string { return f.HandlerName }

// Priority implements PhaseHandler.
func (f *FuncHandler) Priority() int { return f.HandlerPriority }

// CanHandle implements PhaseHandler.
func (f *FuncHandler) CanHandle(inst *plugin.Instance, phase plugin.Phase) bool {
	if f.Match == nil {
		return false
	}
	return f.Match(inst, phase)
}

// Handle implements PhaseHandler.
func (f *FuncHandler) Handle(ctx context.Context, inst *plugin.Instance, phase plugin.Phase) error {
	return f.Run(ctx, inst, phase)
}
