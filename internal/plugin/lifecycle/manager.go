// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
)

// transitionSources lists the legal source states per transition.
// Reload is special-cased: any state except Unloaded.
var transitionSources = map[plugin.Transition][]plugin.State{
	plugin.TransitionLoad:    {plugin.StateUnloaded},
	plugin.TransitionStart:   {plugin.StateLoaded, plugin.StateStopped},
	plugin.TransitionStop:    {plugin.StateActive},
	plugin.TransitionUnload:  {plugin.StateLoaded, plugin.StateStopped, plugin.StateError},
	plugin.TransitionRestart: {plugin.StateActive},
}

// transitionPhases decomposes each transition into its ordered phases.
var transitionPhases = map[plugin.Transition][]plugin.Phase{
	plugin.TransitionLoad: {
		plugin.PhaseValidation,
		plugin.PhaseLoading,
		plugin.PhaseDependencyResolution,
		plugin.PhaseInitialization,
	},
	plugin.TransitionStart:   {plugin.PhaseStarting},
	plugin.TransitionStop:    {plugin.PhaseStopping},
	plugin.TransitionUnload:  {plugin.PhaseCleanup, plugin.PhaseUnloading},
	plugin.TransitionRestart: {plugin.PhaseStopping, plugin.PhaseStarting},
}

// targetStates gives the state reached by a successful transition.
var targetStates = map[plugin.Transition]plugin.State{
	plugin.TransitionLoad:    plugin.StateLoaded,
	plugin.TransitionStart:   plugin.StateActive,
	plugin.TransitionStop:    plugin.StateStopped,
	plugin.TransitionUnload:  plugin.StateUnloaded,
	plugin.TransitionRestart: plugin.StateActive,
}

// Manager is the lifecycle state machine. Transitions for one plugin id
// are mutually exclusive; independent ids run concurrently.
type Manager struct {
	mu       sync.Mutex
	handlers []PhaseHandler // kept sorted by priority, higher first
	hooks    map[HookPoint][]Hook
	locks    map[string]*sync.Mutex

	metrics *Metrics
	events  *EventLog
}

// NewManager creates a lifecycle manager with the given event capacity.
func NewManager(eventCap int) *Manager {
	return &Manager{
		hooks:   make(map[HookPoint][]Hook),
		locks:   make(map[string]*sync.Mutex),
		metrics: NewMetrics(),
		events:  NewEventLog(eventCap),
	}
}

// RegisterHandler adds a phase handler. Handlers are matched in priority
// order, first match wins.
func (m *Manager) RegisterHandler(h PhaseHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
	sort.SliceStable(m.handlers, func(a, b int) bool {
		return m.handlers[a].Priority() > m.handlers[b].Priority()
	})
}

// RegisterHook appends a hook at the given point.
func (m *Manager) RegisterHook(point HookPoint, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[point] = append(m.hooks[point], h)
}

// Metrics exposes the per-plugin rolling counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Events exposes the transition history.
func (m *Manager) Events() *EventLog { return m.events }

// lockFor returns the per-plugin transition lock.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Apply executes one transition on the instance, holding the plugin's
// transition lock for the duration.
func (m *Manager) Apply(ctx context.Context, inst *plugin.Instance, tr plugin.Transition) error {
	lock := m.lockFor(inst.ID())
	lock.Lock()
	defer lock.Unlock()

	if tr == plugin.TransitionReload {
		return m.reloadLocked(ctx, inst)
	}
	return m.applyLocked(ctx, inst, tr)
}

// reloadLocked tears the plugin all the way down and brings it back up:
// Stop (when Active) + Unload + Load + Start. Legal from any state
// except Unloaded.
func (m *Manager) reloadLocked(ctx context.Context, inst *plugin.Instance) error {
	if inst.State() == plugin.StateUnloaded {
		return m.illegal(inst, plugin.TransitionReload)
	}

	if inst.State() == plugin.StateActive {
		if err := m.applyLocked(ctx, inst, plugin.TransitionStop); err != nil {
			return err
		}
	}
	if err := m.applyLocked(ctx, inst, plugin.TransitionUnload); err != nil {
		return err
	}
	if err := m.applyLocked(ctx, inst, plugin.TransitionLoad); err != nil {
		return err
	}
	return m.applyLocked(ctx, inst, plugin.TransitionStart)
}

// illegal records and returns a transition error with no state change.
func (m *Manager) illegal(inst *plugin.Instance, tr plugin.Transition) error {
	err := oops.In("lifecycle").
		Code("ILLEGAL_TRANSITION").
		With("plugin", inst.ID()).
		With("transition", string(tr)).
		With("state", string(inst.State())).
		Errorf("transition %s not legal from state %s", tr, inst.State())

	m.events.Record(Event{
		PluginID:   inst.ID(),
		Transition: tr,
		Success:    false,
		Error:      err.Error(),
	})
	return err
}

func (m *Manager) applyLocked(ctx context.Context, inst *plugin.Instance, tr plugin.Transition) error {
	legal := false
	for _, s := range transitionSources[tr] {
		if inst.State() == s {
			legal = true
			break
		}
	}
	if !legal {
		return m.illegal(inst, tr)
	}

	start := time.Now()
	phases := transitionPhases[tr]

	for _, phase := range phases {
		if err := m.runPhase(ctx, inst, tr, phase, start); err != nil {
			return err
		}
	}

	dur := time.Since(start)
	inst.SetState(targetStates[tr])
	m.metrics.Record(inst.ID(), tr, true, dur, nil)
	m.events.Record(Event{
		PluginID:   inst.ID(),
		Transition: tr,
		Phase:      phases[len(phases)-1],
		Success:    true,
		Duration:   dur,
	})

	slog.Debug("plugin transition complete",
		"plugin", inst.ID(),
		"transition", string(tr),
		"state", string(inst.State()),
		"duration", dur)
	return nil
}

// runPhase dispatches one phase, wrapping Starting/Stopping with hooks.
func (m *Manager) runPhase(ctx context.Context, inst *plugin.Instance, tr plugin.Transition, phase plugin.Phase, started time.Time) error {
	// Before-hooks abort with no state change: nothing ran yet.
	if point, ok := beforePoint(phase); ok {
		if err := m.runHooks(ctx, point, inst); err != nil {
			return m.failTransition(inst, tr, phase, started, err, false)
		}
	}

	h := m.handlerFor(inst, phase)
	if h == nil {
		err := oops.In("lifecycle").
			Code("ILLEGAL_TRANSITION").
			With("plugin", inst.ID()).
			With("phase", string(phase)).
			New("no handler for phase")
		return m.failTransition(inst, tr, phase, started, err, true)
	}

	if err := h.Handle(ctx, inst, phase); err != nil {
		wrapped := oops.In("lifecycle").
			With("plugin", inst.ID()).
			With("transition", string(tr)).
			With("phase", string(phase)).
			With("handler", h.Name()).
			Wrap(err)
		return m.failTransition(inst, tr, phase, started, wrapped, true)
	}

	// After-hooks fail the transition like a phase error: the phase has
	// already mutated the world.
	if point, ok := afterPoint(phase); ok {
		if err := m.runHooks(ctx, point, inst); err != nil {
			return m.failTransition(inst, tr, phase, started, err, true)
		}
	}

	return nil
}

// failTransition records the failure, optionally forcing the Error
// state, and returns the error.
func (m *Manager) failTransition(inst *plugin.Instance, tr plugin.Transition, phase plugin.Phase, started time.Time, err error, forceError bool) error {
	dur := time.Since(started)
	if forceError {
		inst.SetState(plugin.StateError)
	}
	m.metrics.Record(inst.ID(), tr, false, dur, err)
	m.events.Record(Event{
		PluginID:   inst.ID(),
		Transition: tr,
		Phase:      phase,
		Success:    false,
		Duration:   dur,
		Error:      err.Error(),
	})

	slog.Warn("plugin transition failed",
		"plugin", inst.ID(),
		"transition", string(tr),
		"phase", string(phase),
		"state", string(inst.State()),
		"error", err)
	return err
}

// handlerFor returns the first handler, in priority order, claiming the
// phase.
func (m *Manager) handlerFor(inst *plugin.Instance, phase plugin.Phase) PhaseHandler {
	m.mu.Lock()
	handlers := make([]PhaseHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		if h.CanHandle(inst, phase) {
			return h
		}
	}
	return nil
}

func (m *Manager) runHooks(ctx context.Context, point HookPoint, inst *plugin.Instance) error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks[point]...)
	m.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, inst); err != nil {
			return oops.In("lifecycle").
				Code("EXECUTION_FAILED").
				With("plugin", inst.ID()).
				With("hook", string(point)).
				Hint("hook aborted transition").
				Wrap(err)
		}
	}
	return nil
}

func beforePoint(phase plugin.Phase) (HookPoint, bool) {
	switch phase {
	case plugin.PhaseStarting:
		return HookBeforeStart, true
	case plugin.PhaseStopping:
		return HookBeforeStop, true
	default:
		return "", false
	}
}

func afterPoint(phase plugin.Phase) (HookPoint, bool) {
	switch phase {
	case plugin.PhaseStarting:
		return HookAfterStart, true
	case plugin.PhaseStopping:
		return HookAfterStop, true
	default:
		return "", false
	}
}
