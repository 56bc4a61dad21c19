// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package host is the composition root of the plugin runtime: it owns
// the registry of known plugins and wires the dependency graph, the
// security layer, the lifecycle state machine, the communication hub,
// and the per-type runtime hosts together.
package host

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/depgraph"
	"github.com/plugforge/plugforge/internal/plugin/gohost"
	"github.com/plugforge/plugforge/internal/plugin/hub"
	"github.com/plugforge/plugforge/internal/plugin/lifecycle"
	"github.com/plugforge/plugforge/internal/plugin/luahost"
	"github.com/plugforge/plugforge/internal/plugin/security"
)

// Callbacks notify the embedding application about plugin state
// changes. All callbacks run outside registry locks; they may call back
// into the registry.
type Callbacks struct {
	OnLoaded   func(pluginID string)
	OnStarted  func(pluginID string)
	OnStopped  func(pluginID string)
	OnUnloaded func(pluginID string)
	OnError    func(pluginID string, err error)
}

// Options configures a Registry.
type Options struct {
	// PluginsDir is scanned by Discover.
	PluginsDir string
	// AppVersion is the embedding application's version, checked against
	// manifests' min/max_app_version.
	AppVersion string
	// APIVersion is the host plugin API version.
	APIVersion string
	// Policy governs analysis, sandboxing, and grantable permissions.
	// Nil means security.DefaultPolicy.
	Policy *security.Policy
	// EventCap bounds the lifecycle event log.
	EventCap int
	// Hub carries inter-plugin messages. Created internally when nil.
	Hub *hub.Hub
	// Hosts overrides the runtime hosts, keyed by manifest plugin_type.
	// When nil the registry wires the Lua and binary hosts itself.
	Hosts map[plugin.Type]plugin.Host
	// Callbacks are optional state-change notifications.
	Callbacks Callbacks
}

// Registry is the façade over the plugin runtime. Safe for concurrent
// use; per-plugin transitions are serialized by the lifecycle manager.
type Registry struct {
	opts     Options
	lc       *lifecycle.Manager
	graph    *depgraph.Graph
	analyzer *security.Analyzer
	compat   *security.Compat
	sandbox  *security.Sandbox
	grants   *security.Grants
	vlog     *security.ViolationLog
	comms    *hub.Hub
	ownsHub  bool
	hosts    map[plugin.Type]plugin.Host

	mu      sync.RWMutex
	plugins map[string]*plugin.Instance
}

// New wires a registry from options.
func New(opts Options) (*Registry, error) {
	policy := opts.Policy
	if policy == nil {
		policy = security.DefaultPolicy()
	}
	if opts.EventCap <= 0 {
		opts.EventCap = lifecycle.DefaultEventCap
	}

	vlog := security.NewViolationLog(policy.ViolationCap)
	analyzer, err := security.NewAnalyzer(policy, vlog)
	if err != nil {
		return nil, err
	}
	compat, err := security.NewCompat(opts.AppVersion, opts.APIVersion, policy)
	if err != nil {
		return nil, err
	}
	sandbox, err := security.NewSandbox(policy, vlog)
	if err != nil {
		return nil, err
	}
	grants := security.NewGrants()

	comms := opts.Hub
	ownsHub := false
	if comms == nil {
		comms, err = hub.New(hub.Options{})
		if err != nil {
			return nil, err
		}
		ownsHub = true
	}

	r := &Registry{
		opts:     opts,
		lc:       lifecycle.NewManager(opts.EventCap),
		graph:    depgraph.New(),
		analyzer: analyzer,
		compat:   compat,
		sandbox:  sandbox,
		grants:   grants,
		vlog:     vlog,
		comms:    comms,
		ownsHub:  ownsHub,
		plugins:  make(map[string]*plugin.Instance),
	}

	if opts.Hosts != nil {
		r.hosts = opts.Hosts
	} else {
		r.hosts = map[plugin.Type]plugin.Host{
			plugin.TypeLua:    luahost.New(sandbox, grants, comms, vlog),
			plugin.TypeBinary: gohost.New(),
		}
	}

	r.lc.RegisterHandler(&phaseHandler{reg: r})

	return r, nil
}

// SubscribePlugin routes a hub topic into a plugin: deliveries invoke
// the plugin's message entry point through its runtime host. The
// subscription is removed automatically when the plugin unloads.
func (r *Registry) SubscribePlugin(pluginID, topic string) error {
	inst, err := r.instance(pluginID)
	if err != nil {
		return err
	}
	h := r.hosts[inst.Manifest.PluginType]
	r.comms.Subscribe(pluginID, topic, func(ctx context.Context, msg hub.Message) ([]byte, error) {
		return h.HandleMessage(ctx, pluginID, msg.Topic, msg.Payload)
	})
	return nil
}

// Hub exposes the communication hub for the embedding application.
func (r *Registry) Hub() *hub.Hub { return r.comms }

// Lifecycle exposes transition events and metrics.
func (r *Registry) Lifecycle() *lifecycle.Manager { return r.lc }

// Violations exposes the shared security violation log.
func (r *Registry) Violations() *security.ViolationLog { return r.vlog }

// Grants exposes the capability table.
func (r *Registry) Grants() *security.Grants { return r.grants }

// Discover scans PluginsDir and registers every plugin with a valid
// manifest. Already-registered names are skipped.
func (r *Registry) Discover(ctx context.Context) ([]string, error) {
	found, err := plugin.Discover(ctx, r.opts.PluginsDir)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, d := range found {
		if err := r.Add(d.Manifest, d.Dir); err != nil {
			slog.Warn("skipping discovered plugin",
				"plugin_id", d.Manifest.Name,
				"error", err)
			continue
		}
		added = append(added, d.Manifest.Name)
	}
	return added, nil
}

// Add registers a plugin the registry will manage. The plugin starts
// Unloaded; nothing runs until LoadPlugin.
func (r *Registry) Add(m *plugin.Manifest, dir string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, ok := r.hosts[m.PluginType]; !ok {
		return oops.In("registry").
			Code("VALIDATION_FAILED").
			With("plugin_id", m.Name).
			With("plugin_type", string(m.PluginType)).
			New("no runtime host for plugin type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[m.Name]; exists {
		return oops.In("registry").
			Code("VALIDATION_FAILED").
			With("plugin_id", m.Name).
			New("plugin already registered")
	}
	r.plugins[m.Name] = plugin.NewInstance(m, dir)
	r.graph.Register(m.Name, m.Dependencies, m.Priority)
	return nil
}

// Remove forgets an Unloaded plugin. Loaded plugins must be unloaded
// first.
func (r *Registry) Remove(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.plugins[pluginID]
	if !ok {
		return r.unknown(pluginID)
	}
	if inst.State() != plugin.StateUnloaded {
		return oops.In("registry").
			Code("ILLEGAL_TRANSITION").
			With("plugin_id", pluginID).
			With("state", string(inst.State())).
			New("plugin must be unloaded before removal")
	}
	delete(r.plugins, pluginID)
	r.graph.Remove(pluginID)
	r.lc.Metrics().Forget(pluginID)
	return nil
}

// LoadPlugin validates, loads, resolves dependencies, and initializes
// one plugin.
func (r *Registry) LoadPlugin(ctx context.Context, pluginID string) error {
	return r.apply(ctx, pluginID, plugin.TransitionLoad)
}

// StartPlugin activates a loaded plugin. Every declared dependency must
// be Active; on violation the plugin's state does not change.
func (r *Registry) StartPlugin(ctx context.Context, pluginID string) error {
	inst, err := r.instance(pluginID)
	if err != nil {
		return err
	}

	for _, dep := range inst.Manifest.Dependencies {
		depInst, derr := r.instance(dep)
		if derr != nil || depInst.State() != plugin.StateActive {
			err := oops.In("registry").
				Code("DEPENDENCY_MISSING").
				With("plugin_id", pluginID).
				With("dependency", dep).
				New("dependency is not active")
			r.notifyError(pluginID, err)
			return err
		}
	}

	return r.apply(ctx, pluginID, plugin.TransitionStart)
}

// StopPlugin deactivates a plugin. Active dependents keep running but
// their calls into the stopped plugin will fail; they are logged so the
// operator can stop them first.
func (r *Registry) StopPlugin(ctx context.Context, pluginID string) error {
	for _, dep := range r.Dependents(pluginID) {
		if inst, err := r.instance(dep); err == nil && inst.State() == plugin.StateActive {
			slog.Warn("stopping plugin with active dependent",
				"plugin_id", pluginID,
				"dependent", dep)
		}
	}
	return r.apply(ctx, pluginID, plugin.TransitionStop)
}

// UnloadPlugin tears a plugin down. The instance stays registered (and
// its transition metrics survive) so it can be loaded again.
func (r *Registry) UnloadPlugin(ctx context.Context, pluginID string) error {
	return r.apply(ctx, pluginID, plugin.TransitionUnload)
}

// ReloadPlugin stops (when active), unloads, loads, and starts the
// plugin, picking up changed code and config.
func (r *Registry) ReloadPlugin(ctx context.Context, pluginID string) error {
	return r.apply(ctx, pluginID, plugin.TransitionReload)
}

// RestartPlugin stops and starts an active plugin without unloading.
func (r *Registry) RestartPlugin(ctx context.Context, pluginID string) error {
	return r.apply(ctx, pluginID, plugin.TransitionRestart)
}

// LoadAll loads every registered plugin in dependency order. The first
// failure stops the batch and returns the error.
func (r *Registry) LoadAll(ctx context.Context) error {
	order, err := r.graph.LoadOrder(r.registeredIDs())
	if err != nil {
		return err
	}
	for _, id := range order {
		if inst, ierr := r.instance(id); ierr == nil && inst.State() != plugin.StateUnloaded {
			continue
		}
		if err := r.LoadPlugin(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every loaded plugin with auto_start set, in
// dependency order. Failures are reported but do not stop the batch.
func (r *Registry) StartAll(ctx context.Context) error {
	order, err := r.graph.LoadOrder(r.registeredIDs())
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range order {
		inst, ierr := r.instance(id)
		if ierr != nil || !inst.Manifest.AutoStart || inst.State() != plugin.StateLoaded {
			continue
		}
		if err := r.StartPlugin(ctx, id); err != nil {
			slog.Error("auto-start failed", "plugin_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every active plugin in reverse dependency order.
func (r *Registry) StopAll(ctx context.Context) error {
	order, err := r.graph.StopOrder(r.registeredIDs())
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range order {
		inst, ierr := r.instance(id)
		if ierr != nil || inst.State() != plugin.StateActive {
			continue
		}
		if err := r.StopPlugin(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnloadAll unloads every loaded plugin in reverse dependency order.
func (r *Registry) UnloadAll(ctx context.Context) error {
	order, err := r.graph.StopOrder(r.registeredIDs())
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range order {
		inst, ierr := r.instance(id)
		if ierr != nil || inst.State() == plugin.StateUnloaded {
			continue
		}
		if err := r.UnloadPlugin(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops and unloads everything, then shuts the hosts and (when
// owned) the hub down.
func (r *Registry) Close(ctx context.Context) error {
	stopErr := r.StopAll(ctx)
	unloadErr := r.UnloadAll(ctx)

	for _, h := range r.hosts {
		if err := h.Close(ctx); err != nil {
			slog.Warn("host close failed", "type", string(h.Type()), "error", err)
		}
	}
	if r.ownsHub {
		r.comms.Close()
	}

	if stopErr != nil {
		return stopErr
	}
	return unloadErr
}

// Info is a point-in-time view of one plugin.
type Info struct {
	ID           string
	Version      string
	Type         plugin.Type
	State        plugin.State
	Enabled      bool
	AutoStart    bool
	Priority     int
	Dependencies []string
	LoadedAt     time.Time
	Metrics      lifecycle.Snapshot
}

// Status reports one plugin.
func (r *Registry) Status(pluginID string) (Info, error) {
	inst, err := r.instance(pluginID)
	if err != nil {
		return Info{}, err
	}
	return r.info(inst), nil
}

// List reports every registered plugin sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	instances := make([]*plugin.Instance, 0, len(r.plugins))
	for _, inst := range r.plugins {
		instances = append(instances, inst)
	}
	r.mu.RUnlock()

	infos := make([]Info, len(instances))
	for i, inst := range instances {
		infos[i] = r.info(inst)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// PluginDir reports where a plugin's code lives. Part of the hot-swap
// controller surface.
func (r *Registry) PluginDir(pluginID string) (string, error) {
	inst, err := r.instance(pluginID)
	if err != nil {
		return "", err
	}
	return inst.Dir, nil
}

// PluginVersion reports a plugin's manifest version.
func (r *Registry) PluginVersion(pluginID string) (string, error) {
	inst, err := r.instance(pluginID)
	if err != nil {
		return "", err
	}
	return inst.Manifest.Version, nil
}

// Dependents returns every registered plugin that transitively depends
// on pluginID, nearest first.
func (r *Registry) Dependents(pluginID string) []string {
	r.mu.RLock()
	direct := make(map[string][]string) // dep -> dependents
	for id, inst := range r.plugins {
		for _, dep := range inst.Manifest.Dependencies {
			direct[dep] = append(direct[dep], id)
		}
	}
	r.mu.RUnlock()

	var out []string
	seen := map[string]bool{pluginID: true}
	frontier := []string{pluginID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			deps := direct[id]
			sort.Strings(deps)
			for _, d := range deps {
				if !seen[d] {
					seen[d] = true
					out = append(out, d)
					next = append(next, d)
				}
			}
		}
		frontier = next
	}
	return out
}

// HandleMessage lets the embedding application deliver a message
// directly to one plugin through its runtime host.
func (r *Registry) HandleMessage(ctx context.Context, pluginID, topic string, payload []byte) ([]byte, error) {
	inst, err := r.instance(pluginID)
	if err != nil {
		return nil, err
	}
	if inst.State() != plugin.StateActive {
		return nil, oops.In("registry").
			Code("EXECUTION_FAILED").
			With("plugin_id", pluginID).
			With("state", string(inst.State())).
			New("plugin is not active")
	}
	return r.hosts[inst.Manifest.PluginType].HandleMessage(ctx, pluginID, topic, payload)
}

func (r *Registry) apply(ctx context.Context, pluginID string, tr plugin.Transition) error {
	inst, err := r.instance(pluginID)
	if err != nil {
		return err
	}

	err = r.lc.Apply(ctx, inst, tr)
	if err != nil {
		r.notifyError(pluginID, err)
		return err
	}
	r.notifySuccess(pluginID, tr)
	return nil
}

func (r *Registry) notifySuccess(pluginID string, tr plugin.Transition) {
	cb := r.opts.Callbacks
	switch tr {
	case plugin.TransitionLoad:
		if cb.OnLoaded != nil {
			cb.OnLoaded(pluginID)
		}
	case plugin.TransitionStart, plugin.TransitionRestart:
		if cb.OnStarted != nil {
			cb.OnStarted(pluginID)
		}
	case plugin.TransitionStop:
		if cb.OnStopped != nil {
			cb.OnStopped(pluginID)
		}
	case plugin.TransitionUnload:
		if cb.OnUnloaded != nil {
			cb.OnUnloaded(pluginID)
		}
	case plugin.TransitionReload:
		if cb.OnStarted != nil {
			cb.OnStarted(pluginID)
		}
	}
}

func (r *Registry) notifyError(pluginID string, err error) {
	if r.opts.Callbacks.OnError != nil {
		r.opts.Callbacks.OnError(pluginID, err)
	}
}

func (r *Registry) instance(pluginID string) (*plugin.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.plugins[pluginID]
	if !ok {
		return nil, r.unknown(pluginID)
	}
	return inst, nil
}

func (r *Registry) unknown(pluginID string) error {
	return oops.In("registry").
		Code("DEPENDENCY_MISSING").
		With("plugin_id", pluginID).
		New("plugin is not registered")
}

func (r *Registry) registeredIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}

// loadedIDs returns ids whose code is resident (anything but Unloaded).
func (r *Registry) loadedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id, inst := range r.plugins {
		if s := inst.State(); s != plugin.StateUnloaded && s != plugin.StateError {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) info(inst *plugin.Instance) Info {
	return Info{
		ID:           inst.ID(),
		Version:      inst.Manifest.Version,
		Type:         inst.Manifest.PluginType,
		State:        inst.State(),
		Enabled:      inst.Manifest.Enabled,
		AutoStart:    inst.Manifest.AutoStart,
		Priority:     inst.Manifest.Priority,
		Dependencies: inst.Manifest.Dependencies,
		LoadedAt:     inst.LoadedAt(),
		Metrics:      r.lc.Metrics().SnapshotFor(inst.ID()),
	}
}

func (r *Registry) logWarn(pluginID, msg string) {
	slog.Warn(msg, "plugin_id", pluginID)
}
