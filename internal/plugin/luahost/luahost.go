// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package luahost runs Lua plugins inside sandboxed interpreter states.
// Each plugin gets a fresh state on Init; the lifecycle entry points
// (on_init, on_start, on_stop, on_cleanup, on_message) are optional
// globals the plugin's chunk may define.
package luahost

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/hub"
	"github.com/plugforge/plugforge/internal/plugin/security"
)

// held is one loaded Lua plugin: its vetted source and, once
// initialized, its long-lived interpreter state.
type held struct {
	inst   *plugin.Instance
	source string
	state  *lua.LState
}

// Host implements plugin.Host for manifest plugin_type "lua".
type Host struct {
	sandbox *security.Sandbox
	grants  *security.Grants
	comms   *hub.Hub
	vlog    *security.ViolationLog

	mu      sync.Mutex
	plugins map[string]*held
}

// New wires a Lua host. comms may be nil in tests; host functions that
// need it then fail with a permission-style error.
func New(sandbox *security.Sandbox, grants *security.Grants, comms *hub.Hub, vlog *security.ViolationLog) *Host {
	return &Host{
		sandbox: sandbox,
		grants:  grants,
		comms:   comms,
		vlog:    vlog,
		plugins: make(map[string]*held),
	}
}

// Type reports the manifest plugin_type this host serves.
func (h *Host) Type() plugin.Type { return plugin.TypeLua }

// Load reads the entry point source from the plugin directory. The
// state is not created yet; static analysis runs between Load and Init.
func (h *Host) Load(_ context.Context, inst *plugin.Instance) error {
	entry := filepath.Clean(inst.Manifest.EntryPoint)
	if strings.HasPrefix(entry, "..") || filepath.IsAbs(entry) {
		return oops.In("luahost").
			Code("VALIDATION_FAILED").
			With("plugin_id", inst.ID()).
			With("entry_point", inst.Manifest.EntryPoint).
			New("entry point escapes the plugin directory")
	}

	path := filepath.Join(inst.Dir, entry)
	source, err := os.ReadFile(path)
	if err != nil {
		return oops.In("luahost").
			Code("IO_FAILED").
			With("plugin_id", inst.ID()).
			With("path", path).
			Hint("failed to read plugin source").
			Wrap(err)
	}

	h.mu.Lock()
	h.plugins[inst.ID()] = &held{inst: inst, source: string(source)}
	h.mu.Unlock()
	return nil
}

// Init creates the sandboxed state, installs the host API, runs the
// plugin's chunk, and calls on_init with the plugin's config.
func (h *Host) Init(ctx context.Context, inst *plugin.Instance) error {
	p, err := h.get(inst.ID())
	if err != nil {
		return err
	}

	L, err := h.sandbox.NewState(ctx, inst.ID())
	if err != nil {
		return err
	}
	h.installAPI(L, inst)

	if err := h.sandbox.Run(ctx, inst.ID(), L, p.source); err != nil {
		L.Close()
		return err
	}

	if err := h.sandbox.CallGlobal(ctx, inst.ID(), L, "on_init", mapToTable(L, inst.Config())); err != nil {
		L.Close()
		return err
	}

	h.mu.Lock()
	p.state = L
	h.mu.Unlock()
	return nil
}

// Start calls the plugin's on_start entry point.
func (h *Host) Start(ctx context.Context, inst *plugin.Instance) error {
	return h.callEntry(ctx, inst.ID(), "on_start")
}

// Stop calls the plugin's on_stop entry point.
func (h *Host) Stop(ctx context.Context, inst *plugin.Instance) error {
	return h.callEntry(ctx, inst.ID(), "on_stop")
}

// Cleanup calls the plugin's on_cleanup entry point.
func (h *Host) Cleanup(ctx context.Context, inst *plugin.Instance) error {
	return h.callEntry(ctx, inst.ID(), "on_cleanup")
}

// Unload closes the plugin's interpreter state and forgets it.
func (h *Host) Unload(_ context.Context, inst *plugin.Instance) error {
	h.mu.Lock()
	p, ok := h.plugins[inst.ID()]
	delete(h.plugins, inst.ID())
	h.mu.Unlock()

	if ok && p.state != nil {
		p.state.Close()
	}
	return nil
}

// HandleMessage calls on_message(topic, payload) and returns the string
// it yields, or nil when the plugin defines no handler or returns nil.
func (h *Host) HandleMessage(ctx context.Context, name, topic string, payload []byte) ([]byte, error) {
	p, err := h.get(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	L := p.state
	h.mu.Unlock()
	if L == nil {
		return nil, oops.In("luahost").
			Code("EXECUTION_FAILED").
			With("plugin_id", name).
			New("plugin is not initialized")
	}

	result, err := h.sandbox.CallGlobalResult(ctx, name, L, "on_message",
		lua.LString(topic), lua.LString(string(payload)))
	if err != nil {
		return nil, err
	}
	if result == lua.LNil {
		return nil, nil
	}
	return []byte(lua.LVAsString(result)), nil
}

// Close shuts every remaining state down.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.plugins {
		if p.state != nil {
			p.state.Close()
		}
		delete(h.plugins, id)
	}
	return nil
}

func (h *Host) get(pluginID string) (*held, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[pluginID]
	if !ok {
		return nil, oops.In("luahost").
			Code("DEPENDENCY_MISSING").
			With("plugin_id", pluginID).
			New("plugin is not loaded")
	}
	return p, nil
}

func (h *Host) callEntry(ctx context.Context, pluginID, entry string) error {
	p, err := h.get(pluginID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	L := p.state
	h.mu.Unlock()
	if L == nil {
		return oops.In("luahost").
			Code("EXECUTION_FAILED").
			With("plugin_id", pluginID).
			With("entry", entry).
			New("plugin is not initialized")
	}
	return h.sandbox.CallGlobal(ctx, pluginID, L, entry)
}

// installAPI sets the plugforge global: the host functions sandboxed
// code may call, each gated on the capability its manifest declared.
func (h *Host) installAPI(L *lua.LState, inst *plugin.Instance) {
	id := inst.ID()
	api := L.NewTable()

	L.SetField(api, "log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		if !h.allow(L, id, plugin.PermHostLog) {
			return 0
		}
		logger := slog.With("plugin_id", id)
		switch level {
		case "debug":
			logger.Debug(msg)
		case "warn":
			logger.Warn(msg)
		case "error":
			logger.Error(msg)
		default:
			logger.Info(msg)
		}
		return 0
	}))

	L.SetField(api, "emit", L.NewFunction(func(L *lua.LState) int {
		topic := L.CheckString(1)
		payload := L.OptString(2, "")
		if !h.allow(L, id, plugin.PermMsgPublish) {
			return 0
		}
		if h.comms == nil {
			L.RaiseError("messaging is not available")
			return 0
		}
		if err := h.comms.Publish(hub.Message{
			Topic:   topic,
			Sender:  id,
			Payload: []byte(payload),
		}); err != nil {
			L.RaiseError("publish failed: %s", err.Error())
		}
		return 0
	}))

	L.SetField(api, "request", L.NewFunction(func(L *lua.LState) int {
		target := L.CheckString(1)
		topic := L.CheckString(2)
		payload := L.OptString(3, "")
		if !h.allow(L, id, plugin.PermMsgRequest) {
			return 0
		}
		if h.comms == nil {
			L.RaiseError("messaging is not available")
			return 0
		}
		resp, err := h.comms.Request(L.Context(), target, hub.Message{
			Topic:   topic,
			Sender:  id,
			Payload: []byte(payload),
		})
		if err != nil {
			L.RaiseError("request failed: %s", err.Error())
			return 0
		}
		L.Push(lua.LString(string(resp.Payload)))
		return 1
	}))

	L.SetField(api, "config", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if !h.allow(L, id, plugin.PermHostConfig) {
			return 0
		}
		val, ok := inst.Config()[key]
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, val))
		return 1
	}))

	L.SetGlobal("plugforge", api)
}

// allow checks the capability and raises a Lua error on denial, so the
// plugin sees a normal runtime error while the host records the
// violation.
func (h *Host) allow(L *lua.LState, pluginID string, perm plugin.Permission) bool {
	if h.grants != nil && h.grants.Holds(pluginID, perm) {
		return true
	}
	if h.vlog != nil {
		h.vlog.Append(security.Violation{
			PluginID:    pluginID,
			Type:        security.ViolationPermissionDenied,
			Severity:    security.SeverityHigh,
			Description: "host call requires permission " + string(perm),
			Timestamp:   time.Now(),
		})
	}
	L.RaiseError("permission %q is not granted", string(perm))
	return false
}

// goToLua converts plain config values into Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		tbl := L.NewTable()
		for i, item := range x {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		return mapToTable(L, x)
	default:
		return lua.LNil
	}
}

func mapToTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, goToLua(L, v))
	}
	return tbl
}
