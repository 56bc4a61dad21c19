// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package host

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/pkg/errutil"
)

// stubHost records lifecycle calls and can fail a chosen entry point.
type stubHost struct {
	typ  plugin.Type
	mu   sync.Mutex
	ops  []string
	fail map[string]error
}

func newStubHost(typ plugin.Type) *stubHost {
	return &stubHost{typ: typ, fail: map[string]error{}}
}

func (s *stubHost) record(op, id string) error {
	s.mu.Lock()
	s.ops = append(s.ops, op+":"+id)
	s.mu.Unlock()
	return s.fail[op]
}

func (s *stubHost) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}

func (s *stubHost) Load(_ context.Context, i *plugin.Instance) error {
	return s.record("load", i.ID())
}
func (s *stubHost) Init(_ context.Context, i *plugin.Instance) error {
	return s.record("init", i.ID())
}
func (s *stubHost) Start(_ context.Context, i *plugin.Instance) error {
	return s.record("start", i.ID())
}
func (s *stubHost) Stop(_ context.Context, i *plugin.Instance) error {
	return s.record("stop", i.ID())
}
func (s *stubHost) Cleanup(_ context.Context, i *plugin.Instance) error {
	return s.record("cleanup", i.ID())
}
func (s *stubHost) Unload(_ context.Context, i *plugin.Instance) error {
	return s.record("unload", i.ID())
}
func (s *stubHost) HandleMessage(_ context.Context, name, topic string, payload []byte) ([]byte, error) {
	if err := s.record("message", name); err != nil {
		return nil, err
	}
	return append([]byte(topic+":"), payload...), nil
}
func (s *stubHost) Type() plugin.Type { return s.typ }

func (s *stubHost) Close(_ context.Context) error { return nil }

func testManifest(name string, deps ...string) *plugin.Manifest {
	return &plugin.Manifest{
		Name:         name,
		Version:      "1.0.0",
		PluginType:   plugin.TypeLua,
		EntryPoint:   "main.lua",
		APIVersion:   "1.0.0",
		Dependencies: deps,
		Enabled:      true,
		AutoStart:    true,
	}
}

// luaDir creates a plugin directory containing the benign entry point
// that testManifest declares, so the validation phase can read it.
func luaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("return {}\n"), 0o644))
	return dir
}

func newTestRegistry(t *testing.T, stub *stubHost, cb Callbacks) *Registry {
	t.Helper()
	r, err := New(Options{
		AppVersion: "1.2.3",
		APIVersion: "1.0.0",
		Hosts:      map[plugin.Type]plugin.Host{plugin.TypeLua: stub},
		Callbacks:  cb,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestLoadPlugin_RunsPhasesAndNotifies(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	var loaded []string
	r := newTestRegistry(t, stub, Callbacks{
		OnLoaded: func(id string) { loaded = append(loaded, id) },
	})

	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))
	require.NoError(t, r.LoadPlugin(context.Background(), "alpha"))

	st, err := r.Status("alpha")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateLoaded, st.State)
	assert.Equal(t, []string{"load:alpha", "init:alpha"}, stub.recorded())
	assert.Equal(t, []string{"alpha"}, loaded)
}

func TestLoadPlugin_MissingDependencyFails(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	require.NoError(t, r.Add(testManifest("beta", "alpha"), luaDir(t)))

	err := r.LoadPlugin(context.Background(), "beta")
	errutil.AssertErrorCode(t, err, "DEPENDENCY_MISSING")

	// The dependency resolution phase failed mid-transition.
	st, _ := r.Status("beta")
	assert.Equal(t, plugin.StateError, st.State)
}

func TestStartPlugin_RequiresActiveDependencies(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	var errs []error
	r := newTestRegistry(t, stub, Callbacks{
		OnError: func(_ string, err error) { errs = append(errs, err) },
	})

	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))
	require.NoError(t, r.Add(testManifest("beta", "alpha"), luaDir(t)))
	require.NoError(t, r.LoadAll(context.Background()))

	// alpha is loaded but not active.
	err := r.StartPlugin(context.Background(), "beta")
	errutil.AssertErrorCode(t, err, "DEPENDENCY_MISSING")
	require.Len(t, errs, 1)

	// No state mutation: beta is still Loaded.
	st, _ := r.Status("beta")
	assert.Equal(t, plugin.StateLoaded, st.State)

	// Once alpha is active, beta starts.
	require.NoError(t, r.StartPlugin(context.Background(), "alpha"))
	require.NoError(t, r.StartPlugin(context.Background(), "beta"))
	st, _ = r.Status("beta")
	assert.Equal(t, plugin.StateActive, st.State)
}

func TestLoadAll_FollowsDependencyOrder(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	require.NoError(t, r.Add(testManifest("gamma", "beta"), luaDir(t)))
	require.NoError(t, r.Add(testManifest("beta", "alpha"), luaDir(t)))
	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))

	require.NoError(t, r.LoadAll(context.Background()))

	assert.Equal(t, []string{
		"load:alpha", "init:alpha",
		"load:beta", "init:beta",
		"load:gamma", "init:gamma",
	}, stub.recorded())
}

func TestStartAll_OnlyAutoStart(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	manual := testManifest("manual")
	manual.AutoStart = false
	require.NoError(t, r.Add(testManifest("auto"), luaDir(t)))
	require.NoError(t, r.Add(manual, luaDir(t)))
	require.NoError(t, r.LoadAll(context.Background()))
	require.NoError(t, r.StartAll(context.Background()))

	autoSt, _ := r.Status("auto")
	manualSt, _ := r.Status("manual")
	assert.Equal(t, plugin.StateActive, autoSt.State)
	assert.Equal(t, plugin.StateLoaded, manualSt.State)
}

func TestUnloadPlugin_DeregistersFromHubAndRevokesGrants(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	m := testManifest("alpha")
	m.Permissions = []plugin.Permission{plugin.PermHostLog}
	require.NoError(t, r.Add(m, luaDir(t)))
	require.NoError(t, r.LoadPlugin(context.Background(), "alpha"))
	require.NoError(t, r.SubscribePlugin("alpha", "news"))

	assert.True(t, r.Grants().Holds("alpha", plugin.PermHostLog))
	assert.Contains(t, r.Hub().Topics(), "news")

	require.NoError(t, r.UnloadPlugin(context.Background(), "alpha"))

	assert.False(t, r.Grants().Holds("alpha", plugin.PermHostLog))
	assert.NotContains(t, r.Hub().Topics(), "news")

	// Metrics survive the unload.
	st, err := r.Status("alpha")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateUnloaded, st.State)
	assert.EqualValues(t, 2, st.Metrics.TotalTransitions) // load + unload
}

func TestRemove_RequiresUnloadedState(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))
	require.NoError(t, r.LoadPlugin(context.Background(), "alpha"))

	err := r.Remove("alpha")
	errutil.AssertErrorCode(t, err, "ILLEGAL_TRANSITION")

	require.NoError(t, r.UnloadPlugin(context.Background(), "alpha"))
	require.NoError(t, r.Remove("alpha"))
	_, err = r.Status("alpha")
	require.Error(t, err)
}

func TestDependents_Transitive(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))
	require.NoError(t, r.Add(testManifest("beta", "alpha"), luaDir(t)))
	require.NoError(t, r.Add(testManifest("gamma", "beta"), luaDir(t)))
	require.NoError(t, r.Add(testManifest("solo"), luaDir(t)))

	assert.Equal(t, []string{"beta", "gamma"}, r.Dependents("alpha"))
	assert.Empty(t, r.Dependents("solo"))
}

func TestHandleMessage_RequiresActivePlugin(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))
	require.NoError(t, r.LoadPlugin(context.Background(), "alpha"))

	_, err := r.HandleMessage(context.Background(), "alpha", "t", nil)
	errutil.AssertErrorCode(t, err, "EXECUTION_FAILED")

	require.NoError(t, r.StartPlugin(context.Background(), "alpha"))
	reply, err := r.HandleMessage(context.Background(), "alpha", "greet", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "greet:hi", string(reply))
}

func TestAdd_RejectsDuplicateAndUnknownType(t *testing.T) {
	stub := newStubHost(plugin.TypeLua)
	r := newTestRegistry(t, stub, Callbacks{})

	require.NoError(t, r.Add(testManifest("alpha"), luaDir(t)))
	err := r.Add(testManifest("alpha"), t.TempDir())
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")

	binary := testManifest("native")
	binary.PluginType = plugin.TypeBinary
	err = r.Add(binary, t.TempDir())
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
}

func TestValidation_BlocksDangerousLuaSource(t *testing.T) {
	// Real hosts this time: the validation phase must read and analyze
	// the Lua source.
	r, err := New(Options{
		AppVersion: "1.2.3",
		APIVersion: "1.0.0",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "main.lua"),
		[]byte(`os.execute("rm -rf /")`), 0o644))

	require.NoError(t, r.Add(testManifest("evil"), dir))
	err = r.LoadPlugin(context.Background(), "evil")
	errutil.AssertErrorCode(t, err, "SECURITY_VIOLATION")
	assert.NotEmpty(t, r.Violations().ForPlugin("evil"))
}

func TestDiscover_RegistersValidPlugins(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alpha")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{
		"name": "alpha",
		"version": "1.0.0",
		"plugin_type": "lua",
		"entry_point": "main.lua",
		"api_version": "1.0.0",
		"enabled": true
	}`), 0o644))
	// A directory without a manifest is skipped, not fatal.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "junk"), 0o755))

	stub := newStubHost(plugin.TypeLua)
	r, err := New(Options{
		PluginsDir: root,
		AppVersion: "1.2.3",
		APIVersion: "1.0.0",
		Hosts:      map[plugin.Type]plugin.Host{plugin.TypeLua: stub},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	added, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, added)
	assert.Len(t, r.List(), 1)
}
