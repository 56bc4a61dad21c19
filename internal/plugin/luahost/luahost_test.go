// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package luahost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/hub"
	"github.com/plugforge/plugforge/internal/plugin/security"
	"github.com/plugforge/plugforge/pkg/errutil"
)

func manifest(name string) *plugin.Manifest {
	return &plugin.Manifest{
		Name:       name,
		Version:    "1.0.0",
		PluginType: plugin.TypeLua,
		EntryPoint: "main.lua",
		APIVersion: "1.0.0",
	}
}

func writePlugin(t *testing.T, source string) *plugin.Instance {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(source), 0o644))
	return plugin.NewInstance(manifest("demo"), dir)
}

func newHost(t *testing.T, comms *hub.Hub) (*Host, *security.Grants, *security.ViolationLog) {
	t.Helper()
	vlog := security.NewViolationLog(100)
	sb, err := security.NewSandbox(security.DefaultPolicy(), vlog)
	require.NoError(t, err)
	grants := security.NewGrants()
	h := New(sb, grants, comms, vlog)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h, grants, vlog
}

func TestLoad_MissingEntryPoint(t *testing.T) {
	h, _, _ := newHost(t, nil)
	inst := plugin.NewInstance(manifest("demo"), t.TempDir())

	err := h.Load(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "IO_FAILED")
}

func TestLoad_EntryPointMustStayInsideDir(t *testing.T) {
	h, _, _ := newHost(t, nil)
	m := manifest("demo")
	m.EntryPoint = "../outside.lua"
	inst := plugin.NewInstance(m, t.TempDir())

	err := h.Load(context.Background(), inst)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
}

func TestLifecycle_EntryPointsRun(t *testing.T) {
	h, _, _ := newHost(t, nil)
	inst := writePlugin(t, `
		phase = "loaded"
		function on_init(cfg)
			greeting = cfg.greeting
			phase = "initialized"
		end
		function on_start() phase = "started" end
		function on_stop() phase = "stopped" end
		function on_message(topic, payload)
			return greeting .. ":" .. phase .. ":" .. topic .. ":" .. payload
		end
	`)
	inst.SetConfig(map[string]any{"greeting": "hello"})

	ctx := context.Background()
	require.NoError(t, h.Load(ctx, inst))
	require.NoError(t, h.Init(ctx, inst))
	require.NoError(t, h.Start(ctx, inst))

	reply, err := h.HandleMessage(ctx, "demo", "greet", []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello:started:greet:world", string(reply))

	require.NoError(t, h.Stop(ctx, inst))
	require.NoError(t, h.Cleanup(ctx, inst)) // no on_cleanup defined: no-op
	require.NoError(t, h.Unload(ctx, inst))

	_, err = h.HandleMessage(ctx, "demo", "greet", nil)
	require.Error(t, err)
}

func TestHandleMessage_NoHandlerReturnsNil(t *testing.T) {
	h, _, _ := newHost(t, nil)
	inst := writePlugin(t, `x = 1`)

	ctx := context.Background()
	require.NoError(t, h.Load(ctx, inst))
	require.NoError(t, h.Init(ctx, inst))

	reply, err := h.HandleMessage(ctx, "demo", "anything", nil)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestInit_ChunkErrorFails(t *testing.T) {
	h, _, _ := newHost(t, nil)
	inst := writePlugin(t, `this is not lua`)

	ctx := context.Background()
	require.NoError(t, h.Load(ctx, inst))
	err := h.Init(ctx, inst)
	errutil.AssertErrorCode(t, err, "EXECUTION_FAILED")
}

func TestHostAPI_LogRequiresPermission(t *testing.T) {
	h, grants, vlog := newHost(t, nil)
	inst := writePlugin(t, `plugforge.log("info", "booting")`)

	ctx := context.Background()
	require.NoError(t, h.Load(ctx, inst))

	// Denied without a grant, and the denial is recorded.
	err := h.Init(ctx, inst)
	require.Error(t, err)
	require.NotEmpty(t, vlog.ForPlugin("demo"))
	assert.Equal(t, security.ViolationPermissionDenied, vlog.ForPlugin("demo")[0].Type)

	// Granted, the same source initializes fine.
	require.NoError(t, h.Unload(ctx, inst))
	require.NoError(t, grants.Grant("demo", []plugin.Permission{plugin.PermHostLog}))
	require.NoError(t, h.Load(ctx, inst))
	require.NoError(t, h.Init(ctx, inst))
}

func TestHostAPI_EmitPublishesToHub(t *testing.T) {
	comms, err := hub.New(hub.Options{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(comms.Close)

	h, grants, _ := newHost(t, comms)
	require.NoError(t, grants.Grant("demo", []plugin.Permission{plugin.PermMsgPublish}))

	got := make(chan hub.Message, 1)
	comms.Subscribe("listener", "demo.news", func(_ context.Context, msg hub.Message) ([]byte, error) {
		got <- msg
		return nil, nil
	})

	inst := writePlugin(t, `
		function on_start()
			plugforge.emit("demo.news", "fresh")
		end
	`)

	ctx := context.Background()
	require.NoError(t, h.Load(ctx, inst))
	require.NoError(t, h.Init(ctx, inst))
	require.NoError(t, h.Start(ctx, inst))

	select {
	case msg := <-got:
		assert.Equal(t, "demo", msg.Sender)
		assert.Equal(t, []byte("fresh"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("emitted message never arrived")
	}
}

func TestHostAPI_ConfigLookup(t *testing.T) {
	h, grants, _ := newHost(t, nil)
	require.NoError(t, grants.Grant("demo", []plugin.Permission{plugin.PermHostConfig}))

	inst := writePlugin(t, `
		function on_message(_, _)
			local v = plugforge.config("threshold")
			if v == nil then return "unset" end
			return tostring(v)
		end
	`)
	inst.SetConfig(map[string]any{"threshold": 42})

	ctx := context.Background()
	require.NoError(t, h.Load(ctx, inst))
	require.NoError(t, h.Init(ctx, inst))

	reply, err := h.HandleMessage(ctx, "demo", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "42", string(reply))
}

func TestType(t *testing.T) {
	h, _, _ := newHost(t, nil)
	assert.Equal(t, plugin.TypeLua, h.Type())
}
