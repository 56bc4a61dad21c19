// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package gohost runs compiled plugins as separate processes. Each
// plugin is a go-plugin subprocess speaking net/rpc; a crash in plugin
// code cannot take the host down, and Unload kills the process
// outright. Source analysis cannot vet binaries, so this host relies on
// capability grants checked at the messaging layer.
package gohost

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/pkg/pluginsdk"
)

// held is one binary plugin: the subprocess client and its dispensed
// backend once initialized.
type held struct {
	inst    *plugin.Instance
	binPath string
	client  *goplugin.Client
	backend pluginsdk.Backend
}

// Host implements plugin.Host for manifest plugin_type "binary".
type Host struct {
	logger hclog.Logger

	mu      sync.Mutex
	plugins map[string]*held
}

// New creates a binary plugin host.
func New() *Host {
	return &Host{
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "plugforge.gohost",
			Level: hclog.Warn,
		}),
		plugins: make(map[string]*held),
	}
}

// Type reports the manifest plugin_type this host serves.
func (h *Host) Type() plugin.Type { return plugin.TypeBinary }

// Load verifies the plugin binary exists inside the plugin directory.
// The process is not spawned until Init.
func (h *Host) Load(_ context.Context, inst *plugin.Instance) error {
	entry := filepath.Clean(inst.Manifest.EntryPoint)
	if strings.HasPrefix(entry, "..") || filepath.IsAbs(entry) {
		return oops.In("gohost").
			Code("VALIDATION_FAILED").
			With("plugin_id", inst.ID()).
			With("entry_point", inst.Manifest.EntryPoint).
			New("entry point escapes the plugin directory")
	}

	binPath := filepath.Join(inst.Dir, entry)
	info, err := os.Stat(binPath)
	if err != nil {
		return oops.In("gohost").
			Code("IO_FAILED").
			With("plugin_id", inst.ID()).
			With("path", binPath).
			Hint("plugin binary not found").
			Wrap(err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return oops.In("gohost").
			Code("VALIDATION_FAILED").
			With("plugin_id", inst.ID()).
			With("path", binPath).
			New("entry point is not an executable file")
	}

	h.mu.Lock()
	h.plugins[inst.ID()] = &held{inst: inst, binPath: binPath}
	h.mu.Unlock()
	return nil
}

// Init spawns the subprocess, performs the handshake, and calls the
// plugin's Init with its merged config.
func (h *Host) Init(_ context.Context, inst *plugin.Instance) error {
	p, err := h.get(inst.ID())
	if err != nil {
		return err
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  pluginsdk.Handshake,
		Plugins:          pluginsdk.PluginMap(nil),
		Cmd:              exec.Command(p.binPath),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger:           h.logger.Named(inst.ID()),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", inst.ID()).
			Hint("handshake with plugin process failed").
			Wrap(err)
	}
	raw, err := rpcClient.Dispense(pluginsdk.BackendName)
	if err != nil {
		client.Kill()
		return oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", inst.ID()).
			Wrap(err)
	}
	backend, ok := raw.(pluginsdk.Backend)
	if !ok {
		client.Kill()
		return oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", inst.ID()).
			New("plugin does not implement the backend contract")
	}

	if err := backend.Init(inst.Config()); err != nil {
		client.Kill()
		return oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", inst.ID()).
			With("entry", "Init").
			Wrap(err)
	}

	h.mu.Lock()
	p.client = client
	p.backend = backend
	h.mu.Unlock()
	return nil
}

// Start calls the plugin's Start entry point.
func (h *Host) Start(ctx context.Context, inst *plugin.Instance) error {
	return h.call(ctx, inst.ID(), "Start", func(b pluginsdk.Backend) error { return b.Start() })
}

// Stop calls the plugin's Stop entry point.
func (h *Host) Stop(ctx context.Context, inst *plugin.Instance) error {
	return h.call(ctx, inst.ID(), "Stop", func(b pluginsdk.Backend) error { return b.Stop() })
}

// Cleanup calls the plugin's Cleanup entry point.
func (h *Host) Cleanup(ctx context.Context, inst *plugin.Instance) error {
	return h.call(ctx, inst.ID(), "Cleanup", func(b pluginsdk.Backend) error { return b.Cleanup() })
}

// Unload kills the subprocess and forgets the plugin.
func (h *Host) Unload(_ context.Context, inst *plugin.Instance) error {
	h.mu.Lock()
	p, ok := h.plugins[inst.ID()]
	delete(h.plugins, inst.ID())
	h.mu.Unlock()

	if ok && p.client != nil {
		p.client.Kill()
	}
	return nil
}

// HandleMessage forwards a hub delivery to the plugin process.
func (h *Host) HandleMessage(ctx context.Context, name, topic string, payload []byte) ([]byte, error) {
	p, err := h.get(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	backend := p.backend
	h.mu.Unlock()
	if backend == nil {
		return nil, oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", name).
			New("plugin is not initialized")
	}

	// net/rpc calls carry no context; bound them with the caller's by
	// running the call aside and abandoning it on cancellation. The
	// subprocess keeps the request; only the wait is cut short.
	type outcome struct {
		payload []byte
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, cerr := backend.HandleMessage(topic, payload)
		done <- outcome{payload: reply, err: cerr}
	}()

	select {
	case <-ctx.Done():
		return nil, oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", name).
			With("topic", topic).
			Wrap(ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, oops.In("gohost").
				Code("EXECUTION_FAILED").
				With("plugin_id", name).
				With("topic", topic).
				Wrap(out.err)
		}
		return out.payload, nil
	}
}

// Close kills every remaining subprocess.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.plugins {
		if p.client != nil {
			p.client.Kill()
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
		return nil, oops.In("gohost").
			Code("DEPENDENCY_MISSING").
			With("plugin_id", pluginID).
			New("plugin is not loaded")
	}
	return p, nil
}

func (h *Host) call(_ context.Context, pluginID, entry string, fn func(pluginsdk.Backend) error) error {
	p, err := h.get(pluginID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	backend := p.backend
	h.mu.Unlock()
	if backend == nil {
		return oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", pluginID).
			With("entry", entry).
			New("plugin is not initialized")
	}
	if err := fn(backend); err != nil {
		return oops.In("gohost").
			Code("EXECUTION_FAILED").
			With("plugin_id", pluginID).
			With("entry", entry).
			Wrap(err)
	}
	return nil
}
