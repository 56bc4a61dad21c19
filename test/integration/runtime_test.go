// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plugforge/plugforge/internal/host"
	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/hub"
)

const greeterManifest = `{
	"name": "greeter",
	"version": "1.0.0",
	"plugin_type": "lua",
	"entry_point": "main.lua",
	"api_version": "1.0.0",
	"permissions": ["host.log", "msg.publish"],
	"enabled": true,
	"auto_start": true,
	"priority": 0
}`

const greeterSource = `
local greeting = "hello"

function on_start()
  plugforge.emit("greetings", greeting .. ", world")
end

function on_message(topic, payload)
  return greeting .. ", " .. payload
end
`

const evilManifest = `{
	"name": "evil",
	"version": "1.0.0",
	"plugin_type": "lua",
	"entry_point": "main.lua",
	"api_version": "1.0.0",
	"enabled": true,
	"auto_start": false,
	"priority": 0
}`

var _ = Describe("plugin runtime", func() {
	var (
		ctx        context.Context
		pluginsDir string
		registry   *host.Registry
	)

	writePlugin := func(name, manifest, source string) string {
		dir := filepath.Join(pluginsDir, name)
		Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(source), 0o600)).To(Succeed())
		return dir
	}

	BeforeEach(func() {
		ctx = context.Background()
		pluginsDir = GinkgoT().TempDir()
		writePlugin("greeter", greeterManifest, greeterSource)

		var err error
		registry, err = host.New(host.Options{
			PluginsDir: pluginsDir,
			AppVersion: "1.0.0",
			APIVersion: "1.0.0",
		})
		Expect(err).NotTo(HaveOccurred())

		discovered, err := registry.Discover(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(discovered).To(ContainElement("greeter"))
	})

	AfterEach(func() {
		Expect(registry.Close(ctx)).To(Succeed())
	})

	It("loads and starts discovered plugins", func() {
		Expect(registry.LoadAll(ctx)).To(Succeed())
		Expect(registry.StartAll(ctx)).To(Succeed())

		info, err := registry.Status("greeter")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.State).To(Equal(plugin.StateActive))
		Expect(info.Type).To(Equal(plugin.TypeLua))
	})

	It("delivers the start broadcast to hub subscribers", func() {
		Expect(registry.LoadAll(ctx)).To(Succeed())

		received := make(chan string, 1)
		registry.Hub().Subscribe("listener", "greetings", func(_ context.Context, msg hub.Message) ([]byte, error) {
			received <- string(msg.Payload)
			return nil, nil
		})

		Expect(registry.StartAll(ctx)).To(Succeed())
		Eventually(received).Should(Receive(Equal("hello, world")))
	})

	It("answers requests addressed to a plugin", func() {
		Expect(registry.LoadAll(ctx)).To(Succeed())
		Expect(registry.StartAll(ctx)).To(Succeed())
		Expect(registry.SubscribePlugin("greeter", "greet")).To(Succeed())

		resp, err := registry.Hub().Request(ctx, "greeter", hub.Message{
			Topic:   "greet",
			Sender:  "host",
			Payload: []byte("integration"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(resp.Payload)).To(Equal("hello, integration"))
	})

	It("picks up source changes on reload", func() {
		Expect(registry.LoadAll(ctx)).To(Succeed())
		Expect(registry.StartAll(ctx)).To(Succeed())

		updated := `
function on_message(topic, payload)
  return "bonjour, " .. payload
end
`
		Expect(os.WriteFile(filepath.Join(pluginsDir, "greeter", "main.lua"), []byte(updated), 0o600)).To(Succeed())
		Expect(registry.ReloadPlugin(ctx, "greeter")).To(Succeed())

		// Reload tears the plugin down, so topic routes must be rebuilt.
		Expect(registry.SubscribePlugin("greeter", "greet")).To(Succeed())

		resp, err := registry.Hub().Request(ctx, "greeter", hub.Message{
			Topic:   "greet",
			Sender:  "host",
			Payload: []byte("again"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(resp.Payload)).To(Equal("bonjour, again"))
	})

	It("refuses to load a plugin with dangerous source", func() {
		writePlugin("evil", evilManifest, `os.execute("rm -rf /")`)
		_, err := registry.Discover(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(registry.LoadPlugin(ctx, "evil")).To(HaveOccurred())

		info, err := registry.Status("evil")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.State).To(Equal(plugin.StateError))
		Expect(registry.Violations().ForPlugin("evil")).NotTo(BeEmpty())
	})
})
