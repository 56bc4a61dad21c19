// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package pluginsdk is the contract between the host and binary
// plugins. Plugin authors implement Backend and call Serve from main;
// the host side dispenses the same interface over net/rpc.
package pluginsdk

import (
	"encoding/gob"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

func init() {
	// Config values cross the wire inside interface fields.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Handshake guards against the host executing a binary that is not a
// plugin at all: the process must echo the cookie before any RPC.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGFORGE_PLUGIN",
	MagicCookieValue: "c9d4f7a1e6b8",
}

// BackendName keys the plugin map on both sides.
const BackendName = "backend"

// Backend is the surface a binary plugin exposes to the host.
type Backend interface {
	Init(config map[string]any) error
	Start() error
	Stop() error
	Cleanup() error
	HandleMessage(topic string, payload []byte) ([]byte, error)
}

// PluginMap builds the go-plugin map. The host passes nil; the plugin
// side passes its implementation.
func PluginMap(impl Backend) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		BackendName: &backendPlugin{impl: impl},
	}
}

// Serve runs the plugin process. Call it from the plugin's main.
func Serve(impl Backend) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl),
	})
}

// backendPlugin implements goplugin.Plugin over net/rpc.
type backendPlugin struct {
	impl Backend
}

func (p *backendPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &backendServer{impl: p.impl}, nil
}

func (p *backendPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &backendClient{client: c}, nil
}

// Empty is the reply type for methods that return nothing.
type Empty struct{}

// InitArgs carries the plugin's merged configuration.
type InitArgs struct {
	Config map[string]any
}

// MessageArgs carries one hub delivery.
type MessageArgs struct {
	Topic   string
	Payload []byte
}

// MessageReply carries the optional response payload.
type MessageReply struct {
	Payload []byte
}

// backendServer adapts Backend to net/rpc inside the plugin process.
type backendServer struct {
	impl Backend
}

func (s *backendServer) Init(args InitArgs, _ *Empty) error {
	return s.impl.Init(args.Config)
}

func (s *backendServer) Start(_ Empty, _ *Empty) error {
	return s.impl.Start()
}

func (s *backendServer) Stop(_ Empty, _ *Empty) error {
	return s.impl.Stop()
}

func (s *backendServer) Cleanup(_ Empty, _ *Empty) error {
	return s.impl.Cleanup()
}

func (s *backendServer) HandleMessage(args MessageArgs, reply *MessageReply) error {
	payload, err := s.impl.HandleMessage(args.Topic, args.Payload)
	if err != nil {
		return err
	}
	reply.Payload = payload
	return nil
}

// backendClient is the host-side proxy.
type backendClient struct {
	client *rpc.Client
}

var _ Backend = (*backendClient)(nil)

func (c *backendClient) Init(config map[string]any) error {
	return c.client.Call("Plugin.Init", InitArgs{Config: config}, &Empty{})
}

func (c *backendClient) Start() error {
	return c.client.Call("Plugin.Start", Empty{}, &Empty{})
}

func (c *backendClient) Stop() error {
	return c.client.Call("Plugin.Stop", Empty{}, &Empty{})
}

func (c *backendClient) Cleanup() error {
	return c.client.Call("Plugin.Cleanup", Empty{}, &Empty{})
}

func (c *backendClient) HandleMessage(topic string, payload []byte) ([]byte, error) {
	var reply MessageReply
	if err := c.client.Call("Plugin.HandleMessage", MessageArgs{Topic: topic, Payload: payload}, &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}
