// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package main implements an echo plugin for PlugForge. It answers
// every message on its subscribed topics with the payload it received.
//
// Build it into the plugin directory before starting the runtime:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"log"

	"github.com/plugforge/plugforge/pkg/pluginsdk"
)

type echo struct {
	prefix string
}

func (e *echo) Init(config map[string]any) error {
	if p, ok := config["prefix"].(string); ok {
		e.prefix = p
	}
	return nil
}

func (e *echo) Start() error {
	log.Println("echo plugin started")
	return nil
}

func (e *echo) Stop() error {
	log.Println("echo plugin stopped")
	return nil
}

func (e *echo) Cleanup() error { return nil }

func (e *echo) HandleMessage(_ string, payload []byte) ([]byte, error) {
	if e.prefix == "" {
		return payload, nil
	}
	return append([]byte(e.prefix), payload...), nil
}

func main() {
	pluginsdk.Serve(&echo{})
}
