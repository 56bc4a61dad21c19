// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package security provides static vetting of plugin code, a logical
// execution sandbox, and permission enforcement. It is not OS-level
// isolation: checks are advisory gates inside the host process.
package security

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
)

// Policy describes what sandboxed plugin code may do. A policy is
// attached when a sandbox is created and immutable for that session.
type Policy struct {
	// AllowedPermissions bounds what manifests may request. Empty means
	// every permission in the global enum is grantable.
	AllowedPermissions []plugin.Permission

	// AllowedModules are glob patterns ('.'-separated segments) naming
	// modules plugins may require. Empty means any module not denied.
	AllowedModules []string

	// DeniedModules are glob patterns for modules that must never load.
	// Deny wins over allow.
	DeniedModules []string

	// AllowedPaths restricts where plugin sources may live. Empty
	// disables the check.
	AllowedPaths []string

	// BlockedFunctions are function names (bare or dotted) whose call
	// sites are flagged as high-severity violations.
	BlockedFunctions []string

	// ExecTimeout is the wall-clock budget for one sandboxed execution.
	ExecTimeout time.Duration

	// MaxRegistrySize caps the Lua registry, the closest logical stand-in
	// for a memory ceiling the VM offers.
	MaxRegistrySize int

	// ViolationCap bounds the in-memory violation log.
	ViolationCap int
}

// DefaultPolicy returns the policy used when the host supplies none.
func DefaultPolicy() *Policy {
	return &Policy{
		DeniedModules: []string{"os", "io", "debug", "package", "ffi"},
		BlockedFunctions: []string{
			"load", "loadstring", "loadfile", "dofile",
			"os.execute", "os.exit", "os.remove", "os.rename",
			"io.popen", "io.open",
			"collectgarbage", "rawset", "rawget", "setfenv", "getfenv",
		},
		ExecTimeout:     5 * time.Second,
		MaxRegistrySize: 1024 * 64,
		ViolationCap:    1000,
	}
}

// moduleGate is the compiled allow/deny matcher consulted on every
// import, both during static analysis and inside the sandbox.
type moduleGate struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

func newModuleGate(p *Policy) (*moduleGate, error) {
	g := &moduleGate{}
	for _, pat := range p.AllowedModules {
		c, err := glob.Compile(pat, '.')
		if err != nil {
			return nil, oops.In("security").Code("VALIDATION_FAILED").With("pattern", pat).Hint("invalid allowed module pattern").Wrap(err)
		}
		g.allowed = append(g.allowed, c)
	}
	for _, pat := range p.DeniedModules {
		c, err := glob.Compile(pat, '.')
		if err != nil {
			return nil, oops.In("security").Code("VALIDATION_FAILED").With("pattern", pat).Hint("invalid denied module pattern").Wrap(err)
		}
		g.denied = append(g.denied, c)
	}
	return g, nil
}

// Allowed reports whether module may be imported under this gate.
func (g *moduleGate) Allowed(module string) bool {
	for _, d := range g.denied {
		if d.Match(module) {
			return false
		}
	}
	if len(g.allowed) == 0 {
		return true
	}
	for _, a := range g.allowed {
		if a.Match(module) {
			return true
		}
	}
	return false
}
