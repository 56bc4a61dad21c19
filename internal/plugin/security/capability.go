// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package security

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
)

// compiledGrant holds a permission pattern and its compiled glob.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Grants enforces capability-based permissions at call time. It is the
// security model for compiled plugins, which static source analysis
// cannot vet: every host call names the permission it needs and the
// plugin must hold a matching grant. Deny by default.
//
// Patterns use gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment ("host.*" matches "host.log")
//   - '**' matches descendants ("msg.**" matches "msg.publish.loud")
type Grants struct {
	mu     sync.RWMutex
	grants map[string][]compiledGrant // plugin id -> compiled grants
}

// NewGrants creates an empty grant table.
func NewGrants() *Grants {
	return &Grants{grants: make(map[string][]compiledGrant)}
}

// Grant replaces a plugin's permission set with the manifest-declared
// one. All patterns compile before any state changes, so a bad pattern
// leaves the previous grants intact.
func (g *Grants) Grant(pluginID string, perms []plugin.Permission) error {
	if pluginID == "" {
		return oops.In("security").Code("VALIDATION_FAILED").New("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(perms))
	for i, p := range perms {
		pat := string(p)
		if pat == "" {
			return oops.In("security").Code("VALIDATION_FAILED").With("plugin", pluginID).New("empty permission pattern")
		}
		c, err := glob.Compile(pat, '.')
		if err != nil {
			return oops.In("security").Code("VALIDATION_FAILED").With("plugin", pluginID).With("pattern", pat).Wrap(err)
		}
		compiled[i] = compiledGrant{pattern: pat, glob: c}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[pluginID] = compiled
	return nil
}

// Revoke removes every grant held by a plugin. Safe for unknown ids.
func (g *Grants) Revoke(pluginID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, pluginID)
}

// Holds reports whether the plugin may use the named permission.
// Unknown plugins and empty permissions are denied.
func (g *Grants) Holds(pluginID string, perm plugin.Permission) bool {
	if perm == "" {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, grant := range g.grants[pluginID] {
		if grant.glob.Match(string(perm)) {
			return true
		}
	}
	return false
}

// Of returns a copy of the patterns granted to a plugin, nil when the
// plugin holds none.
func (g *Grants) Of(pluginID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	grants, ok := g.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, c := range grants {
		patterns[i] = c.pattern
	}
	return patterns
}
