// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package depgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugforge/plugforge/internal/plugin/depgraph"
	"github.com/plugforge/plugforge/pkg/errutil"
)

func indexOf(t *testing.T, order []string, id string) int {
	t.Helper()
	for i, v := range order {
		if v == id {
			return i
		}
	}
	t.Fatalf("id %q not in order %v", id, order)
	return -1
}

func TestLoadOrder_RespectsDependencies(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
		ids  []string
	}{
		{
			name: "chain",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
			ids:  []string{"c", "b", "a"},
		},
		{
			name: "diamond",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
			ids:  []string{"d", "c", "b", "a"},
		},
		{
			name: "independent",
			deps: map[string][]string{"x": nil, "y": nil, "z": nil},
			ids:  []string{"x", "y", "z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := depgraph.New()
			for id, deps := range tt.deps {
				g.Register(id, deps, 0)
			}

			order, err := g.LoadOrder(tt.ids)
			require.NoError(t, err)
			require.Len(t, order, len(tt.ids))

			// No plugin may precede any of its dependencies.
			for id, deps := range tt.deps {
				for _, dep := range deps {
					assert.Less(t, indexOf(t, order, dep), indexOf(t, order, id),
						"%s must load before %s", dep, id)
				}
			}
		})
	}
}

func TestLoadOrder_TieBreakByPriorityThenDeclaration(t *testing.T) {
	g := depgraph.New()
	g.Register("low", nil, 1)
	g.Register("first", nil, 5)
	g.Register("second", nil, 5)

	order, err := g.LoadOrder([]string{"low", "first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "low"}, order)
}

func TestLoadOrder_CycleReturnsAllIDsAndError(t *testing.T) {
	g := depgraph.New()
	g.Register("a", []string{"c"}, 0)
	g.Register("b", []string{"a"}, 0)
	g.Register("c", []string{"b"}, 0)

	order, err := g.LoadOrder([]string{"a", "b", "c"})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DEPENDENCY_CYCLE")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, order)
}

func TestLoadOrder_CycleWithResolvablePrefix(t *testing.T) {
	g := depgraph.New()
	g.Register("base", nil, 0)
	g.Register("a", []string{"base", "b"}, 0)
	g.Register("b", []string{"a"}, 0)

	order, err := g.LoadOrder([]string{"base", "a", "b"})
	require.Error(t, err)
	require.Len(t, order, 3)
	assert.Equal(t, "base", order[0])
}

func TestStopOrder_IsReverseOfLoadOrder(t *testing.T) {
	g := depgraph.New()
	g.Register("a", nil, 0)
	g.Register("b", []string{"a"}, 0)
	g.Register("c", []string{"b"}, 0)

	load, err := g.LoadOrder([]string{"a", "b", "c"})
	require.NoError(t, err)
	stop, err := g.StopOrder([]string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, stop, len(load))
	for i := range load {
		assert.Equal(t, load[i], stop[len(stop)-1-i])
	}
}

func TestHasCycle(t *testing.T) {
	g := depgraph.New()
	g.Register("a", []string{"b"}, 0)
	g.Register("b", []string{"c"}, 0)
	g.Register("c", []string{"a"}, 0)
	g.Register("solo", nil, 0)

	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, g.HasCycle(id), "%s is on the cycle", id)
	}
	assert.False(t, g.HasCycle("solo"))
	assert.False(t, g.HasCycle("unknown"))
}

func TestHasCycle_FalseWhenOnlyReachingCycle(t *testing.T) {
	g := depgraph.New()
	g.Register("outside", []string{"b"}, 0)
	g.Register("b", []string{"c"}, 0)
	g.Register("c", []string{"b"}, 0)

	assert.False(t, g.HasCycle("outside"))
	assert.True(t, g.HasCycle("b"))
	assert.True(t, g.HasCycle("c"))
}

func TestHasCycle_SelfDependency(t *testing.T) {
	g := depgraph.New()
	g.Register("narcissist", []string{"narcissist"}, 0)

	assert.True(t, g.HasCycle("narcissist"))
}

func TestMissing(t *testing.T) {
	g := depgraph.New()
	g.Register("app", []string{"db", "cache"}, 0)

	assert.Equal(t, []string{"cache"}, g.Missing("app", []string{"db"}))
	assert.Empty(t, g.Missing("app", []string{"db", "cache"}))
	assert.Nil(t, g.Missing("unknown", nil))
}

func TestRemove(t *testing.T) {
	g := depgraph.New()
	g.Register("a", nil, 0)
	g.Register("b", []string{"a"}, 0)
	g.Remove("a")

	assert.Equal(t, []string{"a"}, g.Missing("b", []string{"b"}))
	assert.Nil(t, g.Dependencies("a"))
}
