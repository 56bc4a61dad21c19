// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package lifecycle

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plugforge/plugforge/internal/plugin"
)

// Prometheus metrics for lifecycle transitions.
var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugforge_transitions_total",
		Help: "Total number of plugin lifecycle transitions",
	}, []string{"transition", "result"})

	transitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plugforge_transition_duration_seconds",
		Help:    "Histogram of plugin transition latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"transition"})
)

// durAgg accumulates durations for one transition kind.
type durAgg struct {
	count int
	total time.Duration
}

// pluginMetrics holds the rolling counters for one plugin.
type pluginMetrics struct {
	total       int
	failed      int
	lastError   string
	lastErrorAt time.Time
	perKind     map[plugin.Transition]*durAgg
}

// Snapshot is a read-only view of one plugin's lifecycle metrics.
type Snapshot struct {
	PluginID          string
	TotalTransitions  int
	FailedTransitions int
	SuccessRate       float64
	AvgDuration       map[plugin.Transition]time.Duration
	LastError         string
	LastErrorAt       time.Time
}

// Metrics tracks per-plugin rolling counters and mirrors them to
// Prometheus. Safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	perPlugin map[string]*pluginMetrics
}

// NewMetrics creates an empty metrics recorder.
func NewMetrics() *Metrics {
	return &Metrics{perPlugin: make(map[string]*pluginMetrics)}
}

// Record updates the counters for one attempted transition.
func (m *Metrics) Record(pluginID string, tr plugin.Transition, success bool, dur time.Duration, err error) {
	result := "success"
	if !success {
		result = "failure"
	}
	transitionsTotal.WithLabelValues(string(tr), result).Inc()
	transitionDuration.WithLabelValues(string(tr)).Observe(dur.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.perPlugin[pluginID]
	if !ok {
		pm = &pluginMetrics{perKind: make(map[plugin.Transition]*durAgg)}
		m.perPlugin[pluginID] = pm
	}

	pm.total++
	agg, ok := pm.perKind[tr]
	if !ok {
		agg = &durAgg{}
		pm.perKind[tr] = agg
	}
	agg.count++
	agg.total += dur

	if !success {
		pm.failed++
		if err != nil {
			pm.lastError = err.Error()
		}
		pm.lastErrorAt = time.Now()
	}
}

// SnapshotFor returns the current counters for one plugin. Unknown ids
// return a zero snapshot.
func (m *Metrics) SnapshotFor(pluginID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{PluginID: pluginID, AvgDuration: make(map[plugin.Transition]time.Duration)}
	pm, ok := m.perPlugin[pluginID]
	if !ok {
		return s
	}

	s.TotalTransitions = pm.total
	s.FailedTransitions = pm.failed
	if pm.total > 0 {
		s.SuccessRate = float64(pm.total-pm.failed) / float64(pm.total)
	}
	for tr, agg := range pm.perKind {
		if agg.count > 0 {
			s.AvgDuration[tr] = agg.total / time.Duration(agg.count)
		}
	}
	s.LastError = pm.lastError
	s.LastErrorAt = pm.lastErrorAt
	return s
}

// Forget drops the counters for one plugin. Called on unload so a
// reinstalled plugin starts clean.
func (m *Metrics) Forget(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perPlugin, pluginID)
}
