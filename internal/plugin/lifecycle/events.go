// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package lifecycle

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/plugforge/plugforge/internal/plugin"
)

// Event is an immutable record of one attempted transition.
type Event struct {
	ID         ulid.ULID
	PluginID   string
	Transition plugin.Transition
	Phase      plugin.Phase // the failing phase, or the last phase on success
	Success    bool
	Duration   time.Duration
	Error      string
	Timestamp  time.Time
}

// EventLog is a capped, append-only transition history with oldest
// eviction. Safe for concurrent use.
type EventLog struct {
	mu      sync.RWMutex
	cap     int
	entries []Event
}

// DefaultEventCap bounds the history when no cap is configured.
const DefaultEventCap = 500

// NewEventLog creates a log retaining at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCap
	}
	return &EventLog{cap: capacity}
}

// Record appends an event, stamping id and timestamp.
func (l *EventLog) Record(e Event) Event {
	e.ID = ulid.Make()
	e.Timestamp = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.cap {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, e)
	return e
}

// All returns a copy of the history, oldest first.
func (l *EventLog) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.entries...)
}

// ForPlugin returns the retained events for one plugin id.
func (l *EventLog) ForPlugin(id string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.entries {
		if e.PluginID == id {
			out = append(out, e)
		}
	}
	return out
}
