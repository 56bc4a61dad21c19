// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package security

import (
	"fmt"
	"sync"
	"time"
)

// ViolationType classifies a security finding.
type ViolationType string

// Violation types recorded by the analyzer and sandbox.
const (
	ViolationBlockedFunction  ViolationType = "blocked_function"
	ViolationDangerousCode    ViolationType = "dangerous_code"
	ViolationForbiddenModule  ViolationType = "forbidden_module"
	ViolationInvalidSource    ViolationType = "invalid_source"
	ViolationResourceLimit    ViolationType = "resource_limit"
	ViolationPermissionDenied ViolationType = "permission_denied"
)

// Severity grades a violation.
type Severity int

// Severities, least to most serious. High and critical block loading;
// lower grades are recorded and loading proceeds.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Blocking reports whether this severity prevents loading.
func (s Severity) Blocking() bool {
	return s >= SeverityHigh
}

// Violation is an immutable record of one security finding.
type Violation struct {
	PluginID    string
	Type        ViolationType
	Severity    Severity
	Description string
	Line        int // 0 when not tied to a source line
	Timestamp   time.Time
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("[%s] %s plugin %q line %d: %s", v.Severity, v.Type, v.PluginID, v.Line, v.Description)
	}
	return fmt.Sprintf("[%s] %s plugin %q: %s", v.Severity, v.Type, v.PluginID, v.Description)
}

// ViolationLog is an append-only, capacity-bounded violation history.
// When full, the oldest entries are evicted first. Safe for concurrent
// use.
type ViolationLog struct {
	mu      sync.RWMutex
	cap     int
	entries []Violation
}

// NewViolationLog creates a log holding at most capacity entries.
// Non-positive capacities fall back to the default policy cap.
func NewViolationLog(capacity int) *ViolationLog {
	if capacity <= 0 {
		capacity = DefaultPolicy().ViolationCap
	}
	return &ViolationLog{cap: capacity}
}

// Append records a violation, evicting the oldest entry when full.
func (l *ViolationLog) Append(v Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.cap {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, v)
}

// All returns a copy of the recorded violations, oldest first.
func (l *ViolationLog) All() []Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Violation(nil), l.entries...)
}

// ForPlugin returns the recorded violations for one plugin id.
func (l *ViolationLog) ForPlugin(id string) []Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Violation
	for _, v := range l.entries {
		if v.PluginID == id {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of retained violations.
func (l *ViolationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
