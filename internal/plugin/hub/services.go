// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package hub

import (
	"context"
	"sort"

	"github.com/samber/oops"
)

// ServiceHandler executes a named service call.
type ServiceHandler func(ctx context.Context, args map[string]any) (any, error)

// Service is a callable capability a plugin exposes to others.
type Service struct {
	Name        string
	PluginID    string
	Description string
	Handler     ServiceHandler
}

// RegisterService publishes a named service. Names are globally unique;
// re-registering an existing name fails.
func (h *Hub) RegisterService(svc Service) error {
	if svc.Name == "" || svc.Handler == nil {
		return oops.In("hub").Code("VALIDATION_FAILED").New("service requires a name and a handler")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.services[svc.Name]; ok {
		return oops.In("hub").
			Code("VALIDATION_FAILED").
			With("service", svc.Name).
			With("owner", existing.PluginID).
			New("service name already registered")
	}
	h.services[svc.Name] = &svc
	return nil
}

// DeregisterService removes a named service. Removing an unknown name is
// a no-op.
func (h *Hub) DeregisterService(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.services, name)
}

// Call invokes a registered service synchronously.
func (h *Hub) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	h.mu.RLock()
	svc, ok := h.services[name]
	h.mu.RUnlock()
	if !ok {
		return nil, oops.In("hub").
			Code("DEPENDENCY_MISSING").
			With("service", name).
			New("service not registered")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
	}

	result, err := svc.Handler(ctx, args)
	if err != nil {
		return nil, oops.In("hub").
			Code("EXECUTION_FAILED").
			With("service", name).
			With("owner", svc.PluginID).
			Wrap(err)
	}
	return result, nil
}

// Services lists registered services sorted by name.
func (h *Hub) Services() []Service {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Service, 0, len(h.services))
	for _, svc := range h.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
