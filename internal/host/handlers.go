// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package host

import (
	"context"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/security"
)

// phaseHandler wires registry subsystems into the lifecycle phases. It
// claims every phase for plugin types that have a runtime host
// registered; more specific handlers can shadow it with a higher
// priority.
type phaseHandler struct {
	reg *Registry
}

func (p *phaseHandler) Name() string { return "registry" }

func (p *phaseHandler) Priority() int { return 0 }

func (p *phaseHandler) CanHandle(inst *plugin.Instance, _ plugin.Phase) bool {
	_, ok := p.reg.hosts[inst.Manifest.PluginType]
	return ok
}

func (p *phaseHandler) Handle(ctx context.Context, inst *plugin.Instance, phase plugin.Phase) error {
	h := p.reg.hosts[inst.Manifest.PluginType]

	switch phase {
	case plugin.PhaseValidation:
		return p.validate(inst)
	case plugin.PhaseLoading:
		return h.Load(ctx, inst)
	case plugin.PhaseDependencyResolution:
		return p.resolveDependencies(inst)
	case plugin.PhaseInitialization:
		if err := p.reg.grants.Grant(inst.ID(), inst.Manifest.Permissions); err != nil {
			return err
		}
		return h.Init(ctx, inst)
	case plugin.PhaseStarting:
		return h.Start(ctx, inst)
	case plugin.PhaseStopping:
		return h.Stop(ctx, inst)
	case plugin.PhaseCleanup:
		if err := h.Cleanup(ctx, inst); err != nil {
			return err
		}
		// A half-unloaded plugin must not keep receiving messages or
		// serving calls.
		if p.reg.comms != nil {
			p.reg.comms.DeregisterPlugin(inst.ID())
		}
		return nil
	case plugin.PhaseUnloading:
		if err := h.Unload(ctx, inst); err != nil {
			return err
		}
		p.reg.grants.Revoke(inst.ID())
		return nil
	default:
		return oops.In("registry").
			Code("EXECUTION_FAILED").
			With("phase", string(phase)).
			New("unhandled lifecycle phase")
	}
}

// validate runs metadata compatibility, config schema validation, and,
// for source plugins, static security analysis.
func (p *phaseHandler) validate(inst *plugin.Instance) error {
	report, err := p.reg.compat.ValidateMetadata(inst.Manifest)
	if err != nil {
		return err
	}
	for _, w := range report.Warnings {
		p.reg.logWarn(inst.ID(), w)
	}

	if len(inst.Manifest.ConfigSchema) > 0 {
		if err := inst.Manifest.ValidateConfig(inst.Config()); err != nil {
			return err
		}
	}

	if inst.Manifest.PluginType == plugin.TypeLua {
		return p.analyzeSource(inst)
	}
	return nil
}

// analyzeSource reads the entry point and rejects the plugin when the
// analyzer finds blocking violations.
func (p *phaseHandler) analyzeSource(inst *plugin.Instance) error {
	path := filepath.Join(inst.Dir, filepath.Clean(inst.Manifest.EntryPoint))
	source, err := os.ReadFile(path) //nolint:gosec // path is rooted in the plugin's own directory
	if err != nil {
		return oops.In("registry").
			Code("IO_FAILED").
			With("plugin_id", inst.ID()).
			With("path", path).
			Wrap(err)
	}

	report := p.reg.analyzer.AnalyzeCode(inst.ID(), string(source))
	if !report.Safe {
		worst := security.SeverityLow
		for _, v := range report.Violations {
			if v.Severity > worst {
				worst = v.Severity
			}
		}
		return oops.In("registry").
			Code("SECURITY_VIOLATION").
			With("plugin_id", inst.ID()).
			With("violations", len(report.Violations)).
			With("severity", worst.String()).
			New("static analysis found blocking violations")
	}
	return nil
}

// resolveDependencies checks that everything the plugin depends on is
// already loaded and that the plugin introduces no cycle.
func (p *phaseHandler) resolveDependencies(inst *plugin.Instance) error {
	available := p.reg.loadedIDs()
	missing := p.reg.graph.Missing(inst.ID(), available)
	if len(missing) > 0 {
		return oops.In("registry").
			Code("DEPENDENCY_MISSING").
			With("plugin_id", inst.ID()).
			With("missing", missing).
			New("unresolved dependencies")
	}
	if p.reg.graph.HasCycle(inst.ID()) {
		return oops.In("registry").
			Code("DEPENDENCY_CYCLE").
			With("plugin_id", inst.ID()).
			New("dependency cycle detected")
	}
	return nil
}
