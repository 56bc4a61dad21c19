// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package security

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in a
// sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the libraries opened in every sandbox.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions lists base library functions that must be removed.
// They reach the filesystem or evaluate arbitrary code, which breaks the
// sandbox contract.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// Sandbox builds restricted Lua states and enforces the policy's
// wall-clock budget on executions. It is a logical sandbox: the VM stops
// at the next instruction boundary after a timeout, and in-flight host
// calls are not forcibly terminated.
type Sandbox struct {
	policy    *Policy
	gate      *moduleGate
	log       *ViolationLog
	libraries []safeLibrary
	modules   map[string]lua.LGFunction
}

// NewSandbox creates a sandbox bound to policy. Findings (timeouts,
// blocked imports attempted at runtime) are appended to log.
func NewSandbox(policy *Policy, log *ViolationLog) (*Sandbox, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	gate, err := newModuleGate(policy)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		policy:    policy,
		gate:      gate,
		log:       log,
		libraries: defaultSafeLibraries(),
		modules:   make(map[string]lua.LGFunction),
	}, nil
}

// RegisterModule exposes a host module to sandboxed code under name. The
// loader must push exactly one value (the module table) and return 1.
// The module gate still applies: a registered but denied module stays
// unloadable.
func (s *Sandbox) RegisterModule(name string, loader lua.LGFunction) {
	s.modules[name] = loader
}

// NewState creates a fresh Lua state with only safe libraries loaded,
// filesystem builtins removed, and a require gate that re-checks the
// module allow-list on every import.
func (s *Sandbox) NewState(ctx context.Context, pluginID string) (*lua.LState, error) {
	opts := lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	}
	if s.policy.MaxRegistrySize > 0 {
		opts.RegistryMaxSize = s.policy.MaxRegistrySize
	}
	L := lua.NewState(opts)

	for _, lib := range s.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("sandbox").Code("EXECUTION_FAILED").With("plugin", pluginID).With("library", lib.name).Hint("failed to open library").Wrap(err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	L.SetGlobal("require", L.NewFunction(s.requireGate(pluginID)))
	L.SetContext(ctx)

	return L, nil
}

// requireGate returns the restricted require implementation for one
// plugin. Allowed modules resolve from registered host modules first,
// then from already-opened library globals.
func (s *Sandbox) requireGate(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)

		if !s.gate.Allowed(name) {
			if s.log != nil {
				s.log.Append(Violation{
					PluginID:    pluginID,
					Type:        ViolationForbiddenModule,
					Severity:    SeverityHigh,
					Description: "runtime import of forbidden module " + name,
					Timestamp:   time.Now(),
				})
			}
			L.RaiseError("module %q is not permitted", name)
			return 0
		}

		if loader, ok := s.modules[name]; ok {
			return loader(L)
		}
		if g := L.GetGlobal(name); g != lua.LNil {
			L.Push(g)
			return 1
		}

		L.RaiseError("module %q is not available in the sandbox", name)
		return 0
	}
}

// Execute runs source in a fresh restricted state under the policy's
// wall-clock timeout. Exceeding the timeout records a resource-limit
// violation and returns an execution error; the running code is not
// forcibly killed (documented limitation).
func (s *Sandbox) Execute(ctx context.Context, pluginID, source string) (err error) {
	timeout := s.policy.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultPolicy().ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L, err := s.NewState(ctx, pluginID)
	if err != nil {
		return err
	}
	defer L.Close()

	return s.run(ctx, pluginID, "chunk", func() error {
		return L.DoString(source)
	})
}

// Run executes source in an existing sandboxed state under the policy's
// wall-clock timeout. Unlike Execute, globals defined by the source
// survive in L for later CallGlobal invocations.
func (s *Sandbox) Run(ctx context.Context, pluginID string, L *lua.LState, source string) error {
	timeout := s.policy.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultPolicy().ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(ctx)

	return s.run(ctx, pluginID, "chunk", func() error {
		return L.DoString(source)
	})
}

// CallGlobal invokes a global function in an existing sandboxed state if
// it is defined; an undefined function is a no-op. The policy timeout
// applies to the call.
func (s *Sandbox) CallGlobal(ctx context.Context, pluginID string, L *lua.LState, name string, args ...lua.LValue) error {
	fn := L.GetGlobal(name)
	if fn == lua.LNil {
		return nil
	}

	timeout := s.policy.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultPolicy().ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(ctx)

	return s.run(ctx, pluginID, name, func() error {
		return L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		}, args...)
	})
}

// CallGlobalResult is CallGlobal for entry points that return a value.
// It yields lua.LNil when the function is undefined or returns nothing.
func (s *Sandbox) CallGlobalResult(ctx context.Context, pluginID string, L *lua.LState, name string, args ...lua.LValue) (lua.LValue, error) {
	fn := L.GetGlobal(name)
	if fn == lua.LNil {
		return lua.LNil, nil
	}

	timeout := s.policy.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultPolicy().ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(ctx)

	var result lua.LValue = lua.LNil
	err := s.run(ctx, pluginID, name, func() error {
		if cerr := L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    1,
			Protect: true,
		}, args...); cerr != nil {
			return cerr
		}
		result = L.Get(-1)
		L.Pop(1)
		return nil
	})
	if err != nil {
		return lua.LNil, err
	}
	return result, nil
}

// run executes fn, translating timeouts into violations and recovering
// panics so plugin faults never crash the host.
func (s *Sandbox) run(ctx context.Context, pluginID, what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.In("sandbox").Code("EXECUTION_FAILED").
				With("plugin", pluginID).With("entry", what).
				Errorf("plugin panicked: %v", r)
		}
	}()

	start := time.Now()
	err = fn()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if s.log != nil {
			s.log.Append(Violation{
				PluginID:    pluginID,
				Type:        ViolationResourceLimit,
				Severity:    SeverityMedium,
				Description: "execution exceeded timeout of " + s.policy.ExecTimeout.String(),
				Timestamp:   time.Now(),
			})
		}
		return oops.In("sandbox").Code("EXECUTION_FAILED").
			With("plugin", pluginID).With("entry", what).
			With("elapsed", time.Since(start).String()).
			Hint("wall-clock timeout exceeded").Wrap(err)
	}

	return oops.In("sandbox").Code("EXECUTION_FAILED").
		With("plugin", pluginID).With("entry", what).Wrap(err)
}
