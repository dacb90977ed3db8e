package bundle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/value"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Host is an in-memory bundle whose modules are Go functions exported through
// wazero host modules. Functions use the scalar ABI and must have a signature
// accepted by wazero's WithFunc. Materialize fails on ones it cannot map.
// Each module is a Go host module behind a re-exporting guest module of the
// same name, so its exports are callable like any wasm export.
//
// Function closures are shared by every instance the bundle is materialized
// in. Keep instance-local state keyed by hostfunc.InstanceFromContext.
type Host struct {
	name    string
	mu      sync.RWMutex
	modules []*HostModule
	values  map[string]value.Value
}

type HostModule struct {
	host  *Host
	name  string
	funcs []hostFunc
}

type hostFunc struct {
	name string
	fn   any
}

func NewHost(name string) *Host {
	return &Host{name: name, values: make(map[string]value.Value)}
}

// Module returns the named module, adding it on first use.
func (h *Host) Module(name string) *HostModule {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.modules {
		if m.name == name {
			return m
		}
	}
	m := &HostModule{host: h, name: name}
	h.modules = append(h.modules, m)
	return m
}

// Func exports fn under name.
func (m *HostModule) Func(name string, fn any) *HostModule {
	m.host.mu.Lock()
	m.funcs = append(m.funcs, hostFunc{name: name, fn: fn})
	m.host.mu.Unlock()
	return m
}

// SetValue stores a named value. It is copied.
func (h *Host) SetValue(key string, v value.Value) *Host {
	h.mu.Lock()
	h.values[key] = v.Clone()
	h.mu.Unlock()
	return h
}

func (h *Host) Name() string {
	return h.name
}

// Keys lists the value keys in sorted order.
func (h *Host) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *Host) Materialize(ctx context.Context, rt wazero.Runtime) ([]Module, error) {
	h.mu.RLock()
	type snapshot struct {
		name  string
		funcs []hostFunc
	}
	modules := make([]snapshot, len(h.modules))
	for i, m := range h.modules {
		modules[i] = snapshot{name: m.name, funcs: append([]hostFunc(nil), m.funcs...)}
	}
	h.mu.RUnlock()

	mods := make([]Module, 0, len(modules))
	for _, m := range modules {
		builder := rt.NewHostModuleBuilder(h.name + ":" + m.name)
		for _, f := range m.funcs {
			builder.NewFunctionBuilder().
				WithFunc(f.fn).
				Export(f.name)
		}
		hm, err := builder.Instantiate(ctx)
		if err != nil {
			closeAll(ctx, mods)
			return nil, fmt.Errorf("instantiate host module %q: %w", m.name, err)
		}

		shim, err := hostfunc.Reexport(ctx, rt, hm, m.name)
		if err != nil {
			_ = hm.Close(ctx)
			closeAll(ctx, mods)
			return nil, err
		}
		mods = append(mods, Module{Name: m.name, Module: reexported{Module: shim, host: hm}, ABI: ABIScalar})
	}
	return mods, nil
}

// reexported closes the host module together with the guest module that
// re-exports it.
type reexported struct {
	api.Module
	host api.Module
}

func (m reexported) Close(ctx context.Context) error {
	return m.CloseWithExitCode(ctx, 0)
}

func (m reexported) CloseWithExitCode(ctx context.Context, exitCode uint32) error {
	err := m.Module.CloseWithExitCode(ctx, exitCode)
	if herr := m.host.CloseWithExitCode(ctx, exitCode); err == nil {
		err = herr
	}
	return err
}

func (h *Host) Value(_ context.Context, key string) (value.Value, error) {
	h.mu.RLock()
	v, ok := h.values[key]
	h.mu.RUnlock()
	if !ok {
		return value.Value{}, fmt.Errorf("%w: %s/%s", ErrValueNotFound, h.name, key)
	}
	return v.Clone(), nil
}

// ModuleNames lists the modules in the order they were added.
func (h *Host) ModuleNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, len(h.modules))
	for i, m := range h.modules {
		names[i] = m.name
	}
	return names
}
