package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the import module guests link host functions from.
const ModuleName = "env"

// Registry holds Go functions exported to every instance under ModuleName.
// A function must have a signature wazero's WithFunc accepts.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]any
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]any)}
}

func (r *Registry) Register(name string, fn any) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate exports the registered functions into rt as ModuleName.
func (r *Registry) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	builder := rt.NewHostModuleBuilder(ModuleName)
	for _, name := range r.List() {
		fn, _ := r.Get(name)
		builder.NewFunctionBuilder().
			WithFunc(fn).
			Export(name)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s host module: %w", ModuleName, err)
	}
	return mod, nil
}
