package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/value"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// instance is one isolated runtime. Everything except drops is touched only
// by the session currently leasing it.
type instance struct {
	id      int
	rt      wazero.Runtime
	modules map[string]*module
	bundles map[*Bundle]bool
	heap    map[uint64]*cell
	next    uint64
	lease   uint64
	active  atomic.Int32

	dropMu sync.Mutex
	drops  []uint64
}

type module struct {
	name   string
	mod    api.Module
	abi    bundle.ABI
	bundle *Bundle
}

type cell struct {
	kind ObjectKind
	mod  *module
	fn   api.Function
	name string
	val  value.Value
}

func newInstance(ctx context.Context, id int, cfg *executorConfig, cache wazero.CompilationCache, registry *hostfunc.Registry) (*instance, error) {
	rtConfig := wazero.NewRuntimeConfig().WithCompilationCache(cache)
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if _, err := registry.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	return &instance{
		id:      id,
		rt:      rt,
		modules: make(map[string]*module),
		bundles: make(map[*Bundle]bool),
		heap:    make(map[uint64]*cell),
		next:    1, // slot 0 is the namespace
	}, nil
}

// enter marks an execution as running. Two overlapping executions inside one
// instance mean the lease tracker handed it out twice.
func (in *instance) enter() {
	if n := in.active.Add(1); n != 1 {
		panic(fmt.Sprintf("executor: %d concurrent executions inside instance %d", n, in.id))
	}
}

func (in *instance) exit() {
	in.active.Add(-1)
}

// Active reports the number of executions currently running inside the
// instance. It never exceeds one.
func (in *instance) Active() int {
	return int(in.active.Load())
}

func (in *instance) store(c *cell) uint64 {
	slot := in.next
	in.next++
	in.heap[slot] = c
	return slot
}

// deferDrop schedules slot for removal the next time the instance is held.
// Safe to call without a lease.
func (in *instance) deferDrop(slot uint64) {
	in.dropMu.Lock()
	in.drops = append(in.drops, slot)
	in.dropMu.Unlock()
}

func (in *instance) drainDrops() {
	in.dropMu.Lock()
	drops := in.drops
	in.drops = nil
	in.dropMu.Unlock()

	for _, slot := range drops {
		delete(in.heap, slot)
	}
}

// reserved names the modules every instance starts with.
var reserved = map[string]bool{
	wasi_snapshot_preview1.ModuleName: true,
	hostfunc.ModuleName:               true,
}

// taken reports whether a bundle module called name would clash inside the
// instance.
func (in *instance) taken(name string) bool {
	_, dup := in.modules[name]
	return dup || reserved[name]
}

func (in *instance) register(b *Bundle, mods []bundle.Module) error {
	for _, m := range mods {
		if in.taken(m.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
		}
	}
	for _, m := range mods {
		in.modules[m.Name] = &module{name: m.Name, mod: m.Module, abi: m.ABI, bundle: b}
	}
	in.bundles[b] = true
	return nil
}

func (in *instance) close(ctx context.Context) error {
	in.drainDrops()
	in.heap = nil
	if err := in.rt.Close(ctx); err != nil {
		return fmt.Errorf("close instance %d: %w", in.id, err)
	}
	return nil
}

// moduleNames reports the modules a source will register, when it can tell
// before materializing.
func moduleNames(src bundle.Source) []string {
	if l, ok := src.(interface{ ModuleNames() []string }); ok {
		return l.ModuleNames()
	}
	return nil
}
