package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/value"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

func newTestExecutor(t *testing.T, n int, opts ...Option) *Executor {
	t.Helper()
	exec, err := New(n, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return exec
}

// tracker records, per instance, how many host calls overlap and how many
// ran in total.
type tracker struct {
	mu     sync.Mutex
	active map[int]int
	max    map[int]int
	calls  map[int]int
	counts map[int]int64
}

func newTracker() *tracker {
	return &tracker{
		active: make(map[int]int),
		max:    make(map[int]int),
		calls:  make(map[int]int),
		counts: make(map[int]int64),
	}
}

func (tr *tracker) enter(ctx context.Context) int {
	id, ok := hostfunc.InstanceFromContext(ctx)
	if !ok {
		id = -1
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.active[id]++
	if tr.active[id] > tr.max[id] {
		tr.max[id] = tr.active[id]
	}
	tr.calls[id]++
	return id
}

func (tr *tracker) exit(id int) {
	tr.mu.Lock()
	tr.active[id]--
	tr.mu.Unlock()
}

func (tr *tracker) maxOverlap() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	m := 0
	for _, n := range tr.max {
		if n > m {
			m = n
		}
	}
	return m
}

func (tr *tracker) total() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, c := range tr.calls {
		n += c
	}
	return n
}

func (tr *tracker) callsOn(id int) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls[id]
}

// mathBundle exports "math" with
//
//	add(a, b i64) i64    sleeps delay first
//	scale(x f64) f64     doubles x
//	inc() i64            instance-local counter
//	boom() i64           panics
func mathBundle(tr *tracker, delay time.Duration) *bundle.Host {
	h := bundle.NewHost("mathlib")
	h.Module("math").
		Func("add", func(ctx context.Context, a, b int64) int64 {
			id := tr.enter(ctx)
			defer tr.exit(id)
			time.Sleep(delay)
			return a + b
		}).
		Func("scale", func(ctx context.Context, x float64) float64 {
			id := tr.enter(ctx)
			defer tr.exit(id)
			return x * 2
		}).
		Func("inc", func(ctx context.Context) int64 {
			id := tr.enter(ctx)
			defer tr.exit(id)
			tr.mu.Lock()
			defer tr.mu.Unlock()
			tr.counts[id]++
			return tr.counts[id]
		}).
		Func("boom", func(ctx context.Context) int64 {
			id := tr.enter(ctx)
			defer tr.exit(id)
			panic("boom")
		})

	weights, _ := value.NewTensor(value.Float32, []int{2, 2}, []float64{1, 2, 3, 4})
	h.SetValue("weights", value.TensorValue(weights))
	h.SetValue("config", value.Dict(map[string]value.Value{
		"layers": value.Int(3),
		"name":   value.String("tiny"),
	}))
	return h
}

// countingSource counts materializations per instance.
type countingSource struct {
	bundle.Source
	mu    sync.Mutex
	count map[int]int
}

func counting(src bundle.Source) *countingSource {
	return &countingSource{Source: src, count: make(map[int]int)}
}

func (c *countingSource) Materialize(ctx context.Context, rt wazero.Runtime) ([]bundle.Module, error) {
	id, _ := hostfunc.InstanceFromContext(ctx)
	c.mu.Lock()
	c.count[id]++
	c.mu.Unlock()
	return c.Source.Materialize(ctx, rt)
}

func (c *countingSource) loads(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[id]
}

// crossInstancePanic runs fn and returns the *CrossInstanceError it panics
// with, or nil.
func crossInstancePanic(fn func()) (cerr *CrossInstanceError) {
	defer func() {
		if r := recover(); r != nil {
			cerr, _ = r.(*CrossInstanceError)
		}
	}()
	fn()
	return nil
}
