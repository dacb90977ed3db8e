package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/internal/testutil/wasmtest"
	"github.com/caffeineduck/fleet/value"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestInstanceInitFailureAbortsPool(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("bad", func(s string) {})

	exec, err := New(3, WithHostRegistry(registry))
	assert.Nil(t, exec)
	require.ErrorIs(t, err, ErrInstanceInit)

	var initErr *InstanceInitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, 0, initErr.ID)
}

func TestSessionsNeverShareAnInstance(t *testing.T) {
	exec := newTestExecutor(t, 3)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		held = map[int]bool{}
		dup  bool
		wg   sync.WaitGroup
	)

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s, err := exec.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if held[s.Instance()] {
					dup = true
				}
				held[s.Instance()] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				held[s.Instance()] = false
				mu.Unlock()
				s.Close()
			}
		}()
	}
	wg.Wait()

	assert.False(t, dup, "two live sessions held the same instance")
	assert.Equal(t, 0, exec.Stats().Leased)
}

func TestReleaseExactlyOnce(t *testing.T) {
	exec := newTestExecutor(t, 1)
	ctx := context.Background()
	boom := errors.New("boom")

	err := exec.With(ctx, func(s *Session) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, exec.Stats().Leased)

	assert.Panics(t, func() {
		_ = exec.With(ctx, func(s *Session) error { panic("inside session") })
	})
	assert.Equal(t, 0, exec.Stats().Leased)

	s, err := exec.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, exec.Stats().Leased)

	// A second release would have panicked or freed a slot twice.
	s1, err := exec.Acquire(ctx)
	require.NoError(t, err)
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = exec.Acquire(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	s1.Close()
}

func TestPoolShutdownFailsWaiters(t *testing.T) {
	exec, err := New(1)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := exec.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := exec.Acquire(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return exec.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, exec.Close())
	require.NoError(t, exec.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after close")
	}

	_, err = exec.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = exec.LoadBundle(ctx, "anything")
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = s.Namespace()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, s.Close())
	assert.True(t, exec.Stats().Closed)
}

func TestAcquireHint(t *testing.T) {
	exec := newTestExecutor(t, 3)
	ctx := context.Background()

	s2, err := exec.AcquireHint(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, s2.Instance())

	other, err := exec.AcquireHint(ctx, 2)
	require.NoError(t, err)
	assert.NotEqual(t, 2, other.Instance())

	other.Close()
	s2.Close()
}

func TestStats(t *testing.T) {
	exec := newTestExecutor(t, 2)
	s, err := exec.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Instances: 2, Leased: 1}, exec.Stats())
	s.Close()
	assert.Equal(t, Stats{Instances: 2}, exec.Stats())
	assert.Equal(t, 2, exec.Size())
}

func TestLoadBundleCaching(t *testing.T) {
	exec := newTestExecutor(t, 1)
	ctx := context.Background()
	path := wasmtest.WritePackage(t)

	b1, err := exec.LoadBundle(ctx, path)
	require.NoError(t, err)
	b2, err := exec.LoadBundle(ctx, path)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, "simple", b1.Name())

	byID, ok := exec.Bundle(b1.ID().String())
	require.True(t, ok)
	assert.Same(t, b1, byID)

	_, err = exec.LoadBundle(ctx, path+"-missing")
	assert.ErrorIs(t, err, bundle.ErrNotFound)

	h := mathBundle(newTracker(), 0)
	a1, err := exec.AddBundle(h)
	require.NoError(t, err)
	a2, err := exec.AddBundle(h)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestLoadBundleNormalizesPaths(t *testing.T) {
	exec := newTestExecutor(t, 1)
	ctx := context.Background()
	path := wasmtest.WritePackage(t)
	t.Chdir(filepath.Dir(path))

	b, err := exec.LoadBundle(ctx, "simple")
	require.NoError(t, err)
	for _, p := range []string{"./simple", "simple/", path, filepath.Join(path, "..", "simple")} {
		other, err := exec.LoadBundle(ctx, p)
		require.NoError(t, err, p)
		assert.Same(t, b, other, p)
	}
	assert.True(t, filepath.IsAbs(b.Path()))

	err = exec.With(ctx, func(s *Session) error {
		return b.Load(ctx, s)
	})
	require.NoError(t, err)
}

func TestCatalogLoader(t *testing.T) {
	catalog := bundle.NewCatalog(bundle.FileLoader{})
	catalog.Register(mathBundle(newTracker(), 0))

	exec := newTestExecutor(t, 1, WithLoader(catalog))
	b, err := exec.LoadBundle(context.Background(), "mathlib")
	require.NoError(t, err)

	add, err := b.LoadGlobal(context.Background(), "math", "add")
	require.NoError(t, err)
	defer add.Close()

	sum, err := add.Invoke(context.Background(), value.Int(20), value.Int(22))
	require.NoError(t, err)
	assert.True(t, sum.Equal(value.Int(42)))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	exec := newTestExecutor(t, 2, WithMetrics(reg))
	ctx := context.Background()

	b, err := exec.AddBundle(mathBundle(newTracker(), 0))
	require.NoError(t, err)
	add, err := b.LoadGlobal(ctx, "math", "add")
	require.NoError(t, err)
	defer add.Close()

	for i := 0; i < 3; i++ {
		_, err := add.Invoke(ctx, value.Int(1), value.Int(1))
		require.NoError(t, err)
	}

	calls := testutil.ToFloat64(exec.metrics.calls.WithLabelValues("0")) +
		testutil.ToFloat64(exec.metrics.calls.WithLabelValues("1"))
	assert.Equal(t, 3.0, calls)
	assert.Equal(t, 0.0, testutil.ToFloat64(exec.metrics.leased))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fleet_pool_acquire_wait_seconds"])
	assert.True(t, names["fleet_instance_materializations_total"])

	// A second executor on the same registry collides.
	_, err = New(1, WithMetrics(reg))
	assert.Error(t, err)
}
