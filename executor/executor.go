package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
)

// Executor owns a fixed pool of isolated runtime instances and leases them
// out one session at a time.
type Executor struct {
	instances []*instance
	leases    *leases
	cache     wazero.CompilationCache
	cfg       executorConfig
	logger    zerolog.Logger
	metrics   *metrics

	mu      sync.Mutex
	bundles map[string]*Bundle
	closed  bool
	done    atomic.Bool
}

// Stats is a snapshot of the pool.
type Stats struct {
	Instances int  `json:"instances"`
	Leased    int  `json:"leased"`
	Waiting   int  `json:"waiting"`
	Closed    bool `json:"closed"`
}

// New creates n instances up front. If any of them fails to start, the ones
// already built are closed and an *InstanceInitError is returned.
func New(n int, opts ...Option) (*Executor, error) {
	if n < 1 {
		return nil, fmt.Errorf("executor: need at least one instance, got %d", n)
	}

	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.loader == nil {
		cfg.loader = bundle.FileLoader{Codec: cfg.codec}
	}
	if cfg.registry == nil {
		cfg.registry = hostfunc.Builtins(cfg.logger)
	}
	if cfg.balancer == nil {
		cfg.balancer = RoundRobin
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	m, err := newMetrics(cfg.metrics, n)
	if err != nil {
		cache.Close(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	e := &Executor{
		instances: make([]*instance, 0, n),
		leases:    newLeases(n),
		cache:     cache,
		cfg:       cfg,
		logger:    cfg.logger,
		metrics:   m,
		bundles:   make(map[string]*Bundle),
	}

	for id := 0; id < n; id++ {
		inst, err := newInstance(ctx, id, &e.cfg, cache, cfg.registry)
		if err != nil {
			e.Close()
			return nil, &InstanceInitError{ID: id, Err: err}
		}
		e.instances = append(e.instances, inst)
	}

	e.logger.Debug().Int("instances", n).Msg("executor started")
	return e, nil
}

// Size returns the number of instances.
func (e *Executor) Size() int { return len(e.instances) }

// Acquire blocks until an instance is free and returns an exclusive session
// on it. It fails with ErrPoolClosed once the executor is closed, or with
// ctx's error if ctx ends first.
//
// The session must be closed. A session that is never closed holds its
// instance forever, and every other caller then shares one fewer instance
// for the rest of the executor's life.
func (e *Executor) Acquire(ctx context.Context) (*Session, error) {
	start := time.Now()
	id, err := e.leases.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return e.open(id, start), nil
}

// AcquireHint takes instance id if it is free right now and otherwise waits
// for any instance.
func (e *Executor) AcquireHint(ctx context.Context, id int) (*Session, error) {
	s, ok, err := e.tryAcquire(id)
	if err != nil {
		return nil, err
	}
	if ok {
		return s, nil
	}
	return e.Acquire(ctx)
}

func (e *Executor) tryAcquire(id int) (*Session, bool, error) {
	start := time.Now()
	ok, err := e.leases.tryAcquire(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return e.open(id, start), true, nil
}

func (e *Executor) open(id int, start time.Time) *Session {
	inst := e.instances[id]
	inst.lease++
	inst.drainDrops()

	e.metrics.recordAcquire(time.Since(start))
	e.logger.Debug().Int("instance", id).Uint64("lease", inst.lease).Msg("instance acquired")
	return &Session{exec: e, inst: inst, lease: inst.lease}
}

func (e *Executor) release(id int) {
	e.metrics.recordRelease()
	e.logger.Debug().Int("instance", id).Msg("instance released")
	e.leases.release(id)
}

// With runs fn in a session and closes it afterwards, also when fn returns
// an error or panics.
func (e *Executor) With(ctx context.Context, fn func(*Session) error) error {
	s, err := e.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// LoadBundle resolves path through the executor's loader. Handles are cached
// by path, so loading the same path twice returns the same bundle. Spellings
// of one file path share a handle.
func (e *Executor) LoadBundle(ctx context.Context, path string) (*Bundle, error) {
	key := bundleKey(path)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if b, ok := e.bundles[key]; ok {
		e.mu.Unlock()
		return b, nil
	}
	e.mu.Unlock()

	src, err := e.cfg.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.addBundle(key, src)
}

// bundleKey cleans path, and makes it absolute when it names something on
// disk. Registered names that are not files are left alone.
func bundleKey(path string) string {
	clean := filepath.Clean(path)
	if _, err := os.Stat(clean); err != nil {
		return clean
	}
	if abs, err := filepath.Abs(clean); err == nil {
		return abs
	}
	return clean
}

// AddBundle wraps an in-memory source under its name. Adding the same source
// again returns the same handle; a different source under a taken name gets
// a handle reachable only by its id.
func (e *Executor) AddBundle(src bundle.Source) (*Bundle, error) {
	return e.addBundle(src.Name(), src)
}

func (e *Executor) addBundle(key string, src bundle.Source) (*Bundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrPoolClosed
	}
	if b, ok := e.bundles[key]; ok && b.src == src {
		return b, nil
	}
	b := &Bundle{exec: e, id: uuid.New(), path: key, src: src}
	if _, ok := e.bundles[key]; !ok {
		e.bundles[key] = b
	}
	if _, ok := e.bundles[b.id.String()]; !ok {
		e.bundles[b.id.String()] = b
	}

	e.logger.Info().Str("bundle", src.Name()).Str("id", b.id.String()).Msg("bundle added")
	return b, nil
}

// Bundle returns a loaded bundle by path, name, or id.
func (e *Executor) Bundle(key string) (*Bundle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bundles[key]
	return b, ok
}

func (e *Executor) Stats() Stats {
	leased, waiting, closed := e.leases.stats()
	return Stats{
		Instances: len(e.instances),
		Leased:    leased,
		Waiting:   waiting,
		Closed:    closed,
	}
}

// Close fails every waiting and future Acquire with ErrPoolClosed and tears
// down all instances. Sessions still open must not be used afterwards.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.done.Store(true)
	e.leases.close()

	ctx := context.Background()

	var errs []error
	for _, inst := range e.instances {
		if err := inst.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Debug().Int("instances", len(e.instances)).Msg("executor closed")
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "fleet")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "fleet")
	}
	return filepath.Join(os.TempDir(), "fleet-cache")
}
