package executor

import (
	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/value"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option configures the Executor at creation time.
type Option func(*executorConfig)

type executorConfig struct {
	loader           bundle.Loader
	codec            value.Codec
	registry         *hostfunc.Registry // nil means hostfunc.Builtins
	logger           zerolog.Logger
	metrics          prometheus.Registerer
	balancer         BalancerFactory
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		codec:    value.JSON,
		logger:   zerolog.Nop(),
		balancer: RoundRobin,
	}
}

// WithLoader sets how LoadBundle resolves paths. Defaults to a
// bundle.FileLoader using the executor's codec.
func WithLoader(l bundle.Loader) Option {
	return func(c *executorConfig) {
		c.loader = l
	}
}

// WithCodec sets the codec used for buffer-ABI calls and, with the default
// loader, for bundle values.
func WithCodec(codec value.Codec) Option {
	return func(c *executorConfig) {
		c.codec = codec
	}
}

// WithHostRegistry replaces the host functions linked into every instance.
func WithHostRegistry(r *hostfunc.Registry) Option {
	return func(c *executorConfig) {
		c.registry = r
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *executorConfig) {
		c.logger = logger
	}
}

// WithMetrics registers the pool and call collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *executorConfig) {
		c.metrics = reg
	}
}

// WithBalancer sets the policy replicated objects use to pick an instance.
// Defaults to RoundRobin.
func WithBalancer(f BalancerFactory) Option {
	return func(c *executorConfig) {
		c.balancer = f
	}
}

// WithDiskCache persists the compilation cache shared by all instances.
// Optionally provide a custom directory; otherwise uses ~/.cache/fleet or
// XDG_CACHE_HOME/fleet.
//
//	executor.New(4, executor.WithDiskCache())             // default dir
//	executor.New(4, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to each instance's
// modules. Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
