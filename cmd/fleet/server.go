package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/executor"
	"github.com/caffeineduck/fleet/value"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type loadBundleRequest struct {
	Path string `json:"path" binding:"required"`
}

type invokeRequest struct {
	Target string            `json:"target" binding:"required"`
	Args   []json.RawMessage `json:"args"`
}

// server exposes an executor over HTTP. Replicated exports are created on
// first invoke and reused, so repeated calls spread over warm instances.
type server struct {
	exec    *executor.Executor
	logger  zerolog.Logger
	reg     *prometheus.Registry
	started time.Time

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	creating singleflight.Group
	mu       sync.Mutex
	closed   bool
	replicas map[string]*executor.Replicated
}

func newServer(exec *executor.Executor, logger zerolog.Logger, reg *prometheus.Registry) (*server, error) {
	s := &server{
		exec:     exec,
		logger:   logger,
		reg:      reg,
		started:  time.Now(),
		replicas: make(map[string]*executor.Replicated),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleet",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleet",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	for _, c := range []prometheus.Collector{s.httpRequests, s.httpDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *server) router(corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(s.requestMetrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/health", s.health)
	r.GET("/stats", s.stats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	r.POST("/bundles", s.loadBundle)
	r.POST("/bundles/:id/invoke", s.invoke)
	r.GET("/bundles/:id/values/:key", s.readValue)
	return r
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.started).String(),
		"instances": s.exec.Size(),
	})
}

func (s *server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.exec.Stats())
}

func (s *server) loadBundle(c *gin.Context) {
	var req loadBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := s.exec.LoadBundle(c.Request.Context(), req.Path)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":   b.ID().String(),
		"name": b.Name(),
		"path": b.Path(),
	})
}

func (s *server) invoke(c *gin.Context) {
	b, ok := s.exec.Bundle(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "bundle not loaded"})
		return
	}

	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	module, name, ok := splitTarget(req.Target)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target must be module.export"})
		return
	}

	args := make([]value.Value, len(req.Args))
	for i, raw := range req.Args {
		v, err := value.FromJSON(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "arg " + strconv.Itoa(i) + ": " + err.Error()})
			return
		}
		args[i] = v
	}

	ctx := c.Request.Context()
	fn, err := s.replicated(b.ID().String()+"/"+req.Target, func() (*executor.Replicated, error) {
		return b.LoadGlobal(ctx, module, name)
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	res, err := fn.Invoke(ctx, args...)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.respondValue(c, "result", res)
}

func (s *server) readValue(c *gin.Context) {
	b, ok := s.exec.Bundle(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "bundle not loaded"})
		return
	}

	key := c.Param("key")
	ctx := c.Request.Context()
	obj, err := s.replicated(b.ID().String()+"["+key+"]", func() (*executor.Replicated, error) {
		return b.LoadValue(ctx, key)
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	v, err := obj.Value(ctx)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.respondValue(c, "value", v)
}

func (s *server) respondValue(c *gin.Context, field string, v value.Value) {
	data, err := value.ToJSON(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{field: json.RawMessage(data)})
}

// replicated returns the cached object for key, creating it with create on
// first use. Failed creations are not cached.
// replicated returns the cached replica under key, creating it on first use.
// Creation can block on a free instance, so it runs outside s.mu and
// concurrent requests for one key share a single creation.
func (s *server) replicated(key string, create func() (*executor.Replicated, error)) (*executor.Replicated, error) {
	s.mu.Lock()
	r, ok := s.replicas[key]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	v, err, _ := s.creating.Do(key, func() (any, error) {
		s.mu.Lock()
		r, ok := s.replicas[key]
		s.mu.Unlock()
		if ok {
			return r, nil
		}

		r, err := create()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			r.Close()
			return nil, executor.ErrPoolClosed
		}
		s.replicas[key] = r
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*executor.Replicated), nil
}

func (s *server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, r := range s.replicas {
		r.Close()
		delete(s.replicas, key)
	}
}

func (s *server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := strconv.Itoa(c.Writer.Status())
		s.httpRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		s.httpDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bundle.ErrNotFound),
		errors.Is(err, bundle.ErrValueNotFound),
		errors.Is(err, executor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bundle.ErrCorrupt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, executor.ErrArity),
		errors.Is(err, executor.ErrNotCallable),
		errors.Is(err, value.ErrUnrepresentable),
		errors.Is(err, value.ErrMismatch):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
