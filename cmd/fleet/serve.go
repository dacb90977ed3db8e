package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for bundle calls",
	Long: `Start an HTTP server that loads bundles and calls into them on the pool.

Endpoints:
  GET    /health                      Health check
  GET    /stats                       Pool occupancy
  GET    /metrics                     Prometheus metrics
  POST   /bundles                     Load a bundle, body {"path":"..."}
  POST   /bundles/{id}/invoke         Call an export, body {"target":"mod.fn","args":[...]}
  GET    /bundles/{id}/values/{key}   Read a named value

{id} is the id returned by POST /bundles.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	serveCmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origin (repeatable)")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	v.BindPFlag("server.cors_origins", serveCmd.Flags().Lookup("cors-origin"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exec, err := newExecutor(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer exec.Close()

	srv, err := newServer(exec, logger, reg)
	if err != nil {
		return err
	}
	defer srv.close()

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.router(cfg.Server.CorsOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Int("instances", exec.Size()).
			Msg("fleet server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
