package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/executor"
	"github.com/caffeineduck/fleet/internal/config"
	"github.com/caffeineduck/fleet/internal/logging"
	"github.com/caffeineduck/fleet/value"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	v       = config.New()
	cfgFile string

	// catalog resolves bundle names before falling back to the filesystem.
	// Tests register in-memory bundles here.
	catalog = bundle.NewCatalog(bundle.FileLoader{})
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Run wasm bundles on a pool of isolated instances",
	Long: `fleet - Load wasm bundles into a fixed pool of isolated runtime instances
and call into them concurrently.

A bundle is a directory or .zip holding a bundle.toml manifest, wasm modules
and named values. Objects derived from a bundle are replicated per instance
on first use, so calls spread over the whole pool.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./fleet.yaml, ~/.config/fleet/fleet.yaml)")
	flags.IntP("instances", "n", 4, "Number of runtime instances")
	flags.String("balancer", "round_robin", "Replica balancer: round_robin, first_free")
	flags.String("memory", "", "Per-instance memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	flags.Bool("disk-cache", false, "Persist compiled modules on disk")
	flags.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flags.Bool("human", false, "Human readable log output")

	v.BindPFlag("pool.instances", flags.Lookup("instances"))
	v.BindPFlag("pool.balancer", flags.Lookup("balancer"))
	v.BindPFlag("pool.disk_cache", flags.Lookup("disk-cache"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
}

// setup loads configuration and initializes logging for a command.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	if human, _ := cmd.Flags().GetBool("human"); human {
		cfg.Log.Format = "human"
	}
	if mem, _ := cmd.Flags().GetString("memory"); mem != "" {
		pages, err := parseMemoryLimit(mem)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		cfg.Pool.MemoryLimitPages = pages
	}

	logger, err := logging.Init(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func newExecutor(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*executor.Executor, error) {
	balancer, err := executor.BalancerByName(cfg.Pool.Balancer)
	if err != nil {
		return nil, err
	}

	opts := []executor.Option{
		executor.WithLoader(catalog),
		executor.WithLogger(logger),
		executor.WithBalancer(balancer),
	}
	if cfg.Pool.MemoryLimitPages > 0 {
		opts = append(opts, executor.WithMemoryLimit(cfg.Pool.MemoryLimitPages))
	}
	if cfg.Pool.DiskCache {
		opts = append(opts, executor.WithDiskCache(cfg.Pool.CacheDir))
	}
	if reg != nil {
		opts = append(opts, executor.WithMetrics(reg))
	}
	return executor.New(cfg.Pool.Instances, opts...)
}

// loadTarget loads a bundle and replicates module.export from it.
func loadTarget(ctx context.Context, exec *executor.Executor, path, target string) (*executor.Replicated, error) {
	b, err := exec.LoadBundle(ctx, path)
	if err != nil {
		return nil, err
	}
	module, name, ok := splitTarget(target)
	if !ok {
		return nil, fmt.Errorf("invalid target %q (expected module.export)", target)
	}
	return b.LoadGlobal(ctx, module, name)
}

func splitTarget(target string) (module, name string, ok bool) {
	i := strings.LastIndexByte(target, '.')
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// parseArg reads a command line argument as an int, float, bool or JSON
// document, falling back to a plain string.
func parseArg(s string) value.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return value.Bool(b)
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") || strings.HasPrefix(s, `"`) {
		if v, err := value.FromJSON([]byte(s)); err == nil {
			return v
		}
	}
	return value.String(s)
}

func parseArgs(args []string) []value.Value {
	out := make([]value.Value, len(args))
	for i, a := range args {
		out[i] = parseArg(a)
	}
	return out
}

func formatValue(v value.Value) string {
	data, err := value.ToJSON(v)
	if err != nil {
		return v.String()
	}
	return string(data)
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "1mb":
		return executor.MemoryLimit1MB, nil
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("unknown memory limit %q: use 1mb, 16mb, 64mb, 256mb or 1gb", s)
	}
}
