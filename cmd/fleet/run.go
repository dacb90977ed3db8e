package main

import (
	"context"
	"fmt"
	"time"

	"github.com/caffeineduck/fleet/value"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run <bundle> <module.export> [args...]",
	Short: "Call a bundle export across the pool",
	Long: `Load a bundle, replicate one of its exports and call it.

Arguments are parsed as ints, floats, bools or JSON, anything else is passed
as a string. With --repeat the call is made several times from --concurrency
goroutines and every result must agree.

  fleet run ./simple num.add 2 3
  fleet run ./simple.zip buf.echo '{"x":[1,2]}' --repeat 100 --concurrency 8`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("repeat", 1, "Number of calls to make")
	runCmd.Flags().Int("concurrency", 1, "Goroutines making calls")
	runCmd.Flags().Duration("timeout", 0, "Overall timeout (0 = none)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	repeat, _ := cmd.Flags().GetInt("repeat")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if repeat < 1 || concurrency < 1 {
		return fmt.Errorf("--repeat and --concurrency must be at least 1")
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	exec, err := newExecutor(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer exec.Close()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fn, err := loadTarget(ctx, exec, args[0], args[1])
	if err != nil {
		return err
	}
	defer fn.Close()

	callArgs := parseArgs(args[2:])
	results := make([]value.Value, repeat)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range repeat {
		g.Go(func() error {
			res, err := fn.Invoke(gctx, callArgs...)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	for i, res := range results[1:] {
		if !res.Equal(results[0]) {
			return fmt.Errorf("call %d returned %s, call 0 returned %s", i+1, formatValue(res), formatValue(results[0]))
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatValue(results[0]))
	if repeat > 1 {
		logger.Info().
			Int("calls", repeat).
			Int("concurrency", concurrency).
			Int("instances", exec.Size()).
			Dur("elapsed", elapsed).
			Msg("run finished")
	}
	return nil
}
