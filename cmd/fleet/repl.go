package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/fleet/executor"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl <bundle>",
	Short: "Interactive session pinned to one instance",
	Long: `Start an interactive session that holds one instance for its whole life.
Results of earlier calls stay in the instance, so instance-local state is
observable between commands.

Commands:
  ls                        list modules and values of the bundle
  call <module.export> ...  call an export with arguments
  value <key> [field...]    read a named bundle value or one of its fields
  get <path>                look up a module or export
  instance                  print the leased instance id
  exit, quit                end the session (or Ctrl+D)

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.fleet_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".fleet_history")
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

	ctx := context.Background()
	b, err := exec.LoadBundle(ctx, args[0])
	if err != nil {
		return err
	}

	session, err := exec.Acquire(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := b.Load(ctx, session); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "fleet> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "fleet repl: %s on instance %d (type 'exit' to quit, Ctrl+D to exit)\n", b.Name(), session.Instance())

	r := &repl{out: rl.Stdout(), session: session, bundle: b}
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		quit, err := r.eval(ctx, line)
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// repl evaluates commands against one session.
type repl struct {
	out     io.Writer
	session *executor.Session
	bundle  *executor.Bundle
}

func (r *repl) eval(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch cmd, rest := fields[0], fields[1:]; cmd {
	case "exit", "quit":
		return true, nil

	case "instance":
		fmt.Fprintln(r.out, r.session.Instance())

	case "ls":
		src := r.bundle.Source()
		if l, ok := src.(interface{ ModuleNames() []string }); ok {
			fmt.Fprintf(r.out, "modules: %s\n", strings.Join(l.ModuleNames(), " "))
		}
		if l, ok := src.(interface{ Keys() []string }); ok {
			fmt.Fprintf(r.out, "values:  %s\n", strings.Join(l.Keys(), " "))
		}

	case "call":
		if len(rest) < 1 {
			return false, errors.New("usage: call <module.export> [args...]")
		}
		fn, err := r.session.Lookup(rest[0])
		if err != nil {
			return false, err
		}
		res, err := r.session.Call(ctx, fn, parseArgs(rest[1:])...)
		if err != nil {
			return false, err
		}
		return false, r.print(res)

	case "value":
		if len(rest) < 1 {
			return false, errors.New("usage: value <key> [field...]")
		}
		obj, err := r.bundle.ReadValue(ctx, r.session, rest[0])
		if err != nil {
			return false, err
		}
		for _, field := range rest[1:] {
			if obj, err = r.session.Attr(obj, field); err != nil {
				return false, err
			}
		}
		return false, r.print(obj)

	case "get":
		if len(rest) != 1 {
			return false, errors.New("usage: get <path>")
		}
		obj, err := r.session.Lookup(rest[0])
		if err != nil {
			return false, err
		}
		return false, r.print(obj)

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

// print shows values by content and other handles by kind.
func (r *repl) print(obj *executor.Object) error {
	if obj.Kind() != executor.KindValue {
		fmt.Fprintln(r.out, obj)
		return nil
	}
	v, err := r.session.Value(obj)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, formatValue(v))
	return nil
}
