package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caffeineduck/fleet/bundle"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <bundle>",
	Short: "Print a bundle's manifest",
	Long: `Open a bundle without instantiating it and print what it contains.
Packages print their bundle.toml as parsed, in-memory bundles their module
and value names.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	src, err := catalog.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if p, ok := src.(*bundle.Package); ok {
		return toml.NewEncoder(out).Encode(p.Manifest())
	}

	fmt.Fprintf(out, "name = %q\n", src.Name())
	if l, ok := src.(interface{ ModuleNames() []string }); ok {
		fmt.Fprintf(out, "modules = [%s]\n", quoteAll(l.ModuleNames()))
	}
	if l, ok := src.(interface{ Keys() []string }); ok {
		fmt.Fprintf(out, "values = [%s]\n", quoteAll(l.Keys()))
	}
	return nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}
