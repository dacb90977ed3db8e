package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/executor"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/internal/testutil/wasmtest"
	"github.com/caffeineduck/fleet/value"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

// counterBundle is an in-memory bundle whose "inc" export counts calls per
// instance.
func counterBundle(name string) *bundle.Host {
	var mu sync.Mutex
	counts := make(map[int]int64)

	h := bundle.NewHost(name)
	h.Module("math").
		Func("add", func(a, b int64) int64 { return a + b }).
		Func("inc", func(ctx context.Context) int64 {
			id, _ := hostfunc.InstanceFromContext(ctx)
			mu.Lock()
			defer mu.Unlock()
			counts[id]++
			return counts[id]
		})
	h.SetValue("config", value.Dict(map[string]value.Value{
		"layers": value.Int(3),
		"name":   value.String(name),
	}))
	return h
}

func TestCLIHelp(t *testing.T) {
	out, _, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"fleet", "run", "repl", "serve", "inspect", "--instances", "--balancer", "--human"} {
		assert.Contains(t, out, phrase)
	}
}

func TestCLIRunHelp(t *testing.T) {
	out, _, err := executeCommand(rootCmd, "run", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"--repeat", "--concurrency", "--timeout", "module.export"} {
		assert.Contains(t, out, phrase)
	}
}

func TestCLIRun(t *testing.T) {
	pkg := wasmtest.WritePackage(t)

	out, _, err := executeCommand(rootCmd, "run", pkg, "num.add", "2", "3",
		"-n", "2", "--repeat", "1", "--concurrency", "1")
	require.NoError(t, err)
	assert.Equal(t, "5\n", out)
}

func TestCLIRunRepeated(t *testing.T) {
	pkg := wasmtest.WriteZip(t)

	out, _, err := executeCommand(rootCmd, "run", pkg, "num.add", "40", "2",
		"-n", "3", "--repeat", "30", "--concurrency", "6")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestCLIRunBufferABI(t *testing.T) {
	pkg := wasmtest.WritePackage(t)

	out, _, err := executeCommand(rootCmd, "run", pkg, "buf.echo", `{"x":[1,2]}`,
		"-n", "1", "--repeat", "1", "--concurrency", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"x":[1,2]}]`, strings.TrimSpace(out))
}

func TestCLIRunErrors(t *testing.T) {
	pkg := wasmtest.WritePackage(t)

	_, _, err := executeCommand(rootCmd, "run", pkg, "add", "-n", "1", "--repeat", "1", "--concurrency", "1")
	assert.ErrorContains(t, err, "module.export")

	_, _, err = executeCommand(rootCmd, "run", pkg, "nope.add", "-n", "1", "--repeat", "1", "--concurrency", "1")
	assert.ErrorIs(t, err, executor.ErrNotFound)

	_, _, err = executeCommand(rootCmd, "run", pkg, "num.add", "1", "-n", "1", "--repeat", "1", "--concurrency", "1")
	assert.ErrorIs(t, err, executor.ErrArity)

	_, _, err = executeCommand(rootCmd, "run", pkg, "num.add", "-n", "1", "--repeat", "0", "--concurrency", "1")
	assert.Error(t, err)
}

func TestCLIInspect(t *testing.T) {
	out, _, err := executeCommand(rootCmd, "inspect", wasmtest.WritePackage(t))
	require.NoError(t, err)
	assert.Contains(t, out, `name = "simple"`)
	assert.Contains(t, out, `abi = "buffer"`)
	assert.Contains(t, out, `example = "values/example.json"`)

	catalog.Register(counterBundle("inspect-host"))
	out, _, err = executeCommand(rootCmd, "inspect", "inspect-host")
	require.NoError(t, err)
	assert.Contains(t, out, `modules = ["math"]`)
	assert.Contains(t, out, `values = ["config"]`)
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want value.Value
	}{
		{"42", value.Int(42)},
		{"-7", value.Int(-7)},
		{"2.5", value.Float(2.5)},
		{"true", value.Bool(true)},
		{"hello", value.String("hello")},
		{`"quoted"`, value.String("quoted")},
		{"[1,2]", value.List(value.Int(1), value.Int(2))},
		{`{"a":1}`, value.Dict(map[string]value.Value{"a": value.Int(1)})},
		{"{broken", value.String("{broken")},
	}
	for _, tt := range tests {
		got := parseArg(tt.in)
		assert.True(t, got.Equal(tt.want), "parseArg(%q) = %s, want %s", tt.in, got, tt.want)
	}
}

func TestSplitTarget(t *testing.T) {
	m, n, ok := splitTarget("a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "a.b", m)
	assert.Equal(t, "c", n)

	for _, bad := range []string{"", "abc", ".abc", "abc."} {
		_, _, ok := splitTarget(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseMemoryLimit(t *testing.T) {
	pages, err := parseMemoryLimit("16MB")
	require.NoError(t, err)
	assert.Equal(t, executor.MemoryLimit16MB, pages)

	_, err = parseMemoryLimit("2tb")
	assert.Error(t, err)
}

func TestReplEval(t *testing.T) {
	ctx := context.Background()
	exec, err := executor.New(2)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })

	b, err := exec.AddBundle(counterBundle("repl"))
	require.NoError(t, err)
	s, err := exec.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, b.Load(ctx, s))

	var out bytes.Buffer
	r := &repl{out: &out, session: s, bundle: b}
	eval := func(line string) string {
		t.Helper()
		out.Reset()
		quit, err := r.eval(ctx, line)
		require.NoError(t, err, line)
		require.False(t, quit)
		return strings.TrimSpace(out.String())
	}

	assert.Equal(t, "5", eval("call math.add 2 3"))
	assert.Equal(t, "1", eval("call math.inc"))
	assert.Equal(t, "2", eval("call math.inc"))
	assert.Equal(t, "3", eval("value config layers"))
	assert.JSONEq(t, `{"layers":3,"name":"repl"}`, eval("value config"))
	assert.Contains(t, eval("get math.add"), "function@")
	assert.Contains(t, eval("ls"), "modules: math")
	assert.Equal(t, "", eval(""))
	assert.NotEmpty(t, eval("instance"))

	_, err = r.eval(ctx, "bogus")
	assert.Error(t, err)
	_, err = r.eval(ctx, "call")
	assert.Error(t, err)
	_, err = r.eval(ctx, "value missing")
	assert.ErrorIs(t, err, bundle.ErrValueNotFound)

	quit, err := r.eval(ctx, "exit")
	require.NoError(t, err)
	assert.True(t, quit)
}
