// Package wasmtest provides a tiny hand-assembled wasm module and helpers that
// lay it out as a bundle package for tests.
package wasmtest

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/fleet/value"
	"github.com/stretchr/testify/require"
)

// Module exports:
//
//	memory               one page
//	Alloc(n i32) i64     bump allocator from 1024, returns ptr<<32|n
//	echo(x i64) i64      returns x
//	add(a, b i64) i64    returns a+b
//
// Under the buffer ABI echo hands back its argument tuple unchanged.
var Module = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32)->i64, (i64)->i64, (i64,i64)->i64
	0x01, 0x11, 0x03,
	0x60, 0x01, 0x7f, 0x01, 0x7e,
	0x60, 0x01, 0x7e, 0x01, 0x7e,
	0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7e,
	// functions
	0x03, 0x04, 0x03, 0x00, 0x01, 0x02,
	// memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// heap pointer global, mutable i32 = 1024
	0x06, 0x07, 0x01, 0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b,
	// exports
	0x07, 0x1f, 0x04,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'A', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x04, 'e', 'c', 'h', 'o', 0x00, 0x01,
	0x03, 'a', 'd', 'd', 0x00, 0x02,
	// code
	0x0a, 0x22, 0x03,
	0x13, 0x00,
	0x23, 0x00, 0xad, 0x42, 0x20, 0x86,
	0x20, 0x00, 0xad, 0x84,
	0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00,
	0x0b,
	0x04, 0x00, 0x20, 0x00, 0x0b,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x7c, 0x0b,
}

// Manifest lays Module out twice: "num" with the scalar ABI and "buf" with
// the buffer ABI.
const Manifest = `name = "simple"
version = "0.1.0"

[[modules]]
name = "num"
path = "simple.wasm"
abi = "scalar"

[[modules]]
name = "buf"
path = "simple.wasm"
abi = "buffer"

[values]
example = "values/example.json"
broken = "values/broken.json"
`

// Example is the value stored under the "example" key.
func Example() value.Value {
	return value.Dict(map[string]value.Value{
		"weights": value.TensorValue(value.Ones(10, 20)),
		"layers":  value.Int(2),
		"name":    value.String("simple"),
	})
}

func files(t testing.TB) map[string][]byte {
	t.Helper()

	example, err := value.JSON.Marshal(Example())
	require.NoError(t, err)

	return map[string][]byte{
		"bundle.toml":         []byte(Manifest),
		"simple.wasm":         Module,
		"values/example.json": example,
		"values/broken.json":  []byte(`{"t":"tensor","shape":[`),
	}
}

// WritePackage writes the package as a directory and returns its path.
func WritePackage(t testing.TB) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "simple")
	for name, data := range files(t) {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	return dir
}

// WriteZip writes the package as a .zip archive and returns its path.
func WriteZip(t testing.TB) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "simple.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range files(t) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return p
}
