// Package bundle loads code and data units that the executor materializes
// lazily, one runtime instance at a time.
//
// A [Source] knows how to instantiate its modules into a wazero runtime and how
// to read its named values. Sources come from on-disk packages ([Open]),
// in-memory Go host modules ([NewHost]), or a [Catalog] that resolves names to
// either.
package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/fleet/value"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var (
	ErrNotFound      = errors.New("bundle not found")
	ErrValueNotFound = errors.New("bundle value not found")
	ErrCorrupt       = errors.New("bundle corrupt")
)

// ABI selects how arguments and results cross into a module's exports.
type ABI string

const (
	// ABIScalar maps wasm numeric params and results to int and float values.
	ABIScalar ABI = "scalar"
	// ABIBuffer passes one codec-encoded argument tuple through guest memory.
	// The module exports Alloc(len i32) i64 returning ptr<<32|len, and every
	// callable takes and returns a packed ptr<<32|len i64.
	ABIBuffer ABI = "buffer"
)

func (a ABI) valid() bool {
	return a == ABIScalar || a == ABIBuffer
}

// Module is one instantiated module of a bundle inside one runtime.
type Module struct {
	Name   string
	Module api.Module
	ABI    ABI
}

// Source is a loaded bundle. Materialize is called at most once per runtime
// instance; Value is safe for concurrent use.
type Source interface {
	Name() string
	Materialize(ctx context.Context, rt wazero.Runtime) ([]Module, error)
	Value(ctx context.Context, key string) (value.Value, error)
}

// Loader resolves a bundle path or name to a Source.
type Loader interface {
	Load(ctx context.Context, path string) (Source, error)
}

// closeAll undoes a partial materialization so a later attempt starts clean.
func closeAll(ctx context.Context, mods []Module) {
	for _, m := range mods {
		_ = m.Module.Close(ctx)
	}
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
