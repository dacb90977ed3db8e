package bundle

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caffeineduck/fleet/value"
	"github.com/tetratelabs/wazero"
)

// ManifestFile is the manifest every package carries at its root.
const ManifestFile = "bundle.toml"

// Manifest describes a package.
//
//	name = "simple"
//
//	[[modules]]
//	name = "math"
//	path = "math.wasm"
//	abi  = "scalar"
//
//	[values]
//	example = "example.json"
type Manifest struct {
	Name    string            `toml:"name"`
	Version string            `toml:"version"`
	Modules []ModuleSpec      `toml:"modules"`
	Values  map[string]string `toml:"values"`
}

type ModuleSpec struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
	ABI  ABI    `toml:"abi"`
}

// Package is a bundle read from a directory or a .zip archive. All files are
// read at open; modules are compiled per runtime on materialization.
type Package struct {
	manifest Manifest
	codec    value.Codec
	modules  map[string][]byte
	values   map[string][]byte
}

// Open reads the package at p. Missing paths report ErrNotFound; a bad
// manifest or a missing referenced file reports ErrCorrupt.
func Open(p string, codec value.Codec) (*Package, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("open bundle %s: %w", p, err)
	}

	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))

	if info.IsDir() {
		return OpenFS(os.DirFS(p), name, codec)
	}

	if !strings.EqualFold(filepath.Ext(p), ".zip") {
		return nil, corrupt("%s: not a directory or .zip archive", p)
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, corrupt("%s: %v", p, err)
	}
	defer zr.Close()

	return OpenFS(&zr.Reader, name, codec)
}

// OpenFS reads a package rooted at fsys. defaultName is used when the
// manifest does not name the package.
func OpenFS(fsys fs.FS, defaultName string, codec value.Codec) (*Package, error) {
	if codec == nil {
		codec = value.JSON
	}

	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, corrupt("read %s: %v", ManifestFile, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, corrupt("parse %s: %v", ManifestFile, err)
	}
	if m.Name == "" {
		m.Name = defaultName
	}

	p := &Package{
		manifest: m,
		codec:    codec,
		modules:  make(map[string][]byte, len(m.Modules)),
		values:   make(map[string][]byte, len(m.Values)),
	}

	for i := range m.Modules {
		entry := &m.Modules[i]
		if entry.Name == "" {
			return nil, corrupt("module %d has no name", i)
		}
		if _, dup := p.modules[entry.Name]; dup {
			return nil, corrupt("duplicate module %q", entry.Name)
		}
		if entry.ABI == "" {
			entry.ABI = ABIScalar
		}
		if !entry.ABI.valid() {
			return nil, corrupt("module %q: unknown abi %q", entry.Name, entry.ABI)
		}
		wasm, err := fs.ReadFile(fsys, path.Clean(entry.Path))
		if err != nil {
			return nil, corrupt("module %q: %v", entry.Name, err)
		}
		p.modules[entry.Name] = wasm
	}

	for key, file := range m.Values {
		payload, err := fs.ReadFile(fsys, path.Clean(file))
		if err != nil {
			return nil, corrupt("value %q: %v", key, err)
		}
		p.values[key] = payload
	}

	return p, nil
}

func (p *Package) Name() string {
	return p.manifest.Name
}

// Manifest returns a copy of the package manifest.
func (p *Package) Manifest() Manifest {
	m := p.manifest
	m.Modules = append([]ModuleSpec(nil), p.manifest.Modules...)
	m.Values = make(map[string]string, len(p.manifest.Values))
	for k, v := range p.manifest.Values {
		m.Values[k] = v
	}
	return m
}

// Keys lists the value keys in sorted order.
func (p *Package) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Package) Materialize(ctx context.Context, rt wazero.Runtime) ([]Module, error) {
	mods := make([]Module, 0, len(p.manifest.Modules))
	for _, entry := range p.manifest.Modules {
		compiled, err := rt.CompileModule(ctx, p.modules[entry.Name])
		if err != nil {
			closeAll(ctx, mods)
			return nil, corrupt("compile module %q: %v", entry.Name, err)
		}

		cfg := wazero.NewModuleConfig().
			WithName(entry.Name).
			WithStartFunctions("_initialize")

		mod, err := rt.InstantiateModule(ctx, compiled, cfg)
		if err != nil {
			closeAll(ctx, mods)
			return nil, fmt.Errorf("instantiate module %q: %w", entry.Name, err)
		}
		mods = append(mods, Module{Name: entry.Name, Module: mod, ABI: entry.ABI})
	}
	return mods, nil
}

func (p *Package) Value(_ context.Context, key string) (value.Value, error) {
	payload, ok := p.values[key]
	if !ok {
		return value.Value{}, fmt.Errorf("%w: %s/%s", ErrValueNotFound, p.manifest.Name, key)
	}
	v, err := p.codec.Unmarshal(payload)
	if err != nil {
		return value.Value{}, fmt.Errorf("read %s/%s: %w", p.manifest.Name, key, err)
	}
	return v, nil
}

// ModuleNames lists the modules in manifest order.
func (p *Package) ModuleNames() []string {
	names := make([]string, len(p.manifest.Modules))
	for i, entry := range p.manifest.Modules {
		names[i] = entry.Name
	}
	return names
}
