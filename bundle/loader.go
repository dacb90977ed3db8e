package bundle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caffeineduck/fleet/value"
)

// FileLoader opens packages from the filesystem.
type FileLoader struct {
	Codec value.Codec
}

func (l FileLoader) Load(_ context.Context, path string) (Source, error) {
	return Open(path, l.Codec)
}

// Catalog resolves registered sources by name and defers everything else to
// a fallback loader.
type Catalog struct {
	mu       sync.RWMutex
	sources  map[string]Source
	fallback Loader
}

// NewCatalog returns a catalog. A nil fallback reports unknown names as
// ErrNotFound.
func NewCatalog(fallback Loader) *Catalog {
	return &Catalog{sources: make(map[string]Source), fallback: fallback}
}

// Register makes src loadable under its name, replacing any previous source.
func (c *Catalog) Register(src Source) {
	c.mu.Lock()
	c.sources[src.Name()] = src
	c.mu.Unlock()
}

func (c *Catalog) Load(ctx context.Context, path string) (Source, error) {
	c.mu.RLock()
	src, ok := c.sources[path]
	c.mu.RUnlock()
	if ok {
		return src, nil
	}
	if c.fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return c.fallback.Load(ctx, path)
}

// Names lists registered sources in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
