package executor

import (
	"context"
	"fmt"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/google/uuid"
)

// Bundle is an executor's handle on a loaded bundle source. It is
// materialized lazily, once per instance, the first time a session on that
// instance needs it.
type Bundle struct {
	exec *Executor
	id   uuid.UUID
	path string
	src  bundle.Source
}

func (b *Bundle) ID() uuid.UUID { return b.id }

func (b *Bundle) Name() string { return b.src.Name() }

// Path is the path or name the bundle was loaded under.
func (b *Bundle) Path() string { return b.path }

func (b *Bundle) Source() bundle.Source { return b.src }

// Load makes the bundle's modules part of s's namespace. Loading twice in the
// same instance is a no-op.
func (b *Bundle) Load(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	return b.load(ctx, s)
}

func (b *Bundle) load(ctx context.Context, s *Session) error {
	in := s.inst
	if in.bundles[b] {
		return nil
	}
	for _, name := range moduleNames(b.src) {
		if in.taken(name) {
			return fmt.Errorf("%w: %s in bundle %s", ErrDuplicateModule, name, b.Name())
		}
	}

	in.enter()
	mods, err := b.src.Materialize(hostfunc.WithInstance(ctx, in.id), in.rt)
	in.exit()
	if err != nil {
		return fmt.Errorf("load bundle %s in instance %d: %w", b.Name(), in.id, err)
	}
	if err := in.register(b, mods); err != nil {
		for _, m := range mods {
			_ = m.Module.Close(ctx)
		}
		return err
	}

	b.exec.metrics.recordMaterialize(in.id, "bundle")
	b.exec.logger.Debug().
		Int("instance", in.id).
		Str("bundle", b.Name()).
		Int("modules", len(mods)).
		Msg("bundle materialized")
	return nil
}

// ReadValue decodes the named value inside s's instance.
func (b *Bundle) ReadValue(ctx context.Context, s *Session, key string) (*Object, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	if err := b.load(ctx, s); err != nil {
		return nil, err
	}
	v, err := b.src.Value(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.newObject(&cell{kind: KindValue, val: v}, valueRecipe{bundle: b, key: key}), nil
}

// LoadValue reads key into whichever instance is free and replicates it.
func (b *Bundle) LoadValue(ctx context.Context, key string) (*Replicated, error) {
	s, err := b.exec.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	obj, err := b.ReadValue(ctx, s, key)
	if err != nil {
		return nil, err
	}
	return s.Replicate(obj)
}

// LoadGlobal replicates the export module.name of this bundle.
func (b *Bundle) LoadGlobal(ctx context.Context, module, name string) (*Replicated, error) {
	s, err := b.exec.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := b.Load(ctx, s); err != nil {
		return nil, err
	}
	if m, ok := s.inst.modules[module]; !ok || m.bundle != b {
		return nil, fmt.Errorf("%w: module %q in bundle %s", ErrNotFound, module, b.Name())
	}
	obj, err := s.Global(module, name)
	if err != nil {
		return nil, err
	}
	return s.Replicate(obj)
}
