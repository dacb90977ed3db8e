package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/caffeineduck/fleet/bundle"
	"github.com/caffeineduck/fleet/hostfunc"
	"github.com/caffeineduck/fleet/value"
)

// Session is an exclusive lease on one instance. Calls through a session run
// one at a time on the calling goroutine. Objects it returns are valid only
// until Close, unless promoted.
type Session struct {
	exec   *Executor
	inst   *instance
	lease  uint64
	scoped []uint64

	mu     sync.Mutex
	execMu sync.Mutex
	closed bool
}

// Instance returns the id of the leased instance.
func (s *Session) Instance() int { return s.inst.id }

func (s *Session) begin() error {
	s.execMu.Lock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.execMu.Unlock()
		return ErrSessionClosed
	}
	if s.exec.done.Load() {
		s.execMu.Unlock()
		return ErrPoolClosed
	}
	return nil
}

func (s *Session) end() {
	s.execMu.Unlock()
}

// resolve checks that o may be used here and returns its heap cell.
func (s *Session) resolve(o *Object) (*cell, error) {
	if o == nil {
		panic("executor: nil object")
	}
	if o.inst != s.inst {
		panic(&CrossInstanceError{Object: o.inst.id, Session: s.inst.id, Reason: "object belongs to another instance"})
	}
	if o.lease != 0 && o.lease != s.lease {
		panic(&CrossInstanceError{Object: o.inst.id, Session: s.inst.id, Reason: "scoped object outlived its session"})
	}
	if o.owner != nil && o.owner.released.Load() {
		return nil, ErrObjectReleased
	}
	if o.kind == KindNamespace {
		return &cell{kind: KindNamespace}, nil
	}
	c, ok := s.inst.heap[o.slot]
	if !ok {
		return nil, ErrObjectReleased
	}
	return c, nil
}

func (s *Session) newObject(c *cell, r recipe) *Object {
	slot := s.inst.store(c)
	s.scoped = append(s.scoped, slot)
	return &Object{inst: s.inst, slot: slot, lease: s.lease, kind: c.kind, recipe: r}
}

// Namespace returns the instance's top-level namespace, whose attributes are
// the modules of every bundle loaded here.
func (s *Session) Namespace() (*Object, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	return &Object{inst: s.inst, lease: s.lease, kind: KindNamespace, recipe: namespaceRecipe{}}, nil
}

// Global returns the function module exports as name.
func (s *Session) Global(module, name string) (*Object, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	m, ok := s.inst.modules[module]
	if !ok {
		return nil, fmt.Errorf("%w: module %q", ErrNotFound, module)
	}
	return s.export(m, name)
}

func (s *Session) export(m *module, name string) (*Object, error) {
	fn := m.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, m.name, name)
	}
	c := &cell{kind: KindFunction, mod: m, fn: fn, name: name}
	return s.newObject(c, globalRecipe{bundle: m.bundle, module: m.name, name: name}), nil
}

// Lookup resolves a dotted path: "" is the namespace, "math" a module and
// "math.add" an export.
func (s *Session) Lookup(path string) (*Object, error) {
	if path == "" {
		return s.Namespace()
	}
	i := strings.LastIndex(path, ".")
	if i < 0 {
		ns, err := s.Namespace()
		if err != nil {
			return nil, err
		}
		return s.Attr(ns, path)
	}
	return s.Global(path[:i], path[i+1:])
}

// Attr looks up a named capability on obj: a module of the namespace, an
// export of a module, or a field of a dict value.
func (s *Session) Attr(obj *Object, name string) (*Object, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	c, err := s.resolve(obj)
	if err != nil {
		return nil, err
	}

	switch c.kind {
	case KindNamespace:
		m, ok := s.inst.modules[name]
		if !ok {
			return nil, fmt.Errorf("%w: module %q", ErrNotFound, name)
		}
		mc := &cell{kind: KindModule, mod: m, name: name}
		return s.newObject(mc, moduleRecipe{bundle: m.bundle, module: name}), nil
	case KindModule:
		return s.export(c.mod, name)
	case KindValue:
		field, ok := c.val.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: field %q", ErrNotFound, name)
		}
		return s.newObject(&cell{kind: KindValue, val: field}, attrRecipe{parent: obj.recipe, name: name}), nil
	}
	return nil, fmt.Errorf("%w: %s has no attribute %q", ErrNotFound, c.kind, name)
}

// Call runs fn inside the leased instance. References among args are
// replaced by the values they point to. The result stays in the instance as
// a scoped object.
func (s *Session) Call(ctx context.Context, fn *Object, args ...value.Value) (*Object, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	c, err := s.resolve(fn)
	if err != nil {
		return nil, err
	}
	if c.kind != KindFunction {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, c.kind)
	}

	plain := make([]value.Value, len(args))
	for i, a := range args {
		if plain[i], err = s.deref(a); err != nil {
			return nil, err
		}
	}

	res, err := s.invoke(hostfunc.WithInstance(ctx, s.inst.id), c, plain)
	s.exec.metrics.recordCall(s.inst.id, err)
	if err != nil {
		return nil, err
	}
	return s.newObject(&cell{kind: KindValue, val: res}, callRecipe{fn: fn.recipe, args: plain}), nil
}

func (s *Session) invoke(ctx context.Context, c *cell, args []value.Value) (value.Value, error) {
	s.inst.enter()
	defer s.inst.exit()

	if c.mod.abi == bundle.ABIBuffer {
		return callBuffer(ctx, s.exec.cfg.codec, c.mod.mod, c.name, c.fn, args)
	}
	return callScalar(ctx, c.name, c.fn, args)
}

// deref replaces every reference in v with a copy of the value it names.
func (s *Session) deref(v value.Value) (value.Value, error) {
	return v.Map(func(x value.Value) (value.Value, error) {
		r, ok := x.AsRef()
		if !ok {
			return x, nil
		}
		if r.Instance != s.inst.id {
			panic(&CrossInstanceError{Object: r.Instance, Session: s.inst.id, Reason: "reference belongs to another instance"})
		}
		if r.Lease != 0 && r.Lease != s.lease {
			panic(&CrossInstanceError{Object: r.Instance, Session: s.inst.id, Reason: "scoped reference outlived its session"})
		}
		c, ok := s.inst.heap[r.Slot]
		if !ok {
			return value.Value{}, ErrObjectReleased
		}
		if c.kind != KindValue {
			return value.Value{}, fmt.Errorf("%w: reference to %s", value.ErrUnrepresentable, c.kind)
		}
		return c.val.Clone(), nil
	})
}

// Value copies the value obj holds out of the instance. Functions, modules
// and the namespace have no value form.
func (s *Session) Value(obj *Object) (value.Value, error) {
	if err := s.begin(); err != nil {
		return value.Value{}, err
	}
	defer s.end()

	c, err := s.resolve(obj)
	if err != nil {
		return value.Value{}, err
	}
	if c.kind != KindValue {
		return value.Value{}, fmt.Errorf("%w: %s handle", value.ErrUnrepresentable, c.kind)
	}
	return c.val.Clone(), nil
}

// Put copies v into the instance.
func (s *Session) Put(v value.Value) (*Object, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	plain, err := s.deref(v)
	if err != nil {
		return nil, err
	}
	return s.newObject(&cell{kind: KindValue, val: plain}, literalRecipe{v: plain.Clone()}), nil
}

// Promote pins obj so it survives the session. The caller must Release it.
func (s *Session) Promote(obj *Object) (*Owned, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	return s.promote(obj)
}

func (s *Session) promote(obj *Object) (*Owned, error) {
	c, err := s.resolve(obj)
	if err != nil {
		return nil, err
	}

	owned := &Owned{}
	owned.obj = Object{inst: s.inst, owner: owned, kind: c.kind, recipe: obj.recipe}
	if c.kind != KindNamespace {
		pinned := *c
		owned.obj.slot = s.inst.store(&pinned)
	}
	return owned, nil
}

// Materialized reports whether b is loaded in this session's instance.
func (s *Session) Materialized(b *Bundle) bool {
	if err := s.begin(); err != nil {
		return false
	}
	defer s.end()

	return s.inst.bundles[b]
}

// Replicate makes obj available on every instance. The copy in this instance
// is taken over immediately; other instances rebuild it on first use by
// replaying how obj was produced.
func (s *Session) Replicate(obj *Object) (*Replicated, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	if obj.recipe == nil {
		return nil, ErrNotReplicable
	}
	owned, err := s.promote(obj)
	if err != nil {
		return nil, err
	}
	r := s.exec.newReplicated(obj.recipe, obj.kind)
	r.adopt(s.inst.id, owned)
	return r, nil
}

// Close frees the session's scoped objects and returns the instance to the
// pool. It is safe to call more than once; the instance is released once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.execMu.Lock()
	for _, slot := range s.scoped {
		delete(s.inst.heap, slot)
	}
	s.scoped = nil
	s.inst.drainDrops()
	s.execMu.Unlock()

	s.exec.release(s.inst.id)
	return nil
}
