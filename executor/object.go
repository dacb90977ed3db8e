package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/caffeineduck/fleet/value"
)

type ObjectKind int

const (
	KindNamespace ObjectKind = iota
	KindModule
	KindFunction
	KindValue
)

var objectKindNames = [...]string{"namespace", "module", "function", "value"}

func (k ObjectKind) String() string {
	if int(k) < len(objectKindNames) {
		return objectKindNames[k]
	}
	return fmt.Sprintf("ObjectKind(%d)", int(k))
}

// Object is a handle to something living in one instance's heap. A scoped
// object is valid only inside the session that produced it; the one from
// Owned.Object stays valid in any session on its instance until released.
type Object struct {
	inst   *instance
	slot   uint64
	lease  uint64 // 0 when owned
	owner  *Owned
	kind   ObjectKind
	recipe recipe
}

func (o *Object) Instance() int { return o.inst.id }

func (o *Object) Kind() ObjectKind { return o.kind }

// Ref returns a reference that can be passed as a call argument from a
// session on the same instance.
func (o *Object) Ref() value.Value {
	return value.RefTo(value.Ref{Instance: o.inst.id, Slot: o.slot, Lease: o.lease})
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%d/%d", o.kind, o.inst.id, o.slot)
}

// Owned pins an object in its instance beyond the session that promoted it.
// Release may be called from anywhere; the slot is reclaimed the next time
// the instance is leased.
type Owned struct {
	obj      Object
	released atomic.Bool
}

// Object returns the pinned handle. Use it only in sessions on Instance().
func (o *Owned) Object() *Object {
	obj := o.obj
	return &obj
}

func (o *Owned) Instance() int { return o.obj.inst.id }

func (o *Owned) Release() {
	if o.released.CompareAndSwap(false, true) {
		o.obj.inst.deferDrop(o.obj.slot)
	}
}

// recipe rebuilds an object in whichever instance s leases. Replicated
// objects replay it once per instance.
type recipe interface {
	build(ctx context.Context, s *Session) (*Object, error)
	String() string
}

type namespaceRecipe struct{}

func (namespaceRecipe) build(_ context.Context, s *Session) (*Object, error) {
	return s.Namespace()
}

func (namespaceRecipe) String() string { return "namespace" }

type moduleRecipe struct {
	bundle *Bundle
	module string
}

func (r moduleRecipe) build(ctx context.Context, s *Session) (*Object, error) {
	if err := r.bundle.Load(ctx, s); err != nil {
		return nil, err
	}
	ns, err := s.Namespace()
	if err != nil {
		return nil, err
	}
	return s.Attr(ns, r.module)
}

func (r moduleRecipe) String() string { return r.bundle.Name() + ":" + r.module }

type globalRecipe struct {
	bundle *Bundle
	module string
	name   string
}

func (r globalRecipe) build(ctx context.Context, s *Session) (*Object, error) {
	if err := r.bundle.Load(ctx, s); err != nil {
		return nil, err
	}
	return s.Global(r.module, r.name)
}

func (r globalRecipe) String() string {
	return r.bundle.Name() + ":" + r.module + "." + r.name
}

type valueRecipe struct {
	bundle *Bundle
	key    string
}

func (r valueRecipe) build(ctx context.Context, s *Session) (*Object, error) {
	return r.bundle.ReadValue(ctx, s, r.key)
}

func (r valueRecipe) String() string { return r.bundle.Name() + "[" + r.key + "]" }

type attrRecipe struct {
	parent recipe
	name   string
}

func (r attrRecipe) build(ctx context.Context, s *Session) (*Object, error) {
	parent, err := r.parent.build(ctx, s)
	if err != nil {
		return nil, err
	}
	return s.Attr(parent, r.name)
}

func (r attrRecipe) String() string { return r.parent.String() + "." + r.name }

// callRecipe replays a call with its arguments already copied out of the
// instance, so the replay never depends on another instance's heap.
type callRecipe struct {
	fn   recipe
	args []value.Value
}

func (r callRecipe) build(ctx context.Context, s *Session) (*Object, error) {
	fn, err := r.fn.build(ctx, s)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, fn, r.args...)
}

func (r callRecipe) String() string {
	return fmt.Sprintf("%s%s", r.fn, value.Tuple(r.args...))
}

type literalRecipe struct {
	v value.Value
}

func (r literalRecipe) build(_ context.Context, s *Session) (*Object, error) {
	return s.Put(r.v)
}

func (r literalRecipe) String() string { return r.v.String() }
