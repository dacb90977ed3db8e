package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/caffeineduck/fleet/value"
	"github.com/google/uuid"
)

// ReplicaState is the state of one instance's copy of a replicated object.
type ReplicaState int

const (
	Unmaterialized ReplicaState = iota
	Materializing
	Ready
)

func (s ReplicaState) String() string {
	switch s {
	case Unmaterialized:
		return "unmaterialized"
	case Materializing:
		return "materializing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("ReplicaState(%d)", int(s))
}

// Replicated is one logical object with a copy per instance. Copies are
// rebuilt on first use of an instance and kept until Close. Calls may be
// served by any instance; errors are returned as is and never retried
// elsewhere.
type Replicated struct {
	exec     *Executor
	id       uuid.UUID
	recipe   recipe
	kind     ObjectKind
	balancer Balancer

	mu       sync.Mutex
	replicas []replica
	closed   bool
}

type replica struct {
	state ReplicaState
	obj   *Owned
}

func (e *Executor) newReplicated(r recipe, kind ObjectKind) *Replicated {
	return &Replicated{
		exec:     e,
		id:       uuid.New(),
		recipe:   r,
		kind:     kind,
		balancer: e.cfg.balancer(),
		replicas: make([]replica, len(e.instances)),
	}
}

func (r *Replicated) ID() uuid.UUID { return r.id }

func (r *Replicated) Kind() ObjectKind { return r.kind }

func (r *Replicated) String() string { return r.recipe.String() }

// State reports the copy held by instance id.
func (r *Replicated) State(id int) ReplicaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.replicas) {
		return Unmaterialized
	}
	return r.replicas[id].state
}

func (r *Replicated) adopt(id int, owned *Owned) {
	r.mu.Lock()
	r.replicas[id] = replica{state: Ready, obj: owned}
	r.mu.Unlock()
}

// objectIn returns the copy in s's instance, building it if needed. Only the
// session holding the instance can be materializing its slot.
func (r *Replicated) objectIn(ctx context.Context, s *Session) (*Object, error) {
	id := s.Instance()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReplicaClosed
	}
	rep := &r.replicas[id]
	if rep.state == Ready {
		obj := rep.obj.Object()
		r.mu.Unlock()
		return obj, nil
	}
	rep.state = Materializing
	r.mu.Unlock()

	owned, err := r.build(ctx, s)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		rep.state = Unmaterialized
		return nil, err
	}
	if r.closed {
		rep.state = Unmaterialized
		owned.Release()
		return nil, ErrReplicaClosed
	}
	rep.state = Ready
	rep.obj = owned

	r.exec.metrics.recordMaterialize(id, "replica")
	r.exec.logger.Debug().
		Int("instance", id).
		Str("replica", r.id.String()).
		Str("recipe", r.recipe.String()).
		Msg("replica materialized")
	return owned.Object(), nil
}

func (r *Replicated) build(ctx context.Context, s *Session) (*Owned, error) {
	obj, err := r.recipe.build(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("materialize %s in instance %d: %w", r.recipe, s.Instance(), err)
	}
	return s.Promote(obj)
}

// acquire tries every instance in balancer order without blocking, then
// waits for whichever frees up first.
func (r *Replicated) acquire(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReplicaClosed
	}
	ready := make([]bool, len(r.replicas))
	for i, rep := range r.replicas {
		ready[i] = rep.state == Ready
	}
	r.mu.Unlock()

	for _, id := range r.balancer.Order(ready) {
		s, ok, err := r.exec.tryAcquire(id)
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}
	}
	return r.exec.Acquire(ctx)
}

// Invoke calls the object with args on some instance and copies the result
// out before the session ends.
func (r *Replicated) Invoke(ctx context.Context, args ...value.Value) (value.Value, error) {
	s, err := r.acquire(ctx)
	if err != nil {
		return value.Value{}, err
	}
	defer s.Close()

	obj, err := r.objectIn(ctx, s)
	if err != nil {
		return value.Value{}, err
	}
	res, err := s.Call(ctx, obj, args...)
	if err != nil {
		return value.Value{}, err
	}
	return s.Value(res)
}

// InvokeMethod calls the attribute name of the object, such as an export of
// a replicated module.
func (r *Replicated) InvokeMethod(ctx context.Context, name string, args ...value.Value) (value.Value, error) {
	s, err := r.acquire(ctx)
	if err != nil {
		return value.Value{}, err
	}
	defer s.Close()

	obj, err := r.objectIn(ctx, s)
	if err != nil {
		return value.Value{}, err
	}
	method, err := s.Attr(obj, name)
	if err != nil {
		return value.Value{}, err
	}
	res, err := s.Call(ctx, method, args...)
	if err != nil {
		return value.Value{}, err
	}
	return s.Value(res)
}

// Value copies the object's value out of some instance.
func (r *Replicated) Value(ctx context.Context) (value.Value, error) {
	s, err := r.acquire(ctx)
	if err != nil {
		return value.Value{}, err
	}
	defer s.Close()

	obj, err := r.objectIn(ctx, s)
	if err != nil {
		return value.Value{}, err
	}
	return s.Value(obj)
}

// ReplicaSession is a session pinned to one instance together with that
// instance's copy of a replicated object. Close it like any session.
type ReplicaSession struct {
	*Session
	obj *Object
}

func (rs *ReplicaSession) Object() *Object { return rs.obj }

// AcquireSession leases an instance for a sequence of related calls that
// must observe the same instance-local state.
func (r *Replicated) AcquireSession(ctx context.Context) (*ReplicaSession, error) {
	s, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	obj, err := r.objectIn(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &ReplicaSession{Session: s, obj: obj}, nil
}

// Close releases every per-instance copy. Further calls fail with
// ErrReplicaClosed.
func (r *Replicated) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for i := range r.replicas {
		if r.replicas[i].obj != nil {
			r.replicas[i].obj.Release()
		}
		r.replicas[i] = replica{}
	}
	return nil
}
