// Package executor runs bundles of WebAssembly modules on a fixed pool of
// isolated runtime instances.
//
// # Overview
//
// Each instance is its own wazero runtime with its own module namespace and
// object heap. Nothing is shared between instances; a value moves from one
// to another only by being copied out as a [value.Value] and copied back in.
//
//	exec, err := executor.New(4)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
// # Sessions
//
// A [Session] is an exclusive lease on one instance. All work inside an
// instance goes through a session, and a session releases its instance
// exactly once when closed:
//
//	err := exec.With(ctx, func(s *executor.Session) error {
//	    b, err := exec.LoadBundle(ctx, "./models/simple")
//	    if err != nil {
//	        return err
//	    }
//	    if err := b.Load(ctx, s); err != nil {
//	        return err
//	    }
//	    add, err := s.Lookup("num.add")
//	    if err != nil {
//	        return err
//	    }
//	    sum, err := s.Call(ctx, add, value.Int(2), value.Int(3))
//	    ...
//	})
//
// Objects returned by a session are scoped to it. Using one from a session
// on another instance, or after its session closed, panics with a
// [*CrossInstanceError]. [Session.Promote] pins an object beyond its session.
//
// # Bundles
//
// Bundles materialize lazily: an instance pays for loading a bundle only the
// first time a session on it asks for the bundle.
//
// # Replication
//
// A [Replicated] object has one copy per instance, rebuilt on demand by
// replaying how the original was produced. Invoke picks an instance with the
// executor's [Balancer], so concurrent calls run in parallel on as many
// instances as are free:
//
//	add, err := b.LoadGlobal(ctx, "num", "add")
//	...
//	sum, err := add.Invoke(ctx, value.Int(2), value.Int(3))
package executor
