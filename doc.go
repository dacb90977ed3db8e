// Package fleet runs wasm bundles on a fixed pool of isolated runtime
// instances.
//
// # Overview
//
// An [executor.Executor] owns N wazero runtimes that share nothing but a
// compilation cache. Callers lease one instance at a time through a
// [executor.Session]; everything a session produces stays inside that
// instance as an [executor.Object] handle. Handles cannot be used on another
// instance. Values cross between instances only by copy.
//
// Bundles are loaded lazily: a [executor.Bundle] is materialized in an
// instance the first time a session there needs it. Objects derived from a
// bundle can be replicated, which makes them callable from any instance and
// lets calls spread over the whole pool.
//
// # Basic Usage
//
//	exec, _ := executor.New(4)
//	defer exec.Close()
//
//	b, _ := exec.LoadBundle(ctx, "./model")
//
//	// Replicated export, balanced over instances
//	predict, _ := b.LoadGlobal(ctx, "model", "predict")
//	out, _ := predict.Invoke(ctx, value.Float(0.5))
//
//	// Explicit session pinned to one instance
//	s, _ := exec.Acquire(ctx)
//	defer s.Close()
//	fn, _ := s.Lookup("model.predict")
//	res, _ := s.Call(ctx, fn, value.Float(0.5))
//	v, _ := s.Value(res)
//
// # Bundles
//
// A package bundle is a directory or .zip archive with a bundle.toml
// manifest, wasm modules and named values. In-memory bundles built with
// [bundle.NewHost] export Go functions instead.
//
// See the [executor], [bundle], [value] and [hostfunc] packages for detailed
// API documentation, and cmd/fleet for the command line tool.
package fleet
