// Package hostfunc provides the host functions every runtime instance links
// under the "env" import module.
//
// A [Registry] collects Go functions with wazero-compatible signatures and
// instantiates them into a runtime. [Builtins] returns a registry with guest
// logging, a clock, and the id of the calling instance:
//
//	registry := hostfunc.Builtins(logger)
//	registry.Register("scale", func(x float64) float64 { return x * 2 })
//
// Host functions are shared by all instances. The engine tags every call's
// context with the instance it runs in, so instance-local state can be kept
// keyed by [InstanceFromContext].
package hostfunc
