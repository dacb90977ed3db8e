package hostfunc

import "context"

type instanceKey struct{}

// WithInstance tags ctx with the id of the instance a call runs in.
func WithInstance(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, instanceKey{}, id)
}

// InstanceFromContext returns the instance id set by WithInstance.
func InstanceFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(instanceKey{}).(int)
	return id, ok
}
