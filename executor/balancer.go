package executor

import (
	"fmt"
	"sync/atomic"
)

// Balancer orders the instances a replicated object tries when it is invoked.
// ready[i] reports whether instance i already holds a materialized copy. The
// returned order must list every instance id exactly once; each is tried
// without blocking before the call falls back to waiting for any instance.
type Balancer interface {
	Order(ready []bool) []int
}

// BalancerFactory builds the balancer one replicated object uses for its
// whole lifetime.
type BalancerFactory func() Balancer

// RoundRobin rotates the starting point over ready instances on every call,
// then falls back to the unready ones in the same rotation.
func RoundRobin() Balancer { return &roundRobin{} }

// FirstFree always prefers the lowest-numbered ready instance.
func FirstFree() Balancer { return firstFree{} }

// BalancerByName resolves a configured balancer policy.
func BalancerByName(name string) (BalancerFactory, error) {
	switch name {
	case "", "round_robin":
		return RoundRobin, nil
	case "first_free":
		return FirstFree, nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}

type roundRobin struct {
	cursor atomic.Uint64
}

func (r *roundRobin) Order(ready []bool) []int {
	n := len(ready)
	if n == 0 {
		return nil
	}
	start := int(r.cursor.Add(1)-1) % n

	order := make([]int, 0, n)
	for _, want := range []bool{true, false} {
		for i := 0; i < n; i++ {
			id := (start + i) % n
			if ready[id] == want {
				order = append(order, id)
			}
		}
	}
	return order
}

type firstFree struct{}

func (firstFree) Order(ready []bool) []int {
	order := make([]int, 0, len(ready))
	for _, want := range []bool{true, false} {
		for id, r := range ready {
			if r == want {
				order = append(order, id)
			}
		}
	}
	return order
}
