package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// leases tracks which instance ids are checked out. Free ids go to waiters in
// arrival order; a waiter only exists while no id is free.
type leases struct {
	mu      sync.Mutex
	free    []bool
	nfree   int
	waiters *queue.Queue // of *waiter
	nwait   int
	closed  bool
}

type waiter struct {
	ch        chan int
	abandoned bool
}

func newLeases(n int) *leases {
	l := &leases{
		free:    make([]bool, n),
		nfree:   n,
		waiters: queue.New(),
	}
	for i := range l.free {
		l.free[i] = true
	}
	return l
}

// acquire blocks until an id is free, ctx is done, or the tracker closes.
func (l *leases) acquire(ctx context.Context) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return -1, ErrPoolClosed
	}
	if l.nfree > 0 {
		id := l.takeLocked()
		l.mu.Unlock()
		return id, nil
	}

	w := &waiter{ch: make(chan int, 1)}
	l.waiters.Add(w)
	l.nwait++
	l.mu.Unlock()

	select {
	case id, ok := <-w.ch:
		if !ok {
			return -1, ErrPoolClosed
		}
		return id, nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case id, ok := <-w.ch:
		l.mu.Unlock()
		if ok {
			// Handed an id in the same instant; pass it on.
			l.release(id)
		}
	default:
		w.abandoned = true
		l.nwait--
		l.mu.Unlock()
	}
	return -1, ctx.Err()
}

// tryAcquire takes id if it is free right now.
func (l *leases) tryAcquire(id int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrPoolClosed
	}
	if id < 0 || id >= len(l.free) || !l.free[id] {
		return false, nil
	}
	l.free[id] = false
	l.nfree--
	return true, nil
}

func (l *leases) takeLocked() int {
	for id, free := range l.free {
		if free {
			l.free[id] = false
			l.nfree--
			return id
		}
	}
	panic("executor: lease count out of sync")
}

// release returns id, handing it straight to the oldest live waiter.
func (l *leases) release(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.free[id] {
		panic(fmt.Sprintf("executor: instance %d released twice", id))
	}

	if !l.closed {
		for l.waiters.Length() > 0 {
			w := l.waiters.Remove().(*waiter)
			if w.abandoned {
				continue
			}
			l.nwait--
			w.ch <- id
			return
		}
	}

	l.free[id] = true
	l.nfree++
}

// close fails every current and future waiter with ErrPoolClosed.
func (l *leases) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for l.waiters.Length() > 0 {
		w := l.waiters.Remove().(*waiter)
		if !w.abandoned {
			close(w.ch)
		}
	}
	l.nwait = 0
}

func (l *leases) stats() (leased, waiting int, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.free) - l.nfree, l.nwait, l.closed
}
