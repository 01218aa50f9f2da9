package session

import (
	"context"
	"sync"
)

// Gate is the resolution guard: a replaceable single-settlement future.
//
// Consumers call Wait to block until the current resolution cycle settles.
// Rescind invalidates the current cycle: waiters are not woken early, and a
// settlement from a superseded cycle is discarded rather than applied. This
// is the system's only cancellation-like primitive.
type Gate struct {
	mu      sync.Mutex
	gen     uint64
	done    chan struct{}
	settled bool
	result  *ResolvedContext
	err     error
}

// NewGate constructs a pending Gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Rescind marks the start of a new resolution cycle and returns its
// generation token. If the gate was settled, it is reset to pending behind a
// fresh channel; waiters already parked on a pending gate keep waiting and
// are settled by the new cycle.
func (g *Gate) Rescind() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen++
	if g.settled {
		g.done = make(chan struct{})
		g.settled = false
		g.result = nil
		g.err = nil
	}
	return g.gen
}

// Settle fulfills the cycle identified by gen. Settlements from superseded
// generations are ignored; the return value reports whether this one took
// effect.
func (g *Gate) Settle(gen uint64, result *ResolvedContext, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.gen || g.settled {
		return false
	}
	g.result = result
	g.err = err
	g.settled = true
	close(g.done)
	return true
}

// Wait blocks until the current resolution cycle settles or ctx is done.
// If a settled gate is rescinded while a waiter is waking up, the waiter
// parks again on the new cycle instead of observing reset state.
func (g *Gate) Wait(ctx context.Context) (*ResolvedContext, error) {
	for {
		g.mu.Lock()
		if g.settled {
			result, err := g.result, g.err
			g.mu.Unlock()
			return result, err
		}
		done := g.done
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}
}
