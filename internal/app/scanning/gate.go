package scanning

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is the counting admission controller bounding concurrently running
// scan jobs. A job acquires one unit before its engine process spawns and
// releases it exactly once when the run finalizes.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewGate creates a gate admitting up to max concurrent runs.
func NewGate(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(max)), capacity: int64(max)}
}

// Acquire blocks until a run slot is available or ctx is done. Jobs waiting
// here are still Pending.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire grabs a slot without blocking.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release returns a run slot.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Capacity reports the configured bound.
func (g *Gate) Capacity() int { return int(g.capacity) }
