// Package admission bounds the number of in-flight transcription jobs.
//
// A [Gate] is a counting gate with a bounded queue wait: callers either
// obtain a single-use [Ticket] within the configured wait or are turned
// away. Slots are not granted in FIFO order; the guarantee is liveness,
// not fairness.
package admission

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/whisperapi/internal/apierr"
)

// Gate admits up to a fixed number of simultaneous holders.
type Gate struct {
	sem       *semaphore.Weighted
	queueWait time.Duration
	inFlight  atomic.Int64
}

// NewGate creates a gate permitting maxConcurrent simultaneous holders.
// Waiters give up after queueWait.
func NewGate(maxConcurrent int, queueWait time.Duration) *Gate {
	return &Gate{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		queueWait: queueWait,
	}
}

// Acquire obtains a slot, waiting up to the gate's queue-wait bound. A free
// slot is always granted, even with a zero queue wait. It honors ctx: a
// caller that disconnects while queued gets the same [apierr.ErrBusy] as one
// that timed out.
func (g *Gate) Acquire(ctx context.Context) (*Ticket, error) {
	if !g.sem.TryAcquire(1) {
		// The timed Acquire checks the deadline before capacity, so the
		// immediate grab above is what keeps a zero wait from refusing
		// requests while slots are free.
		waitCtx, cancel := context.WithTimeout(ctx, g.queueWait)
		defer cancel()
		if err := g.sem.Acquire(waitCtx, 1); err != nil {
			return nil, fmt.Errorf("admission: no slot within %v: %w", g.queueWait, apierr.ErrBusy)
		}
	}
	g.inFlight.Add(1)
	return &Ticket{gate: g}, nil
}

// InFlight returns the current number of admitted holders.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Ticket is a single-use capability for one in-flight slot.
type Ticket struct {
	gate     *Gate
	released atomic.Bool
}

// Release returns the slot. Releasing a ticket twice is a programming
// error and panics.
func (t *Ticket) Release() {
	if t.released.Swap(true) {
		panic("admission: ticket released twice")
	}
	t.gate.inFlight.Add(-1)
	t.gate.sem.Release(1)
}
