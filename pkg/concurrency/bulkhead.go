// Package concurrency bounds in-flight remote requests and retries transient
// failures.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/portalsfs/portalsfs/internal/metrics"
)

// ErrBulkheadLimitsExceeded is returned when every execution slot is busy and
// the wait queue is full.
var ErrBulkheadLimitsExceeded = errors.New("bulkhead limits exceeded")

// Bulkhead allows maxConcurrent executions at once and queues up to maxQueued
// more in FIFO order. Anything beyond that is rejected immediately.
type Bulkhead struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	maxQueued     int64

	inFlight atomic.Int64
	queued   atomic.Int64
}

// NewBulkhead creates a bulkhead. maxConcurrent must be positive.
func NewBulkhead(maxConcurrent, maxQueued int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &Bulkhead{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		maxQueued:     int64(maxQueued),
	}
}

// Execute runs fn inside an execution slot.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	// TryAcquire fails while others are waiting, which keeps the queue FIFO.
	if !b.sem.TryAcquire(1) {
		if b.queued.Add(1) > b.maxQueued {
			b.queued.Add(-1)
			b.publish()
			return fmt.Errorf("%w: %d executing, %d queued", ErrBulkheadLimitsExceeded, b.maxConcurrent, b.maxQueued)
		}
		b.publish()

		err := b.sem.Acquire(ctx, 1)
		b.queued.Add(-1)
		if err != nil {
			b.publish()
			return err
		}
	}

	b.inFlight.Add(1)
	b.publish()
	defer func() {
		b.inFlight.Add(-1)
		b.sem.Release(1)
		b.publish()
	}()

	return fn()
}

// InFlight returns the number of executing calls.
func (b *Bulkhead) InFlight() int64 {
	return b.inFlight.Load()
}

// Queued returns the number of calls waiting for a slot.
func (b *Bulkhead) Queued() int64 {
	return b.queued.Load()
}

func (b *Bulkhead) publish() {
	metrics.SetBulkheadState(b.inFlight.Load(), b.queued.Load())
}
