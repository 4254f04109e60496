// Package sendqueue serializes sends in one direction. Waiters are served
// in arrival order and each send holds the slot until it fully resolves.
package sendqueue

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Queue is a single-slot FIFO.
type Queue struct {
	name  string
	sem   *semaphore.Weighted
	depth atomic.Int64
	gauge prometheus.Gauge
}

// New returns an empty queue. gauge may be nil.
func New(name string, gauge prometheus.Gauge) *Queue {
	return &Queue{name: name, sem: semaphore.NewWeighted(1), gauge: gauge}
}

func (q *Queue) Name() string { return q.name }

// Depth counts callers waiting for or holding the slot.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

func (q *Queue) track(delta int64) {
	n := q.depth.Add(delta)
	if q.gauge != nil {
		q.gauge.Set(float64(n))
	}
}

// Do waits for the slot and runs fn with it held. A cancelled ctx removes
// the caller from the line without running fn.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	q.track(1)
	defer q.track(-1)
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)
	return fn(ctx)
}

// Acquire takes the slot for callers that span several steps. The returned
// release must be called exactly once.
func (q *Queue) Acquire(ctx context.Context) (release func(), err error) {
	q.track(1)
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.track(-1)
		return nil, err
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			q.sem.Release(1)
			q.track(-1)
		}
	}, nil
}
