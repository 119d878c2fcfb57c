package sandbox

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "grader",
	Subsystem: "sandbox",
	Name:      "runs_in_flight",
	Help:      "Number of sandbox runs currently holding a worker slot",
})

// Pool bounds how many sandbox runs may execute at the same time.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with the given number of worker slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of worker slots.
func (p *Pool) Size() int {
	return p.size
}

// Acquire blocks until a slot is free or ctx is done. The returned function
// releases the slot.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	runsInFlight.Inc()
	return func() {
		runsInFlight.Dec()
		p.sem.Release(1)
	}, nil
}
