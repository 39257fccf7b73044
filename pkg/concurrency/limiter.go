// Package concurrency provides the engine's admission control: a semaphore
// limiter bounding concurrent branch execution, a circuit breaker used by
// outbound publishers, and environment-driven sizing configuration.
package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter performance counters. All fields are updated
// atomically and read through Limiter.GetMetrics.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is the semaphore admission gate bounding concurrent branches.
// Branches beyond the bound wait in Acquire rather than start immediately,
// preventing unbounded resource fan-out. Only top-level branches pass the
// gate; nested branches ride their parent's slot, since a parent waiting on
// children while holding a slot must not starve them of admission.
type Limiter struct {
	sem     chan struct{}
	active  int64
	metrics Metrics
	breaker *CircuitBreaker
}

// NewLimiter creates a limiter admitting at most maxConcurrent operations.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithBreaker(maxConcurrent, nil)
}

// NewLimiterWithBreaker creates a limiter that records operation outcomes to
// the given circuit breaker. A nil breaker disables failure tracking.
func NewLimiterWithBreaker(maxConcurrent int, breaker *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem:     make(chan struct{}, maxConcurrent),
		breaker: breaker,
	}
}

// Capacity returns the maximum number of concurrent admissions.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire blocks until a slot is available or ctx is done. It fails
// immediately when the associated circuit breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker != nil && l.breaker.IsOpen() {
		return fmt.Errorf("circuit breaker is open")
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Release without Acquire; nothing to return.
	}
}

// Go runs fn on a new goroutine once a slot is acquired, releasing the slot
// when fn returns. The error reports acquisition failure only.
func (l *Limiter) Go(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	go func() {
		defer l.Release()
		l.record(fn())
	}()
	return nil
}

// GoSync runs fn on the calling goroutine under a slot and returns its error.
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	l.record(err)
	return err
}

func (l *Limiter) record(err error) {
	if l.breaker == nil {
		return
	}
	if err != nil {
		l.breaker.RecordFailure()
	} else {
		l.breaker.RecordSuccess()
	}
}

// CurrentActive returns the number of admissions currently held.
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current counters.
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime returns the mean time spent waiting for admission.
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

// Reset clears the counters. Useful in tests and periodic reporters.
func (l *Limiter) Reset() {
	atomic.StoreInt64(&l.metrics.TotalAcquired, 0)
	atomic.StoreInt64(&l.metrics.TotalReleased, 0)
	atomic.StoreInt64(&l.metrics.PeakConcurrent, 0)
	atomic.StoreInt64(&l.metrics.TotalWaitTimeNs, 0)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
