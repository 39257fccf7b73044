package iteration

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// Pool processes the items of one batch concurrently. Workers optionally
// acquire from a shared admission limiter so for-each concurrency and branch
// concurrency share one engine-wide bound.
type Pool struct {
	workers int
	limiter *concurrency.Limiter

	processed atomic.Int64
	errors    atomic.Int64
}

// NewPool creates a pool with the given worker count. Zero workers sizes
// the pool from the limiter capacity, falling back to the CPU count.
func NewPool(workers int, limiter *concurrency.Limiter) *Pool {
	if workers <= 0 {
		if limiter != nil {
			workers = limiter.Capacity()
		} else {
			workers = runtime.NumCPU()
		}
	}
	return &Pool{workers: workers, limiter: limiter}
}

// Run processes every item of the batch and returns results sorted by the
// items' original indices. Failed items carry their error in the result;
// Run itself only fails on a cancelled context. It blocks until every item
// of the batch has finished, so callers get strict batch sequencing by
// calling Run once per batch.
func (p *Pool) Run(ctx context.Context, batch []Item, fn ProcessFunc) []ItemResult {
	if len(batch) == 0 {
		return nil
	}

	workers := p.workers
	if workers > len(batch) {
		workers = len(batch)
	}

	jobChan := make(chan Item, len(batch))
	resultChan := make(chan ItemResult, len(batch))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobChan {
				resultChan <- p.processItem(ctx, item, fn)
			}
		}()
	}

	for _, item := range batch {
		jobChan <- item
	}
	close(jobChan)

	wg.Wait()
	close(resultChan)

	results := make([]ItemResult, 0, len(batch))
	for r := range resultChan {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

func (p *Pool) processItem(ctx context.Context, item Item, fn ProcessFunc) ItemResult {
	if err := ctx.Err(); err != nil {
		p.errors.Add(1)
		return ItemResult{Index: item.Index, Err: err}
	}

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			p.errors.Add(1)
			return ItemResult{Index: item.Index, Err: err}
		}
		defer p.limiter.Release()
	}

	output, err := fn(ctx, item)
	if err != nil {
		p.errors.Add(1)
		return ItemResult{Index: item.Index, Err: err}
	}
	p.processed.Add(1)
	return ItemResult{Index: item.Index, Output: output}
}

// Stats returns the cumulative processed and errored item counts.
func (p *Pool) Stats() (processed, errors int64) {
	return p.processed.Load(), p.errors.Load()
}
