// Package iteration is the parallel-for-each substrate: it partitions items
// into sequential batches and processes the items of each batch concurrently
// on a bounded worker pool, collecting results in original item order
// regardless of completion order.
package iteration

import "context"

// Item is one unit of work carrying its original position in the source
// list. Index survives batching so results can be reassembled in order.
type Item struct {
	Index int
	Value any
}

// ItemResult is the outcome of processing one item.
type ItemResult struct {
	Index  int
	Output any
	Err    error
}

// ProcessFunc processes a single item.
type ProcessFunc func(ctx context.Context, item Item) (any, error)

// CreateBatches partitions items into batches of at most batchSize,
// preserving original order and indices. Batch N+1 must not start before
// batch N has fully completed; that sequencing belongs to the caller.
func CreateBatches(items []any, batchSize int) [][]Item {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if len(items) == 0 {
		return nil
	}

	batches := make([][]Item, 0, (len(items)+batchSize-1)/batchSize)
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := make([]Item, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, Item{Index: i, Value: items[i]})
		}
		batches = append(batches, batch)
	}
	return batches
}

// DefaultBatchSize is used when a for-each declares no batch size.
const DefaultBatchSize = 10
