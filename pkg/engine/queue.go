package engine

import "github.com/wehubfusion/Daedalus/pkg/checkpoint"

// readyQueue is the scheduler's pending-node queue: FIFO with a priority
// lane that drains first. Membership is tracked so a node is never queued
// twice. The queue is owned by a single scheduler goroutine and needs no
// locking.
type readyQueue struct {
	priority []string
	fifo     []string
	queued   map[string]bool
}

func newReadyQueue() *readyQueue {
	return &readyQueue{queued: make(map[string]bool)}
}

// Push appends a node id unless it is already queued.
func (q *readyQueue) Push(nodeID string, priority bool) {
	if q.queued[nodeID] {
		return
	}
	q.queued[nodeID] = true
	if priority {
		q.priority = append(q.priority, nodeID)
	} else {
		q.fifo = append(q.fifo, nodeID)
	}
}

// Pop removes and returns the next node id: the priority lane drains before
// the FIFO lane.
func (q *readyQueue) Pop() (string, bool) {
	if len(q.priority) > 0 {
		id := q.priority[0]
		q.priority = q.priority[1:]
		delete(q.queued, id)
		return id, true
	}
	if len(q.fifo) > 0 {
		id := q.fifo[0]
		q.fifo = q.fifo[1:]
		delete(q.queued, id)
		return id, true
	}
	return "", false
}

// Contains reports whether a node id is currently queued.
func (q *readyQueue) Contains(nodeID string) bool {
	return q.queued[nodeID]
}

// Len returns the number of queued entries across both lanes.
func (q *readyQueue) Len() int {
	return len(q.priority) + len(q.fifo)
}

// Snapshot returns the queue contents in drain order for checkpointing.
func (q *readyQueue) Snapshot() []checkpoint.QueueEntry {
	if q.Len() == 0 {
		return nil
	}
	entries := make([]checkpoint.QueueEntry, 0, q.Len())
	for _, id := range q.priority {
		entries = append(entries, checkpoint.QueueEntry{NodeID: id, Priority: true})
	}
	for _, id := range q.fifo {
		entries = append(entries, checkpoint.QueueEntry{NodeID: id})
	}
	return entries
}

// restoreQueue rebuilds a queue from checkpoint entries.
func restoreQueue(entries []checkpoint.QueueEntry) *readyQueue {
	q := newReadyQueue()
	for _, e := range entries {
		q.Push(e.NodeID, e.Priority)
	}
	return q
}
