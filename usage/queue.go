package usage

import (
	"sync"
)

// Queue buffers usage records between the hot recording path and the
// persistence worker. Enqueue never blocks the caller; when the channel
// is full the record goes to the pending buffer instead, where the
// daily reconciliation job picks it up.
type Queue struct {
	ch chan *UsageRecord

	mu      sync.Mutex
	pending []*UsageRecord
}

// NewQueue builds a queue with the given channel capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *UsageRecord, capacity)}
}

// Enqueue hands a record to the worker. Returns false when the channel
// was full and the record was parked in the pending buffer.
func (q *Queue) Enqueue(record *UsageRecord) bool {
	select {
	case q.ch <- record:
		return true
	default:
		q.MarkPending(record)
		return false
	}
}

// Dequeue drains up to max records without blocking.
func (q *Queue) Dequeue(max int) []*UsageRecord {
	if max <= 0 {
		max = 1
	}
	out := make([]*UsageRecord, 0, max)
	for len(out) < max {
		select {
		case r := <-q.ch:
			out = append(out, r)
		default:
			return out
		}
	}
	return out
}

// Chan exposes the receive side so the worker can block on the next
// record instead of polling.
func (q *Queue) Chan() <-chan *UsageRecord {
	return q.ch
}

// MarkPending parks a record for the daily reconciliation drain.
func (q *Queue) MarkPending(record *UsageRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, record)
}

// DrainPending removes and returns all parked records.
func (q *Queue) DrainPending() []*UsageRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// PendingCount reports the parked record count.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Depth reports the number of records waiting in the channel.
func (q *Queue) Depth() int {
	return len(q.ch)
}
