package bridge

import (
	"context"
	"time"

	"github.com/lumabridge/lumabridge/internal/openai"
)

// pendingCapacity bounds how many requests may wait out an agent outage.
const pendingCapacity = 64

// PendingResult is delivered to a parked caller once its request has been
// dispatched (or has definitively failed).
type PendingResult struct {
	RequestID string
	Err       error
}

// PendingEntry is one element of the pending queue. Entries are either a
// fresh request awaiting first dispatch (Request + Result) or a replay of
// an in-flight request whose peer dropped (ReplayID).
type PendingEntry struct {
	Request  openai.ChatCompletionRequest
	Result   chan PendingResult
	ReplayID string
	Deadline time.Time
}

// PendingQueue is the bounded FIFO between the HTTP path, the recovery
// engine, and the single replayer task.
type PendingQueue struct {
	ch chan *PendingEntry
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{ch: make(chan *PendingEntry, pendingCapacity)}
}

// Offer enqueues an entry, giving up when ctx expires. Every producer is
// bounded so recovery cannot deadlock on its own consumer.
func (q *PendingQueue) Offer(ctx context.Context, e *PendingEntry) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Len reports the current backlog.
func (q *PendingQueue) Len() int { return len(q.ch) }
