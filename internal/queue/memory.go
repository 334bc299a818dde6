package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrReceiptMismatch is returned when deleting with a stale pop receipt.
var ErrReceiptMismatch = errors.New("pop receipt mismatch")

type memoryItem struct {
	id        string
	body      []byte
	visibleAt time.Time
	count     int64
	receipt   string
}

// MemoryQueue is an in-process Queue with the same visibility semantics as
// the durable queue. It is used by tests and single-process deployments.
type MemoryQueue struct {
	mu    sync.Mutex
	items []*memoryItem
	seq   int64
	now   func() time.Time
}

// NewMemoryQueue returns an empty queue on the wall clock.
func NewMemoryQueue() *MemoryQueue {
	return NewMemoryQueueWithClock(time.Now)
}

// NewMemoryQueueWithClock returns an empty queue reading time from now.
func NewMemoryQueueWithClock(now func() time.Time) *MemoryQueue {
	return &MemoryQueue{now: now}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, msg *Message, delay time.Duration) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	q.push(body, delay)
	return nil
}

// EnqueueBody implements DeadLetterQueue. The body is stored verbatim.
func (q *MemoryQueue) EnqueueBody(_ context.Context, body []byte) error {
	q.push(body, 0)
	return nil
}

func (q *MemoryQueue) push(body []byte, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, &memoryItem{
		id:        strconv.FormatInt(q.seq, 10),
		body:      append([]byte(nil), body...),
		visibleAt: q.now().Add(delay),
	})
}

// Dequeue implements Queue. Visible messages are returned oldest first.
func (q *MemoryQueue) Dequeue(ctx context.Context, invisibility time.Duration) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, it := range q.items {
		if it.visibleAt.After(now) {
			continue
		}
		q.seq++
		it.count++
		it.receipt = strconv.FormatInt(q.seq, 10)
		it.visibleAt = now.Add(invisibility)
		return newDelivery(it.id, it.receipt, it.count, append([]byte(nil), it.body...)), nil
	}
	return nil, nil
}

// Delete implements Queue. Deleting an already removed message is a no-op.
func (q *MemoryQueue) Delete(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.id != d.ID {
			continue
		}
		if it.receipt != d.PopReceipt {
			return ErrReceiptMismatch
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return nil
	}
	return nil
}

// Len returns the number of messages, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Messages returns the decoded messages currently held, in order.
func (q *MemoryQueue) Messages() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, 0, len(q.items))
	for _, it := range q.items {
		if m, err := DecodeMessage(it.body); err == nil {
			out = append(out, m)
		}
	}
	return out
}
