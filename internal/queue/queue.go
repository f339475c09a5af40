// Package queue carries work from connection handlers to the single
// speaking worker.
package queue

import (
	"context"
	"time"
)

// Item is one unit of work. A Stop item tells the consumer to exit.
type Item struct {
	Text       string
	Stop       bool
	Source     string // transport that produced the item, e.g. "tcp"
	ConnID     string
	EnqueuedAt time.Time
}

// Request builds a text item.
func Request(text, source, connID string) Item {
	return Item{Text: text, Source: source, ConnID: connID}
}

// StopItem builds the stop marker.
func StopItem() Item {
	return Item{Stop: true, Source: "shutdown"}
}

// Queue is a bounded FIFO for many producers and one consumer. Enqueue
// blocks while the queue is full and never drops an item.
type Queue struct {
	items chan Item
	depth func(int) // optional observer of the queue length
}

// Option configures a Queue.
type Option func(*Queue)

// WithDepthObserver registers fn to be called with the queue length after
// every enqueue and dequeue.
func WithDepthObserver(fn func(int)) Option {
	return func(q *Queue) { q.depth = fn }
}

// New creates a queue holding at most capacity items.
func New(capacity int, opts ...Option) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{items: make(chan Item, capacity)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends item, blocking while the queue is full. It returns
// ctx.Err() if ctx ends before there is room.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	select {
	case q.items <- item:
		q.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest item, blocking while the queue is empty. It
// returns ctx.Err() if ctx ends first.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	select {
	case item := <-q.items:
		q.observe()
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

func (q *Queue) observe() {
	if q.depth != nil {
		q.depth(len(q.items))
	}
}
