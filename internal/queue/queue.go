// Package queue provides a bounded FIFO with an explicit backpressure policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Policy decides what Put does when the queue is full.
type Policy int

const (
	// Block waits for space (or for the context to end).
	Block Policy = iota
	// DropOldest evicts the head of the queue to make room.
	DropOldest
	// DropNewest rejects the incoming item.
	DropNewest
)

var (
	ErrClosed   = errors.New("queue closed")
	ErrRejected = errors.New("queue full")
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "":
		return Block, nil
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest", "reject":
		return DropNewest, nil
	default:
		return Block, fmt.Errorf("unknown queue policy %q (want block|drop_oldest|drop_newest)", s)
	}
}

// Queue is a bounded, ordered, goroutine-safe FIFO. Producers call Put; a
// consumer reads with Get, TryGet, Drain or by ranging over C(). Close wakes
// the consumer once the remaining items are read.
type Queue[T any] struct {
	ch     chan T
	policy Policy

	// mu serializes producers against Close and makes drop-oldest evictions
	// atomic with respect to other producers.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity), policy: policy}
}

// Put enqueues item according to the policy. DropNewest returns ErrRejected
// when the queue is full; DropOldest never fails while open.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	if q.policy == Block {
		q.mu.RLock()
		defer q.mu.RUnlock()
		if q.closed {
			return ErrClosed
		}
		select {
		case q.ch <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for {
		select {
		case q.ch <- item:
			return nil
		default:
		}
		if q.policy == DropNewest {
			q.dropped.Add(1)
			return ErrRejected
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Get blocks until an item is available. It returns ErrClosed once the
// queue is closed and empty.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case item, ok := <-q.ch:
		return item, ok
	default:
		var zero T
		return zero, false
	}
}

// Drain returns everything currently queued without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		item, ok := q.TryGet()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// C exposes the receive side for select loops. It is closed by Close.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Close stops accepting items. Already queued items remain readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue[T]) Len() int        { return len(q.ch) }
func (q *Queue[T]) Cap() int        { return cap(q.ch) }
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
func (q *Queue[T]) Policy() Policy  { return q.policy }
