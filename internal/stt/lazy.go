package stt

import (
	"context"
	"sync"
)

// Lazy defers loading a Refiner until it is first needed. A successful load
// is kept for the life of the process; a failed one is retried by the next
// caller.
type Lazy struct {
	inner Refiner

	mu     sync.Mutex
	loaded bool
}

func NewLazy(inner Refiner) *Lazy {
	return &Lazy{inner: inner}
}

func (l *Lazy) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Load loads the wrapped refiner once. Concurrent callers wait for the
// in-progress attempt.
func (l *Lazy) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}
	if err := l.inner.Load(ctx); err != nil {
		return err
	}
	l.loaded = true
	return nil
}

func (l *Lazy) Refine(ctx context.Context, samples []float32) (string, error) {
	if err := l.Load(ctx); err != nil {
		return "", err
	}
	return l.inner.Refine(ctx, samples)
}

func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = false
	return l.inner.Close()
}
