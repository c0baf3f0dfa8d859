// Package singleflight coalesces concurrent calls that share a key: the
// first caller becomes the owner and performs the work, later callers attach
// to the in-flight call and receive the owner's outcome. Unlike
// golang.org/x/sync/singleflight, waiters are context-aware and the in-flight
// handle is removed from the group before any waiter is released, so a
// follow-up call after a failure starts fresh work instead of reusing it.
package singleflight

import (
	"context"
	"sync"
)

// Group tracks in-flight calls by key. The zero value is not usable; create
// one with New. A Group must not be copied after first use.
type Group[V any] struct {
	mu    sync.Mutex
	calls map[string]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// New returns an empty Group.
func New[V any]() *Group[V] {
	return &Group[V]{calls: make(map[string]*call[V])}
}

// Do executes fn under key, coalescing duplicates. The owner runs fn to
// completion regardless of ctx; attached waiters stop waiting when their own
// ctx is done and return ctx.Err(). The second return reports whether this
// caller shared another caller's result.
func (g *Group[V]) Do(ctx context.Context, key string, fn func() (V, error)) (V, bool, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	// Drop the handle before releasing waiters: anyone arriving after this
	// point starts a fresh call rather than attaching to a finished one.
	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
	close(c.done)

	return c.val, false, c.err
}

// Forget detaches the in-flight call for key, if any. The call itself keeps
// running and still releases its waiters; new callers start fresh work.
func (g *Group[V]) Forget(key string) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// Len reports the number of in-flight calls, for tests and stats.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
