// Package flight deduplicates concurrent asynchronous calls by key.
//
// A Registry lets every concurrent requester of the same key share one
// underlying call and one result. The slot is cleared the moment the call
// settles, whether it succeeded or failed, so the next request starts a
// fresh call instead of replaying a stale error.
package flight

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// PanicError is returned to every awaiter of a call whose factory panicked.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("flight: factory for key %q panicked: %v", e.Key, e.Value)
}

// Factory produces the result for a key. The context it receives is
// detached from any single caller's cancellation.
type Factory[R any] func(ctx context.Context) (R, error)

// Registry is a keyed single-flight group.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry[K comparable, R any] struct {
	group singleflight.Group
	keyOf func(K) string

	mu      sync.Mutex
	waiters map[string]int

	calls   atomic.Int64
	started atomic.Int64
}

// New creates a Registry. keyOf maps a key to its flight slot name; nil
// uses fmt.Sprint.
func New[K comparable, R any](keyOf func(K) string) *Registry[K, R] {
	if keyOf == nil {
		keyOf = func(k K) string { return fmt.Sprint(k) }
	}
	return &Registry[K, R]{
		keyOf:   keyOf,
		waiters: make(map[string]int),
	}
}

// Run returns the result of the pending call for key, starting one with
// factory if none is pending.
//
// factory is never invoked while another call for the same key is
// unsettled. If ctx is cancelled the caller stops waiting and gets
// ctx.Err(); the shared call keeps running for the remaining awaiters.
func (r *Registry[K, R]) Run(ctx context.Context, key K, factory Factory[R]) (R, error) {
	k := r.keyOf(key)
	r.calls.Add(1)

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(k, func() (v any, err error) {
		r.started.Add(1)
		defer func() {
			if p := recover(); p != nil {
				err = &PanicError{Key: k, Value: p, Stack: debug.Stack()}
			}
		}()
		return factory(detached)
	})

	r.join(k)
	defer r.leave(k)

	var zero R
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(R)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Pending reports how many callers are currently awaiting key.
func (r *Registry[K, R]) Pending(key K) (waiters int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.waiters[r.keyOf(key)]
	return n, ok
}

// Len returns the number of keys with at least one awaiter.
func (r *Registry[K, R]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Calls returns the total number of Run calls.
func (r *Registry[K, R]) Calls() int64 {
	return r.calls.Load()
}

// Started returns how many times a factory was actually invoked.
// Calls() - Started() is the number of deduplicated requests.
func (r *Registry[K, R]) Started() int64 {
	return r.started.Load()
}

func (r *Registry[K, R]) join(k string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[k]++
}

func (r *Registry[K, R]) leave(k string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[k]--
	if r.waiters[k] <= 0 {
		delete(r.waiters, k)
	}
}
