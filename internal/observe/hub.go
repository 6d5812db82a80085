// Package observe fans out immutable state snapshots to subscribers.
package observe

import (
	"sort"
	"sync"
)

// Listener receives a state snapshot. It runs on a publishing goroutine
// with no hub lock held, so it may subscribe, unsubscribe or publish. It
// should not block: later snapshots wait for it.
type Listener[S any] func(S)

// Hub delivers versioned snapshots to listeners in subscription order.
//
// Publish drops a snapshot whose version is not newer than the last one
// accepted. Accepted snapshots are delivered one at a time in version
// order, so listeners never observe state going backwards even when
// publishers race.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub[S any] struct {
	pubMu      sync.Mutex
	version    uint64
	pending    []S
	delivering bool

	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener[S]
}

// NewHub creates an empty hub.
func NewHub[S any]() *Hub[S] {
	return &Hub[S]{listeners: make(map[int]Listener[S])}
}

// Subscribe registers l and returns its unsubscribe function.
// Unsubscribe is idempotent.
func (h *Hub[S]) Subscribe(l Listener[S]) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = l
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Publish queues s for delivery if version is newer than the last accepted
// version and reports whether it was accepted.
//
// The first publisher to find the queue idle drains it, calling listeners
// without holding any hub lock. A Publish made while another goroutine (or
// a listener on this one) is draining returns immediately and its snapshot
// is delivered by the drainer.
func (h *Hub[S]) Publish(version uint64, s S) bool {
	h.pubMu.Lock()
	if version <= h.version {
		h.pubMu.Unlock()
		return false
	}
	h.version = version
	h.pending = append(h.pending, s)
	if h.delivering {
		h.pubMu.Unlock()
		return true
	}
	h.delivering = true

	var zero S
	for len(h.pending) > 0 {
		next := h.pending[0]
		h.pending[0] = zero
		h.pending = h.pending[1:]
		h.pubMu.Unlock()

		for _, l := range h.snapshotListeners() {
			l(next)
		}

		h.pubMu.Lock()
	}
	h.pending = nil
	h.delivering = false
	h.pubMu.Unlock()
	return true
}

// Version returns the last accepted version.
func (h *Hub[S]) Version() uint64 {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	return h.version
}

func (h *Hub[S]) snapshotListeners() []Listener[S] {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Listener[S], len(ids))
	for i, id := range ids {
		out[i] = h.listeners[id]
	}
	return out
}

// Len returns the number of active listeners.
func (h *Hub[S]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
