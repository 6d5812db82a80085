// Package optimistic applies list mutations locally before the remote store
// confirms them.
//
// Each Add, Update or Remove captures a snapshot, writes the optimistic
// value immediately, then waits for its remote operation. Success installs
// the authoritative value; failure restores the snapshot exactly. At most
// one mutation per key is in flight: a second one fails fast with a
// CONCURRENCY_CONFLICT error and is never applied. Mutations on different
// keys run fully in parallel.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/tillsync/internal/guard"
	"github.com/roach88/tillsync/internal/observe"
	"github.com/roach88/tillsync/internal/syncerr"
)

var (
	// ErrKeyExists is returned by Add when a settled entry already uses the
	// value's key.
	ErrKeyExists = errors.New("optimistic: key already exists")

	// ErrUnknownKey is returned by Update and Remove for a missing key.
	ErrUnknownKey = errors.New("optimistic: unknown key")
)

// RemoteOp performs the remote side of a mutation. A nil value on success
// means the store returned no authoritative value.
type RemoteOp[T any] func(ctx context.Context) (*T, error)

// Patch derives the optimistic value from the current one. It must not
// modify its argument in place.
type Patch[T any] func(T) T

type config struct {
	position Position
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder
	tempKey  func() string
}

// Option configures an Engine.
type Option func(*config)

// WithRestorePosition sets the rollback policy for Remove.
func WithRestorePosition(p Position) Option {
	return func(c *config) {
		c.position = p
	}
}

// WithTimeout bounds every remote operation. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *config) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithTempKeys replaces the temporary key generator used by Add.
func WithTempKeys(next func() string) Option {
	return func(c *config) {
		if next != nil {
			c.tempKey = next
		}
	}
}

// TempKey returns a fresh temporary key: "tmp-" followed by a UUIDv7.
func TempKey() string {
	return "tmp-" + uuid.Must(uuid.NewV7()).String()
}

// intent is the in-flight record of one mutation. snapshot is the exact
// rollback target.
type intent[T any] struct {
	kind       MutationKind
	key        string
	snapshot   T
	index      int
	generation uint64
}

// Engine holds one ordered, keyed list and mutates it optimistically.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run
// outside the engine lock and may call back into the Engine.
type Engine[T any] struct {
	keyOf func(T) string
	cfg   config

	mu       sync.Mutex
	order    []string
	values   map[string]T
	inflight map[string]*intent[T]
	version  uint64

	// gen advances on Load; mutations started under an older generation
	// settle as superseded.
	gen guard.Generation
	hub *observe.Hub[ListState[T]]
}

// New creates an empty Engine. keyOf returns the key of a value, or "" if
// the value has none yet.
func New[T any](keyOf func(T) string, opts ...Option) *Engine[T] {
	cfg := config{
		position: RestoreAtIndex,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		tempKey:  TempKey,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine[T]{
		keyOf:    keyOf,
		cfg:      cfg,
		values:   make(map[string]T),
		inflight: make(map[string]*intent[T]),
		hub:      observe.NewHub[ListState[T]](),
	}
}

// Load replaces the authoritative list. Every in-flight mutation is
// superseded: it settles with ABORTED_BY_SUPERSESSION and leaves the list
// untouched. Values without a key get a temporary one; a repeated key
// keeps its first position and its last value.
func (e *Engine[T]) Load(items []T) {
	e.mu.Lock()
	e.gen.Next()
	superseded := len(e.inflight)
	e.inflight = make(map[string]*intent[T])
	e.order = make([]string, 0, len(items))
	e.values = make(map[string]T, len(items))
	for _, v := range items {
		key := e.keyOf(v)
		if key == "" {
			key = e.cfg.tempKey()
		}
		if _, dup := e.values[key]; !dup {
			e.order = append(e.order, key)
		}
		e.values[key] = v
	}
	version, snap := e.commitLocked()
	e.mu.Unlock()

	e.cfg.logger.Debug("list loaded", "items", len(snap.Items), "superseded", superseded)
	e.hub.Publish(version, snap)
}

// Add inserts value optimistically and awaits op.
//
// On success the optimistic entry is replaced by the authoritative value,
// re-keyed if the store assigned a different key. If that key has its own
// mutation in flight the entry is dropped and a Conflict returned. On
// failure the entry is removed and the error returned.
func (e *Engine[T]) Add(ctx context.Context, value T, op RemoteOp[T]) (T, error) {
	var zero T
	key := e.keyOf(value)
	if key == "" {
		key = e.cfg.tempKey()
	}

	e.mu.Lock()
	if err := e.guardLocked(KindAdd, key); err != nil {
		e.mu.Unlock()
		return zero, err
	}
	if _, exists := e.values[key]; exists {
		e.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	in := &intent[T]{kind: KindAdd, key: key, index: -1, generation: e.gen.Current()}
	e.inflight[key] = in
	e.order = append(e.order, key)
	e.values[key] = value
	e.publishLocked()

	auth, err := e.await(ctx, in, op)

	e.mu.Lock()
	if serr := e.settleLocked(in); serr != nil {
		e.mu.Unlock()
		return zero, serr
	}
	if err != nil {
		e.deleteLocked(key)
		e.rollbackLocked(in, err)
		return zero, err
	}

	final := value
	if auth != nil {
		final = *auth
	}
	finalKey := key
	if k := e.keyOf(final); k != "" {
		finalKey = k
	}
	if finalKey != key {
		if _, pending := e.inflight[finalKey]; pending {
			// The assigned key is still being mutated elsewhere; adopting it
			// now could leave it in the list twice.
			e.deleteLocked(key)
			cerr := syncerr.NewConflict(string(KindAdd), finalKey)
			e.cfg.recorder.RecordConflict(string(KindAdd))
			e.rollbackLocked(in, cerr)
			return zero, cerr
		}
		if _, taken := e.values[finalKey]; taken {
			// Another path already brought the authoritative entry in.
			e.deleteLocked(key)
		} else {
			e.order[e.indexLocked(key)] = finalKey
			delete(e.values, key)
		}
	}
	e.values[finalKey] = final
	e.cfg.logger.Debug("mutation applied", "op", KindAdd, "key", finalKey, "temp_key", key)
	e.cfg.recorder.RecordMutation(string(KindAdd), nil)
	e.publishLocked()
	return final, nil
}

// Update patches the value under key optimistically and awaits op.
//
// On success the authoritative value replaces the optimistic one if op
// returned one. On failure the exact pre-call value is restored.
func (e *Engine[T]) Update(ctx context.Context, key string, patch Patch[T], op RemoteOp[T]) (T, error) {
	var zero T

	e.mu.Lock()
	if err := e.guardLocked(KindUpdate, key); err != nil {
		e.mu.Unlock()
		return zero, err
	}
	cur, ok := e.values[key]
	if !ok {
		e.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	in := &intent[T]{kind: KindUpdate, key: key, snapshot: cur, index: -1, generation: e.gen.Current()}
	e.inflight[key] = in
	e.values[key] = patch(cur)
	e.publishLocked()

	auth, err := e.await(ctx, in, op)

	e.mu.Lock()
	if serr := e.settleLocked(in); serr != nil {
		e.mu.Unlock()
		return zero, serr
	}
	if err != nil {
		e.values[key] = in.snapshot
		e.rollbackLocked(in, err)
		return zero, err
	}
	if auth != nil {
		e.values[key] = *auth
	}
	final := e.values[key]
	e.cfg.logger.Debug("mutation applied", "op", KindUpdate, "key", key)
	e.cfg.recorder.RecordMutation(string(KindUpdate), nil)
	e.publishLocked()
	return final, nil
}

// Remove deletes the entry under key optimistically and awaits op.
//
// On failure the snapshot is re-inserted according to the configured
// Position policy.
func (e *Engine[T]) Remove(ctx context.Context, key string, op RemoteOp[T]) error {
	e.mu.Lock()
	if err := e.guardLocked(KindRemove, key); err != nil {
		e.mu.Unlock()
		return err
	}
	cur, ok := e.values[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	in := &intent[T]{
		kind:       KindRemove,
		key:        key,
		snapshot:   cur,
		index:      e.indexLocked(key),
		generation: e.gen.Current(),
	}
	e.inflight[key] = in
	e.deleteLocked(key)
	e.publishLocked()

	_, err := e.await(ctx, in, op)

	e.mu.Lock()
	if serr := e.settleLocked(in); serr != nil {
		e.mu.Unlock()
		return serr
	}
	if err != nil {
		pos := 0
		if e.cfg.position == RestoreAtIndex {
			pos = min(in.index, len(e.order))
		}
		if _, back := e.values[key]; !back {
			e.insertLocked(pos, key, in.snapshot)
		}
		e.rollbackLocked(in, err)
		return err
	}
	e.cfg.logger.Debug("mutation applied", "op", KindRemove, "key", key)
	e.cfg.recorder.RecordMutation(string(KindRemove), nil)
	e.publishLocked()
	return nil
}

// Get returns the current value under key, optimistic or authoritative.
func (e *Engine[T]) Get(key string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[key]
	return v, ok
}

// InFlight reports whether a mutation for key has not settled yet.
func (e *Engine[T]) InFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[key]
	return ok
}

// Len returns the number of entries.
func (e *Engine[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Snapshot returns the current list.
func (e *Engine[T]) Snapshot() ListState[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe registers l for every subsequent list change.
func (e *Engine[T]) Subscribe(l observe.Listener[ListState[T]]) (unsubscribe func()) {
	return e.hub.Subscribe(l)
}

// guardLocked rejects a mutation on a key that already has one in flight.
func (e *Engine[T]) guardLocked(kind MutationKind, key string) error {
	if _, busy := e.inflight[key]; !busy {
		return nil
	}
	e.cfg.logger.Debug("mutation rejected: key busy", "op", kind, "key", key)
	e.cfg.recorder.RecordConflict(string(kind))
	return syncerr.NewConflict(string(kind), key)
}

// await runs op under the configured deadline. Called without the lock.
func (e *Engine[T]) await(ctx context.Context, in *intent[T], op RemoteOp[T]) (*T, error) {
	name := string(in.kind)
	v, err := guard.Timeout(ctx, e.cfg.timeout, func(ctx context.Context) (*T, error) {
		return op(ctx)
	}, func() (*T, error) {
		return nil, syncerr.NewTimeout(name, in.key)
	})
	return v, syncerr.Classify(name, in.key, err)
}

// settleLocked clears the in-flight marker and returns a superseded error
// if a Load happened while the mutation was running.
func (e *Engine[T]) settleLocked(in *intent[T]) error {
	if e.inflight[in.key] == in {
		delete(e.inflight, in.key)
	}
	if e.gen.IsCurrent(in.generation) {
		return nil
	}
	e.cfg.logger.Debug("dropping superseded mutation result", "op", in.kind, "key", in.key)
	e.cfg.recorder.RecordSuperseded(string(in.kind))
	return syncerr.NewSuperseded(string(in.kind), in.key)
}

// rollbackLocked records a rollback and publishes. It releases the lock.
func (e *Engine[T]) rollbackLocked(in *intent[T], err error) {
	e.cfg.logger.Warn("mutation rolled back", "op", in.kind, "key", in.key, "error", err)
	e.cfg.recorder.RecordMutation(string(in.kind), err)
	e.cfg.recorder.RecordRollback(string(in.kind))
	e.publishLocked()
}

// publishLocked snapshots the list, releases the lock and notifies
// listeners.
func (e *Engine[T]) publishLocked() {
	version, snap := e.commitLocked()
	e.mu.Unlock()
	e.hub.Publish(version, snap)
}

func (e *Engine[T]) commitLocked() (uint64, ListState[T]) {
	e.version++
	return e.version, e.snapshotLocked()
}

func (e *Engine[T]) snapshotLocked() ListState[T] {
	items := make([]Item[T], len(e.order))
	for i, k := range e.order {
		_, pending := e.inflight[k]
		items[i] = Item[T]{Key: k, Value: e.values[k], Pending: pending}
	}
	inflight := make([]string, 0, len(e.inflight))
	for k := range e.inflight {
		inflight = append(inflight, k)
	}
	sort.Strings(inflight)
	return ListState[T]{Version: e.version, Items: items, InFlight: inflight}
}

func (e *Engine[T]) indexLocked(key string) int {
	for i, k := range e.order {
		if k == key {
			return i
		}
	}
	return -1
}

func (e *Engine[T]) deleteLocked(key string) {
	if i := e.indexLocked(key); i >= 0 {
		e.order = append(e.order[:i], e.order[i+1:]...)
	}
	delete(e.values, key)
}

func (e *Engine[T]) insertLocked(pos int, key string, v T) {
	e.order = append(e.order, "")
	copy(e.order[pos+1:], e.order[pos:])
	e.order[pos] = key
	e.values[key] = v
}
