package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/flight"
	"github.com/roach88/tillsync/internal/guard"
	"github.com/roach88/tillsync/internal/observe"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/syncerr"
)

// DefaultFetchTimeout bounds every session and user fetch.
const DefaultFetchTimeout = 10 * time.Second

const sessionFlightKey = "session"

var (
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("session: manager closed")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("session: manager already running")
)

// Recorder receives lifecycle measurements. See metrics.Collector.
type Recorder interface {
	RecordTransition(from, to Status)
	RecordFetch(op string, err error)
	RecordSuperseded(op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(Status, Status) {}
func (nopRecorder) RecordFetch(string, error)       {}
func (nopRecorder) RecordSuperseded(string)         {}

// Option configures a Manager.
type Option func(*Manager)

// WithFetchTimeout sets the deadline applied to each fetch.
// Zero or negative disables the deadline.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// FetchStats reports flight registry usage.
type FetchStats struct {
	SessionCalls   int64
	SessionStarted int64
	UserCalls      int64
	UserStarted    int64
}

// Manager owns one Session and the triggers that change it.
//
// Thread-safety model:
//   - Init, Retry, Flush, Snapshot, Subscribe, AwaitSettled, Close: safe
//     from any goroutine
//   - Run: exactly one goroutine, once per Manager
//   - transitions: applied only by the Run goroutine
//   - Subscribe listeners: run on the Run goroutine. They may call Init,
//     Retry, Snapshot and Subscribe. They must not call Flush,
//     AwaitSettled or Close, which wait on the loop the listener is
//     blocking.
type Manager struct {
	store    remote.Store
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder

	queue    *eventQueue
	gen      guard.Generation
	sessions *flight.Registry[string, *remote.SessionInfo]
	users    *flight.Registry[string, remote.UserRecord]
	hub      *observe.Hub[Session]

	mu      sync.RWMutex
	state   Session
	version uint64

	lifeMu      sync.Mutex
	running     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// New creates a Manager in the Uninitialized state. The remote event
// subscription is not acquired until Run.
func New(store remote.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		timeout:  DefaultFetchTimeout,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		queue:    newEventQueue(),
		sessions: flight.New[string, *remote.SessionInfo](nil),
		users:    flight.New[string, remote.UserRecord](nil),
		hub:      observe.NewHub[Session](),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init requests initialization. It is a no-op, applied in queue order, when
// the session is already Initializing, Authenticated or Unauthenticated.
func (m *Manager) Init() error {
	return m.enqueue(Event{Kind: EventInit})
}

// Retry requests re-initialization from the Failed state. It is a no-op in
// any other state.
func (m *Manager) Retry() error {
	return m.enqueue(Event{Kind: EventRetry})
}

// Flush waits until every event enqueued before the call has been applied.
// It must not be called from a Subscribe listener.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := m.enqueue(Event{Kind: eventBarrier, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current Session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers l for every subsequent Session change.
func (m *Manager) Subscribe(l observe.Listener[Session]) (unsubscribe func()) {
	return m.hub.Subscribe(l)
}

// AwaitSettled blocks until the Session is Authenticated, Unauthenticated
// or Failed and returns it. If it already is, it returns immediately. Call
// Flush first to wait for triggers that are still queued. It must not be
// called from a Subscribe listener.
func (m *Manager) AwaitSettled(ctx context.Context) (Session, error) {
	settled := make(chan Session, 1)
	unsubscribe := m.hub.Subscribe(func(s Session) {
		if !s.Settled() {
			return
		}
		select {
		case settled <- s:
		default:
		}
	})
	defer unsubscribe()

	if s := m.Snapshot(); s.Settled() {
		return s, nil
	}
	select {
	case s := <-settled:
		return s, nil
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
}

// Stats returns flight registry usage counters.
func (m *Manager) Stats() FetchStats {
	return FetchStats{
		SessionCalls:   m.sessions.Calls(),
		SessionStarted: m.sessions.Started(),
		UserCalls:      m.users.Calls(),
		UserStarted:    m.users.Started(),
	}
}

// Run acquires the remote event subscription and processes triggers until
// ctx is cancelled or Close is called.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, err := m.start(ctx)
	if err != nil {
		return err
	}
	defer close(m.done)

	m.logger.Info("session manager starting", "fetch_timeout", m.timeout)

	for {
		if ev, ok := m.queue.TryDequeue(); ok {
			m.process(runCtx, ev)
			continue
		}

		select {
		case <-runCtx.Done():
			m.shutdown()
			m.logger.Info("session manager stopping")
			return ctx.Err()

		case <-m.queue.Wait():
			if m.queue.Closed() && m.queue.Len() == 0 {
				m.logger.Info("session manager stopping: closed")
				return nil
			}
		}
	}
}

// Close releases the event subscription exactly once, aborts in-flight
// fetches and stops Run. It must not be called from a Subscribe listener.
func (m *Manager) Close() error {
	running := m.shutdown()
	if running {
		<-m.done
	}
	return nil
}

func (m *Manager) start(ctx context.Context) (context.Context, error) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.running {
		return nil, ErrAlreadyRunning
	}
	m.running = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.unsubscribe = m.store.SubscribeToEvents(m.onAuthEvent)
	return runCtx, nil
}

// shutdown performs the one-time teardown and reports whether Run had been
// started.
func (m *Manager) shutdown() (running bool) {
	m.lifeMu.Lock()
	if m.closed {
		running = m.running
		m.lifeMu.Unlock()
		return running
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	cancel := m.cancel
	running = m.running
	m.lifeMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.queue.Close()
	if cancel != nil {
		cancel()
	}
	return running
}

func (m *Manager) enqueue(ev Event) error {
	if !m.queue.Enqueue(ev) {
		return ErrClosed
	}
	return nil
}

// onAuthEvent is the remote store callback.
func (m *Manager) onAuthEvent(ae remote.AuthEvent) {
	var kind EventKind
	switch ae.Kind {
	case remote.EventSignedIn:
		kind = EventSignedIn
	case remote.EventTokenRefreshed:
		kind = EventTokenRefreshed
	case remote.EventSignedOut:
		kind = EventSignedOut
	default:
		m.logger.Warn("ignoring unknown auth event", "kind", ae.Kind)
		return
	}
	if !m.queue.Enqueue(Event{Kind: kind, Session: ae.Session}) {
		m.logger.Debug("auth event after close dropped", "kind", ae.Kind)
	}
}

// process applies one event. Called only from the Run goroutine.
func (m *Manager) process(ctx context.Context, ev Event) {
	if ev.Kind == eventBarrier {
		close(ev.done)
		return
	}

	if ev.Kind == EventFetchSucceeded || ev.Kind == EventFetchFailed {
		if !m.gen.IsCurrent(ev.Generation) {
			m.logger.Debug("dropping superseded fetch result",
				"event", ev.Kind,
				"generation", ev.Generation,
				"current", m.gen.Current(),
			)
			m.recorder.RecordSuperseded("session.fetch")
			return
		}
	}

	cur := m.Snapshot()
	next, eff, changed := Reduce(cur, ev)
	if changed {
		m.apply(cur, next, ev.Kind)
	} else {
		m.logger.Debug("event left session unchanged", "event", ev.Kind, "status", cur.Status)
	}

	switch eff.Kind {
	case EffectFetchSession:
		gen := m.gen.Next()
		go m.fetchSession(ctx, gen)
	case EffectFetchUser:
		gen := m.gen.Next()
		go m.fetchUser(ctx, gen, eff.Session)
	case EffectSupersede:
		m.gen.Next()
	}
}

func (m *Manager) apply(prev, next Session, cause EventKind) {
	m.mu.Lock()
	m.state = next
	m.version++
	version := m.version
	m.mu.Unlock()

	m.logger.Debug("session transition",
		"from", prev.Status,
		"to", next.Status,
		"event", cause,
	)
	if next.Status == Failed {
		m.logger.Warn("session failed", "error", next.Err)
	}
	m.recorder.RecordTransition(prev.Status, next.Status)
	m.hub.Publish(version, next)
}

type fetched struct {
	session *remote.SessionInfo
	user    *remote.UserRecord
}

func timeoutFallback(op, key string) func() (fetched, error) {
	return func() (fetched, error) {
		return fetched{}, syncerr.NewTimeout(op, key)
	}
}

// fetchSession resolves the remote session and its user under the deadline.
func (m *Manager) fetchSession(ctx context.Context, gen uint64) {
	res, err := guard.Timeout(ctx, m.timeout, func(ctx context.Context) (fetched, error) {
		info, err := m.sessions.Run(ctx, sessionFlightKey, func(context.Context) (*remote.SessionInfo, error) {
			return m.store.FetchSession(ctx)
		})
		if err != nil {
			return fetched{}, syncerr.Classify("session.fetch", "", err)
		}
		if info == nil || info.UserID == "" {
			return fetched{}, nil
		}
		user, err := m.resolveUser(ctx, info.UserID)
		if err != nil {
			return fetched{}, err
		}
		return fetched{session: info, user: &user}, nil
	}, timeoutFallback("session.fetch", ""))

	m.settle(gen, "session.fetch", res, err)
}

// fetchUser resolves the user named by a SignedIn event under the deadline.
func (m *Manager) fetchUser(ctx context.Context, gen uint64, info *remote.SessionInfo) {
	res, err := guard.Timeout(ctx, m.timeout, func(ctx context.Context) (fetched, error) {
		user, err := m.resolveUser(ctx, info.UserID)
		if err != nil {
			return fetched{}, err
		}
		return fetched{session: info, user: &user}, nil
	}, timeoutFallback("user.fetch", info.UserID))

	m.settle(gen, "user.fetch", res, err)
}

// resolveUser fetches a user record through the registry keyed by user id.
// The store call uses the Manager's run context so Close aborts it.
func (m *Manager) resolveUser(ctx context.Context, id string) (remote.UserRecord, error) {
	u, err := m.users.Run(ctx, id, func(context.Context) (remote.UserRecord, error) {
		return remote.FetchUser(ctx, m.store, id)
	})
	if errors.Is(err, remote.ErrNotFound) {
		return remote.UserRecord{}, &syncerr.Error{
			Code:    syncerr.CodeRemoteRejected,
			Op:      "user.fetch",
			Key:     id,
			Message: "user not found",
			Err:     err,
		}
	}
	if err != nil {
		return remote.UserRecord{}, syncerr.Classify("user.fetch", id, err)
	}
	return u, nil
}

func (m *Manager) settle(gen uint64, op string, res fetched, err error) {
	m.recorder.RecordFetch(op, err)

	ev := Event{Kind: EventFetchSucceeded, Session: res.session, User: res.user, Generation: gen}
	if err != nil {
		ev = Event{Kind: EventFetchFailed, Err: err, Generation: gen}
	}
	if !m.queue.Enqueue(ev) {
		m.logger.Debug("fetch settled after close", "op", op)
	}
}
