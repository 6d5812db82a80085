package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/syncerr"
	"github.com/roach88/tillsync/internal/testutil"
)

const waitFor = 2 * time.Second

func signedInStore() *testutil.FakeStore {
	store := testutil.NewFakeStore()
	store.SetSession(&remote.SessionInfo{Token: "t1", UserID: "u1"})
	store.PutUser("u1", "cashier", map[string]string{"name": "Ana"})
	return store
}

// startManager runs m in the background and closes it when the test ends.
func startManager(t *testing.T, m *Manager) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		require.NoError(t, <-errc)
	})
}

func settle(t *testing.T, m *Manager) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
	s, err := m.AwaitSettled(ctx)
	require.NoError(t, err)
	return s
}

func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

// statusLog records every published status.
type statusLog struct {
	mu  sync.Mutex
	got []Status
}

func (l *statusLog) listen(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s.Status)
}

func (l *statusLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.got...)
}

func TestManager_InitAuthenticates(t *testing.T) {
	store := signedInStore()
	m := New(store)
	log := &statusLog{}
	m.Subscribe(log.listen)
	startManager(t, m)

	require.NoError(t, m.Init())
	s := settle(t, m)

	assert.Equal(t, Authenticated, s.Status)
	require.NotNil(t, s.User)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "cashier", s.User.Role)
	assert.Equal(t, "t1", s.Token)
	assert.Nil(t, s.Err)
	assert.Equal(t, []Status{Initializing, Authenticated}, log.statuses())
}

func TestManager_InitIsIdempotent(t *testing.T) {
	store := signedInStore()
	m := New(store)

	// Queued before Run starts.
	require.NoError(t, m.Init())
	require.NoError(t, m.Init())
	require.NoError(t, m.Init())
	startManager(t, m)

	s := settle(t, m)
	assert.Equal(t, Authenticated, s.Status)

	require.NoError(t, m.Init())
	flush(t, m)

	assert.Equal(t, 1, store.Calls(testutil.SessionGate))
	assert.Equal(t, 1, store.Calls(testutil.EntityGate(remote.KindUser, "u1")))
	assert.Equal(t, Authenticated, m.Snapshot().Status)
}

func TestManager_ConcurrentInit(t *testing.T) {
	store := signedInStore()
	m := New(store)
	startManager(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Init())
		}()
	}
	wg.Wait()

	s := settle(t, m)
	assert.Equal(t, Authenticated, s.Status)
	assert.Equal(t, 1, store.Calls(testutil.SessionGate))
}

func TestManager_NoSession(t *testing.T) {
	store := testutil.NewFakeStore()
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	s := settle(t, m)

	assert.Equal(t, Unauthenticated, s.Status)
	assert.Nil(t, s.User)
	assert.Equal(t, 0, store.Calls(testutil.EntityGate(remote.KindUser, "")))
}

func TestManager_FetchErrorFails(t *testing.T) {
	store := signedInStore()
	store.FailSession(testutil.ErrUnavailable)
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	s := settle(t, m)

	assert.Equal(t, Failed, s.Status)
	assert.True(t, syncerr.IsNetwork(s.Err))
	assert.ErrorIs(t, s.Err, testutil.ErrUnavailable)
	assert.Nil(t, s.User)
}

func TestManager_MissingUserIsRejected(t *testing.T) {
	store := testutil.NewFakeStore()
	store.SetSession(&remote.SessionInfo{Token: "t1", UserID: "ghost"})
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	s := settle(t, m)

	assert.Equal(t, Failed, s.Status)
	assert.True(t, syncerr.IsRejected(s.Err))
	assert.ErrorIs(t, s.Err, remote.ErrNotFound)
}

func TestManager_TimeoutFailsAndIgnoresLateResult(t *testing.T) {
	store := signedInStore()
	store.Hold(testutil.SessionGate)
	m := New(store, WithFetchTimeout(20*time.Millisecond))
	startManager(t, m)

	require.NoError(t, m.Init())
	s := settle(t, m)
	assert.Equal(t, Failed, s.Status)
	assert.True(t, syncerr.IsTimeout(s.Err))

	// The abandoned fetch completes and goes on to resolve the user; its
	// result must not resurrect the session.
	store.Release(testutil.SessionGate)
	require.Eventually(t, func() bool {
		return store.Calls(testutil.EntityGate(remote.KindUser, "u1")) == 1
	}, waitFor, time.Millisecond)
	flush(t, m)

	assert.Equal(t, Failed, m.Snapshot().Status)
	assert.Nil(t, m.Snapshot().User)
}

func TestManager_RetryAfterFailure(t *testing.T) {
	store := signedInStore()
	store.FailSession(testutil.ErrUnavailable)
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	require.Equal(t, Failed, settle(t, m).Status)

	store.FailSession(nil)
	require.NoError(t, m.Retry())
	s := settle(t, m)

	assert.Equal(t, Authenticated, s.Status)
	assert.Nil(t, s.Err)
	assert.Equal(t, 2, store.Calls(testutil.SessionGate))
}

func TestManager_ListenerMayRetry(t *testing.T) {
	store := signedInStore()
	store.FailSession(testutil.ErrUnavailable)
	m := New(store)

	var once sync.Once
	m.Subscribe(func(s Session) {
		if s.Status != Failed {
			return
		}
		once.Do(func() {
			assert.Equal(t, Failed, m.Snapshot().Status)
			store.FailSession(nil)
			assert.NoError(t, m.Retry())
		})
	})
	startManager(t, m)

	require.NoError(t, m.Init())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.Eventually(t, func() bool {
		return m.Snapshot().Status == Authenticated
	}, waitFor, 5*time.Millisecond)
	s, err := m.AwaitSettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, Authenticated, s.Status)
	assert.Equal(t, 2, store.Calls(testutil.SessionGate))
}

func TestManager_RetryOutsideFailedIsNoop(t *testing.T) {
	store := signedInStore()
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	settle(t, m)

	require.NoError(t, m.Retry())
	flush(t, m)

	assert.Equal(t, Authenticated, m.Snapshot().Status)
	assert.Equal(t, 1, store.Calls(testutil.SessionGate))
}

func TestManager_TokenRefreshDoesNotRefetch(t *testing.T) {
	store := signedInStore()
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	before := settle(t, m)

	store.Emit(remote.AuthEvent{
		Kind:    remote.EventTokenRefreshed,
		Session: &remote.SessionInfo{Token: "t2", UserID: "u1"},
	})
	flush(t, m)

	after := m.Snapshot()
	assert.Equal(t, Authenticated, after.Status)
	assert.Equal(t, "t2", after.Token)
	assert.Same(t, before.User, after.User)
	assert.Equal(t, 1, store.Calls(testutil.SessionGate))
	assert.Equal(t, 1, store.Calls(testutil.EntityGate(remote.KindUser, "u1")))
}

func TestManager_SignedOutClearsUser(t *testing.T) {
	store := signedInStore()
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	settle(t, m)

	store.Emit(remote.AuthEvent{Kind: remote.EventSignedOut})
	flush(t, m)

	s := m.Snapshot()
	assert.Equal(t, Unauthenticated, s.Status)
	assert.Nil(t, s.User)
	assert.Empty(t, s.Token)
}

func TestManager_SignedOutSupersedesInFlightFetch(t *testing.T) {
	store := signedInStore()
	store.Hold(testutil.SessionGate)
	rec := &fakeRecorder{}
	m := New(store, WithRecorder(rec))
	log := &statusLog{}
	m.Subscribe(log.listen)
	startManager(t, m)

	require.NoError(t, m.Init())
	require.Eventually(t, func() bool {
		return store.Waiting(testutil.SessionGate) == 1
	}, waitFor, time.Millisecond)

	store.Emit(remote.AuthEvent{Kind: remote.EventSignedOut})
	flush(t, m)
	require.Equal(t, Unauthenticated, m.Snapshot().Status)

	store.Release(testutil.SessionGate)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.superseded == 1
	}, waitFor, time.Millisecond)
	flush(t, m)

	assert.Equal(t, Unauthenticated, m.Snapshot().Status)
	assert.NotContains(t, log.statuses(), Authenticated)
}

func TestManager_SignedInSharesUserFetchWithInit(t *testing.T) {
	store := signedInStore()
	userGate := testutil.EntityGate(remote.KindUser, "u1")
	store.Hold(userGate)
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	require.Eventually(t, func() bool {
		return store.Waiting(userGate) == 1
	}, waitFor, time.Millisecond)

	store.Emit(remote.AuthEvent{
		Kind:    remote.EventSignedIn,
		Session: &remote.SessionInfo{Token: "t1", UserID: "u1"},
	})
	require.Eventually(t, func() bool {
		n, _ := m.users.Pending("u1")
		return n == 2
	}, waitFor, time.Millisecond)

	store.Release(userGate)
	s := settle(t, m)

	assert.Equal(t, Authenticated, s.Status)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, 1, store.Calls(userGate))
	stats := m.Stats()
	assert.Equal(t, int64(2), stats.UserCalls)
	assert.Equal(t, int64(1), stats.UserStarted)
}

func TestManager_SignedInSwitchesUser(t *testing.T) {
	store := signedInStore()
	store.PutUser("u2", "manager", nil)
	m := New(store)
	startManager(t, m)

	require.NoError(t, m.Init())
	settle(t, m)

	store.Emit(remote.AuthEvent{
		Kind:    remote.EventSignedIn,
		Session: &remote.SessionInfo{Token: "t9", UserID: "u2"},
	})
	s := settle(t, m)

	assert.Equal(t, Authenticated, s.Status)
	assert.Equal(t, "u2", s.User.ID)
	assert.Equal(t, "manager", s.User.Role)
	assert.Equal(t, "t9", s.Token)
}

func TestManager_ListenerAcquiredOnceReleasedOnce(t *testing.T) {
	store := signedInStore()
	m := New(store)
	assert.Equal(t, 0, store.SubscribeCalls())

	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	require.Eventually(t, func() bool { return store.Subscribers() == 1 }, waitFor, time.Millisecond)

	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)

	require.NoError(t, m.Close())
	require.NoError(t, <-errc)
	require.NoError(t, m.Close())

	assert.Equal(t, 1, store.SubscribeCalls())
	assert.Equal(t, 1, store.UnsubscribeCalls())
	assert.Equal(t, 0, store.Subscribers())

	assert.ErrorIs(t, m.Run(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Init(), ErrClosed)
}

func TestManager_ContextCancelReleasesListener(t *testing.T) {
	store := signedInStore()
	m := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return store.Subscribers() == 1 }, waitFor, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	require.NoError(t, m.Close())
	assert.Equal(t, 1, store.UnsubscribeCalls())
}

func TestManager_CloseAbortsInFlightFetch(t *testing.T) {
	store := signedInStore()
	store.Hold(testutil.SessionGate)
	m := New(store)

	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	require.NoError(t, m.Init())
	require.Eventually(t, func() bool {
		return store.Waiting(testutil.SessionGate) == 1
	}, waitFor, time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, <-errc)
	require.Eventually(t, func() bool {
		return store.Waiting(testutil.SessionGate) == 0
	}, waitFor, time.Millisecond)
	assert.Equal(t, Initializing, m.Snapshot().Status)
}

func TestManager_AwaitSettledHonorsContext(t *testing.T) {
	m := New(testutil.NewFakeStore())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	s, err := m.AwaitSettled(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Uninitialized, s.Status)
}

type fakeRecorder struct {
	mu          sync.Mutex
	transitions []string
	fetches     map[string]int
	superseded  int
}

func (r *fakeRecorder) RecordTransition(from, to Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+">"+to.String())
}

func (r *fakeRecorder) RecordFetch(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetches == nil {
		r.fetches = make(map[string]int)
	}
	r.fetches[op+":"+string(syncerr.CodeOf(err))]++
}

func (r *fakeRecorder) RecordSuperseded(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded++
}

func TestManager_Recorder(t *testing.T) {
	store := signedInStore()
	rec := &fakeRecorder{}
	m := New(store, WithRecorder(rec))
	startManager(t, m)

	require.NoError(t, m.Init())
	settle(t, m)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"uninitialized>initializing", "initializing>authenticated"}, rec.transitions)
	assert.Equal(t, map[string]int{"session.fetch:": 1}, rec.fetches)
	assert.Equal(t, 0, rec.superseded)
}
