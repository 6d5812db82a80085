package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roach88/tillsync/internal/remote"
)

// collectEvents subscribes and returns a channel receiving every event.
func collectEvents(t *testing.T, s *Store) (<-chan remote.AuthEvent, func()) {
	t.Helper()
	ch := make(chan remote.AuthEvent, 16)
	unsubscribe := s.SubscribeToEvents(func(ev remote.AuthEvent) {
		ch <- ev
	})
	t.Cleanup(unsubscribe)
	return ch, unsubscribe
}

func nextEvent(t *testing.T, ch <-chan remote.AuthEvent) remote.AuthEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth event")
		return remote.AuthEvent{}
	}
}

func TestSubscribeToEvents_DeliversInOrder(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "cashier")

	ch, _ := collectEvents(t, s)

	if _, err := s.SignIn(ctx, "u1", time.Hour); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	if _, err := s.Refresh(ctx, time.Hour); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if err := s.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}

	want := []remote.EventKind{remote.EventSignedIn, remote.EventTokenRefreshed, remote.EventSignedOut}
	for i, kind := range want {
		ev := nextEvent(t, ch)
		if ev.Kind != kind {
			t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, kind)
		}
		if kind != remote.EventSignedOut && (ev.Session == nil || ev.Session.UserID != "u1") {
			t.Errorf("event %d session = %+v", i, ev.Session)
		}
	}
}

func TestSubscribeToEvents_SkipsHistory(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "cashier")

	if _, err := s.SignIn(ctx, "u1", time.Hour); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}

	ch, _ := collectEvents(t, s)
	if err := s.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}

	if ev := nextEvent(t, ch); ev.Kind != remote.EventSignedOut {
		t.Errorf("first delivered event = %s, want SIGNED_OUT", ev.Kind)
	}
}

func TestSubscribeToEvents_RetriesStartWithoutReplay(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "cashier")

	if _, err := s.SignIn(ctx, "u1", time.Hour); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}

	// Hide the event log so the start seq cannot be read.
	if _, err := s.DB().ExecContext(ctx, `ALTER TABLE auth_events RENAME TO auth_events_hidden`); err != nil {
		t.Fatalf("hide auth_events: %v", err)
	}
	ch, _ := collectEvents(t, s)
	time.Sleep(20 * time.Millisecond)
	if _, err := s.DB().ExecContext(ctx, `ALTER TABLE auth_events_hidden RENAME TO auth_events`); err != nil {
		t.Fatalf("restore auth_events: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := s.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}

	if ev := nextEvent(t, ch); ev.Kind != remote.EventSignedOut {
		t.Errorf("first delivered event = %s, want SIGNED_OUT", ev.Kind)
	}
}

func TestSubscribeToEvents_UnsubscribeStopsDelivery(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "cashier")

	var (
		mu    sync.Mutex
		count int
	)
	unsubscribe := s.SubscribeToEvents(func(remote.AuthEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe() // second call is a no-op

	if _, err := s.SignIn(ctx, "u1", time.Hour); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("handler called %d times after unsubscribe", count)
	}
}

func TestEventsAfter_Limit(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SignOut(ctx); err != nil {
			t.Fatalf("SignOut() failed: %v", err)
		}
	}

	events, err := s.EventsAfter(ctx, 1, 1)
	if err != nil {
		t.Fatalf("EventsAfter() failed: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 2 {
		t.Errorf("EventsAfter(1, 1) = %+v, want seq 2 only", events)
	}

	last, err := s.LastEventSeq(ctx)
	if err != nil {
		t.Fatalf("LastEventSeq() failed: %v", err)
	}
	if last != 3 {
		t.Errorf("LastEventSeq() = %d, want 3", last)
	}
}
