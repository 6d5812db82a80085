package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/remote"
)

// eventBatch caps how many events one poll delivers.
const eventBatch = 100

// Event is one row of the auth event log.
type Event struct {
	Seq int64
	remote.AuthEvent
}

// LastEventSeq returns the seq of the newest auth event, or 0.
func (s *Store) LastEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM auth_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq, nil
}

// EventsAfter returns up to limit auth events with seq > after, ordered by
// seq.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, token, user_id, expires_at
		FROM auth_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			kind    string
			info    remote.SessionInfo
			expires int64
		)
		if err := rows.Scan(&ev.Seq, &kind, &info.Token, &info.UserID, &expires); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = remote.EventKind(kind)
		if ev.Kind != remote.EventSignedOut {
			info.ExpiresAt = time.Unix(expires, 0).UTC()
			ev.Session = &info
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SubscribeToEvents implements remote.Store.
//
// handler receives every event appended after the call, in seq order, from
// a single polling goroutine. If the current seq cannot be read, polling
// retries the lookup on each tick and delivers nothing until it succeeds.
// The returned function stops polling and waits for the goroutine to exit;
// it must not be called from handler.
func (s *Store) SubscribeToEvents(handler func(remote.AuthEvent)) func() {
	ctx, cancel := context.WithCancel(context.Background())

	start, err := s.LastEventSeq(ctx)
	if err != nil {
		s.logger.Warn("event subscription start unknown, retrying on next poll", "error", err)
		start = -1
	}

	done := make(chan struct{})
	go s.poll(ctx, start, handler, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// poll delivers events after last. A negative last means the starting seq
// has not been read yet.
func (s *Store) poll(ctx context.Context, last int64, handler func(remote.AuthEvent), done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if last < 0 {
			seq, err := s.LastEventSeq(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("event subscription start unknown", "error", err)
				}
				continue
			}
			s.logger.Debug("event subscription started", "seq", seq)
			last = seq
			continue
		}

		events, err := s.EventsAfter(ctx, last, eventBatch)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("poll auth events", "error", err)
			}
			continue
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("auth event", "seq", ev.Seq, "kind", ev.Kind)
			handler(ev.AuthEvent)
			last = ev.Seq
		}
	}
}

func appendEvent(ctx context.Context, tx *sql.Tx, kind remote.EventKind, info *remote.SessionInfo) error {
	var (
		token, userID string
		expires       int64
	)
	if info != nil {
		token, userID, expires = info.Token, info.UserID, info.ExpiresAt.Unix()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO auth_events (kind, token, user_id, expires_at)
		VALUES (?, ?, ?, ?)
	`, string(kind), token, userID, expires)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
