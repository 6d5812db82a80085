package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/remote"
)

// DefaultSessionTTL is the lifetime of a session created by SignIn or
// Refresh when no TTL is given.
const DefaultSessionTTL = 24 * time.Hour

// ErrNoSession is returned by Refresh when nobody is signed in.
var ErrNoSession = errors.New("store: no active session")

// FetchSession implements remote.Store. An expired session reads as
// signed out.
func (s *Store) FetchSession(ctx context.Context) (*remote.SessionInfo, error) {
	info, err := s.currentSession(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	return info, nil
}

// SignIn starts a session for an existing user and appends a SIGNED_IN
// event.
func (s *Store) SignIn(ctx context.Context, userID string, ttl time.Duration) (remote.SessionInfo, error) {
	var info remote.SessionInfo
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := fetchEntity(ctx, tx, remote.KindUser, userID); err != nil {
			return err
		}
		info = s.newSession(userID, ttl)
		if err := upsertSession(ctx, tx, info); err != nil {
			return err
		}
		return appendEvent(ctx, tx, remote.EventSignedIn, &info)
	})
	if err != nil {
		return remote.SessionInfo{}, fmt.Errorf("sign in %s: %w", userID, err)
	}
	s.logger.Info("signed in", "user_id", userID, "expires_at", info.ExpiresAt)
	return info, nil
}

// Refresh rotates the token of the current session and appends a
// TOKEN_REFRESHED event.
func (s *Store) Refresh(ctx context.Context, ttl time.Duration) (remote.SessionInfo, error) {
	var info remote.SessionInfo
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNoSession
		}
		info = s.newSession(cur.UserID, ttl)
		if err := upsertSession(ctx, tx, info); err != nil {
			return err
		}
		return appendEvent(ctx, tx, remote.EventTokenRefreshed, &info)
	})
	if err != nil {
		return remote.SessionInfo{}, fmt.Errorf("refresh session: %w", err)
	}
	s.logger.Info("session refreshed", "user_id", info.UserID)
	return info, nil
}

// SignOut ends the current session, if any, and appends a SIGNED_OUT event.
func (s *Store) SignOut(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = 1`); err != nil {
			return err
		}
		return appendEvent(ctx, tx, remote.EventSignedOut, nil)
	})
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	s.logger.Info("signed out")
	return nil
}

func (s *Store) newSession(userID string, ttl time.Duration) remote.SessionInfo {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return remote.SessionInfo{
		Token:     s.newID(),
		UserID:    userID,
		ExpiresAt: time.Unix(s.now().Add(ttl).Unix(), 0).UTC(),
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) currentSession(ctx context.Context, q queryer) (*remote.SessionInfo, error) {
	var (
		info    remote.SessionInfo
		expires int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT token, user_id, expires_at FROM sessions WHERE id = 1
	`).Scan(&info.Token, &info.UserID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.ExpiresAt = time.Unix(expires, 0).UTC()
	if !info.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &info, nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, info remote.SessionInfo) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, token, user_id, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			expires_at = excluded.expires_at
	`, info.Token, info.UserID, info.ExpiresAt.Unix())
	return err
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
