// Package remote defines the boundary between the synchronization core and
// the backing data service.
//
// The core treats entity payloads as opaque field maps. It only needs to
// know when to call the store and what to do with the answer.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by FetchEntity when no entity has the given id.
var ErrNotFound = errors.New("remote: entity not found")

// KindUser is the entity kind holding user records.
const KindUser = "users"

// SessionInfo is an authenticated remote session.
type SessionInfo struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// EventKind enumerates auth events delivered by the store.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventSignedOut      EventKind = "SIGNED_OUT"
)

// AuthEvent is one notification from the store's auth event stream.
// Session is nil for EventSignedOut.
type AuthEvent struct {
	Kind    EventKind
	Session *SessionInfo
}

// Entity is an opaque keyed record.
type Entity struct {
	Kind   string
	ID     string
	Fields map[string]any
}

// Clone returns a copy of e with its own field map.
func (e Entity) Clone() Entity {
	out := Entity{Kind: e.Kind, ID: e.ID}
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Op enumerates mutation operations.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Descriptor describes one mutation request. For OpInsert an empty ID asks
// the store to assign one.
type Descriptor struct {
	Kind   string
	Op     Op
	ID     string
	Fields map[string]any
}

// ErrorInfo is an explicit error payload returned by the store.
type ErrorInfo struct {
	Code    string
	Message string
}

// MutationResult is the store's answer to a mutation. Exactly one of Data
// and Error is usually set; Data may be nil on a successful delete.
type MutationResult struct {
	Data  *Entity
	Error *ErrorInfo
}

// Store is the remote data service.
//
// Implementations must be safe for concurrent use. Blocking calls honor ctx
// cancellation as an abort signal.
type Store interface {
	// FetchSession returns the current session, or nil if signed out.
	FetchSession(ctx context.Context) (*SessionInfo, error)

	// FetchEntity returns one entity or ErrNotFound.
	FetchEntity(ctx context.Context, kind, id string) (Entity, error)

	// SubscribeToEvents registers handler for auth events and returns the
	// function that releases the subscription.
	SubscribeToEvents(handler func(AuthEvent)) (unsubscribe func())

	// Mutate applies one mutation. Transport failures are returned as err;
	// business rejections come back in MutationResult.Error.
	Mutate(ctx context.Context, d Descriptor) (MutationResult, error)
}
