package session

import (
	"github.com/roach88/tillsync/internal/remote"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	Uninitialized Status = iota
	Initializing
	Authenticated
	Unauthenticated
	Failed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := Uninitialized; st <= Failed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return Uninitialized, false
}

// Session is the single source of truth for authentication state.
// Values are immutable; the Manager replaces them wholesale.
type Session struct {
	Status Status

	// User is set only when Status is Authenticated, or while Initializing
	// after a SignedIn for the user already shown.
	User *remote.UserRecord

	// Err is set only when Status is Failed.
	Err error

	// Token is the current remote session token, if any.
	Token string
}

// Loading reports whether a fetch is in progress.
func (s Session) Loading() bool {
	return s.Status == Initializing
}

// Settled reports whether s is a terminal state reached after a trigger.
func (s Session) Settled() bool {
	switch s.Status {
	case Authenticated, Unauthenticated, Failed:
		return true
	default:
		return false
	}
}

// EventKind enumerates inputs to Reduce.
type EventKind int

const (
	EventInit EventKind = iota + 1
	EventRetry
	EventSignedIn
	EventTokenRefreshed
	EventSignedOut
	EventFetchSucceeded
	EventFetchFailed

	// eventBarrier is handled by the loop and never reaches Reduce.
	eventBarrier
)

// String returns a short event name for logs.
func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventRetry:
		return "retry"
	case EventSignedIn:
		return "signed_in"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventSignedOut:
		return "signed_out"
	case EventFetchSucceeded:
		return "fetch_succeeded"
	case EventFetchFailed:
		return "fetch_failed"
	case eventBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Event is one input to the state machine.
type Event struct {
	Kind EventKind

	// Session accompanies SignedIn, TokenRefreshed and FetchSucceeded.
	Session *remote.SessionInfo

	// User is the fetched record for FetchSucceeded; nil means no session.
	User *remote.UserRecord

	// Err is the failure for FetchFailed.
	Err error

	// Generation tags fetch results; stale ones never reach Reduce.
	Generation uint64

	done chan struct{}
}

// EffectKind enumerates side effects requested by Reduce.
type EffectKind int

const (
	EffectNone EffectKind = iota

	// EffectFetchSession resolves the session and then its user.
	EffectFetchSession

	// EffectFetchUser resolves the user of Effect.Session.
	EffectFetchUser

	// EffectSupersede invalidates every in-flight fetch.
	EffectSupersede
)

// Effect is the work the loop must start after a transition.
type Effect struct {
	Kind    EffectKind
	Session *remote.SessionInfo
}

// Reduce is the total transition function: every (Session, Event) pair maps
// to exactly one next Session and Effect. changed reports whether next
// differs from cur.
func Reduce(cur Session, ev Event) (next Session, eff Effect, changed bool) {
	switch ev.Kind {
	case EventInit:
		switch cur.Status {
		case Uninitialized, Failed:
			return Session{Status: Initializing, Token: cur.Token}, Effect{Kind: EffectFetchSession}, true
		default:
			return cur, Effect{}, false
		}

	case EventRetry:
		if cur.Status != Failed {
			return cur, Effect{}, false
		}
		return Session{Status: Initializing, Token: cur.Token}, Effect{Kind: EffectFetchSession}, true

	case EventSignedIn:
		if ev.Session == nil || ev.Session.UserID == "" {
			return signedOut(cur)
		}
		next := Session{Status: Initializing, Token: ev.Session.Token}
		if cur.User != nil && cur.User.ID == ev.Session.UserID {
			next.User = cur.User
		}
		return next, Effect{Kind: EffectFetchUser, Session: ev.Session}, true

	case EventTokenRefreshed:
		if ev.Session == nil {
			return cur, Effect{}, false
		}
		switch cur.Status {
		case Authenticated, Initializing:
			if cur.Token == ev.Session.Token {
				return cur, Effect{}, false
			}
			next := cur
			next.Token = ev.Session.Token
			return next, Effect{}, true
		default:
			return cur, Effect{}, false
		}

	case EventSignedOut:
		return signedOut(cur)

	case EventFetchSucceeded:
		if cur.Status != Initializing {
			return cur, Effect{}, false
		}
		if ev.User == nil {
			return Session{Status: Unauthenticated}, Effect{}, true
		}
		next := Session{Status: Authenticated, User: ev.User, Token: cur.Token}
		if ev.Session != nil {
			next.Token = ev.Session.Token
		}
		return next, Effect{}, true

	case EventFetchFailed:
		if cur.Status != Initializing {
			return cur, Effect{}, false
		}
		return Session{Status: Failed, Err: ev.Err, Token: cur.Token}, Effect{}, true

	default:
		return cur, Effect{}, false
	}
}

func signedOut(cur Session) (Session, Effect, bool) {
	changed := cur.Status != Unauthenticated || cur.User != nil || cur.Token != ""
	return Session{Status: Unauthenticated}, Effect{Kind: EffectSupersede}, changed
}
