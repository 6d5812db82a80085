// Package session owns the authentication lifecycle of one client.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every trigger (explicit Init, Retry, auth events from the remote store,
// and settled fetches) is enqueued to one FIFO queue. Manager.Run dequeues
// events one at a time and applies them through Reduce, the single total
// transition function. Transitions are therefore applied strictly in
// arrival order and the final state is deterministic for a given order.
//
// State Machine:
//
//	Uninitialized ─Init─▶ Initializing ─fetch ok─▶ Authenticated | Unauthenticated
//	      any ─SignedIn─▶ Initializing (re-entrant)
//	      any ─SignedOut─▶ Unauthenticated
//	Initializing ─fetch error / timeout─▶ Failed ─Retry─▶ Initializing
//
// Init is idempotent by state: once the session is Initializing,
// Authenticated or Unauthenticated, further Init calls are no-ops.
// Loading is derived from the status, never tracked separately.
//
// Fetch Deduplication:
// Session and user fetches go through flight registries, so an init-driven
// and an event-driven fetch of the same user collapse into one remote call.
// TokenRefreshed never refetches the user.
//
// Supersession:
// Each fetch is tagged with a generation token. SignedOut and every new
// fetch advance the generation; a settle event whose token is no longer
// current is dropped, so a late result never overwrites a state that has
// moved on. Fetches are bounded by a deadline (default 10s); on expiry the
// session fails with a TIMEOUT error.
//
// Listener Lifecycle:
// The remote event subscription is acquired once, when Run starts, and
// released exactly once by Close. Close also cancels in-flight fetches. A
// closed Manager cannot be restarted; create a new one.
package session
