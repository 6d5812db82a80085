// Package harness runs scripted concurrency scenarios against the session
// manager and the optimistic list engines.
//
// A scenario seeds a testutil.FakeStore, fires triggers in a fixed order
// and checks the final state. Store gates make interleavings explicit: a
// held gate parks every call that reaches it until a release step, so
// "init twice while the fetch is in flight" is a script, not a race.
//
// # Scenario Format
//
//	name: init_dedup
//	description: "Two inits share one session fetch"
//	remote:
//	  session: { token: t1, user: u1 }
//	  users:
//	    - { id: u1, role: cashier }
//	  hold: [session]
//	steps:
//	  - op: init
//	  - op: init
//	  - op: await
//	    for: gate
//	    gate: session
//	  - op: release
//	    gate: session
//	  - op: await
//	    for: settled
//	assertions:
//	  - { type: session_status, status: authenticated }
//	  - { type: fetch_count, gate: session, count: 1 }
//
// Gates are named as in testutil: "session", "entity:<kind>/<id>" and
// "mutate:<kind>/<id>".
//
// # Steps
//
//   - init, retry, event: session triggers, applied before the next step
//   - parallel: session triggers fired concurrently
//   - hold, release: close or open a store gate
//   - fail, heal: script or clear a transport failure
//   - await: wait for a settled session, a parked call or async mutations
//   - load, add, update, remove: list operations; async mutations return
//     once parked on their gate
//
// # Assertion Types
//
//   - session_status, session_user: the final Session
//   - fetch_count: calls that reached a store gate
//   - list_contains, list_absent, list_order: the final list of a kind
//   - remote_contains: an entity in the store
//   - error_code: the outcome of one step
//
// # Deterministic Traces
//
// Each step records a trace event. Session state is recorded only after
// await steps and at the end, where it cannot depend on goroutine
// scheduling. Temporary keys are tmp-1, tmp-2, ... and server ids srv-1,
// srv-2, ... so identical scenarios produce byte-identical canonical JSON,
// which RunWithGolden compares against testdata/golden/<name>.golden.
package harness
