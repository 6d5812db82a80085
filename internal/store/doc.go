// Package store provides a SQLite-backed remote.Store.
//
// It plays the backing data service for the tillsync CLI: one local
// database file holds the signed-in session, user records, entities and an
// append-only log of auth events. Several processes may share the file.
//
// # Auth Events
//
// SignIn, Refresh and SignOut append a row to auth_events. Subscribers
// poll the table by seq and receive every event written after they
// subscribed, in seq order, so a sign-in from one process reaches a
// watcher running in another.
//
// # Mutations
//
// Mutate answers business failures with an error payload instead of a Go
// error, using the same codes a PostgREST backend would:
//   - 23505: insert of an id that already exists
//   - PGRST116: update or delete of a missing id
//   - 22023: an operation the store does not support
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
