package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/testutil"
)

// testEpoch is the fixed wall clock used by createTestStore.
var testEpoch = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

// testClock is a settable clock for session expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// createTestStore opens a store in a temp dir with a fixed clock and
// sequential ids ("id-1", "id-2", ...).
func createTestStore(t *testing.T, opts ...Option) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: testEpoch}
	ids := testutil.NewSequentialIDs("id")
	base := []Option{
		WithClock(clock.Now),
		WithIDs(ids.Next),
		WithPollInterval(5 * time.Millisecond),
	}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// seedUser stores a user entity.
func seedUser(t *testing.T, s *Store, id, role string) {
	t.Helper()
	err := s.PutEntity(context.Background(), remote.Entity{
		Kind:   remote.KindUser,
		ID:     id,
		Fields: map[string]any{"role": role, "name": "User " + id},
	})
	if err != nil {
		t.Fatalf("PutEntity() failed: %v", err)
	}
}

// getTableColumns returns the column names of table.
func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("table_info(%s) failed: %v", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		cols = append(cols, name)
	}
	return cols
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
