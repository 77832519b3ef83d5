package testutil

import (
	"testing"
	"time"

	"github.com/nhle/task-sync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// FixedClock returns a clock function that always reports the given
// epoch-millisecond instant. Tests advance it by reassigning *ms.
func FixedClock(ms *int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(*ms)
	}
}
