package maillog

import (
	"path/filepath"
	"testing"
	"time"

	"campusdesk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := New(db)
	require.NoError(t, err)
	return l
}

func TestRecordAndList(t *testing.T) {
	l := newTestLog(t)

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	require.NoError(t, l.Record("alice", "mehta@college.edu", "Dr. Anita Mehta", "Leave application"))

	l.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, l.Record("alice", "rao@college.edu", "Sunil Rao", "Project extension"))

	entries, err := l.ListForUser("alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first
	assert.Equal(t, "rao@college.edu", entries[0].ToEmail)
	assert.Equal(t, "Dr. Anita Mehta", entries[1].ToName)
}

func TestListUserScoped(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Record("alice", "a@college.edu", "", "alice mail"))
	require.NoError(t, l.Record("bob", "b@college.edu", "", "bob mail"))

	entries, err := l.ListForUser("alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice mail", entries[0].Subject)
}

func TestListLimitDefault(t *testing.T) {
	l := newTestLog(t)

	for i := 0; i < 25; i++ {
		require.NoError(t, l.Record("alice", "x@college.edu", "", "subject"))
	}

	entries, err := l.ListForUser("alice", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}
