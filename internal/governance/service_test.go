package governance

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campusdesk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, emailMax, ticketMax int) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "gov.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, emailMax, ticketMax, "Asia/Kolkata")
	require.NoError(t, err)
	return s
}

func TestInvalidTimezone(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "gov.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, 5, 3, "Not/AZone")
	assert.Error(t, err)
}

func TestLimitEnforcement(t *testing.T) {
	s := newTestService(t, 2, 3)

	allowed, remaining, max := s.CheckDailyLimit("alice", ActionEmail)
	assert.True(t, allowed)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, 2, max)

	require.NoError(t, s.IncrementUsage("alice", ActionEmail))
	allowed, remaining, _ = s.CheckDailyLimit("alice", ActionEmail)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	require.NoError(t, s.IncrementUsage("alice", ActionEmail))
	allowed, remaining, _ = s.CheckDailyLimit("alice", ActionEmail)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	// Ticket quota is independent
	allowed, remaining, max = s.CheckDailyLimit("alice", ActionTicket)
	assert.True(t, allowed)
	assert.Equal(t, 3, remaining)
	assert.Equal(t, 3, max)
}

func TestUserIsolation(t *testing.T) {
	s := newTestService(t, 1, 1)

	require.NoError(t, s.IncrementUsage("alice", ActionEmail))

	allowed, _, _ := s.CheckDailyLimit("alice", ActionEmail)
	assert.False(t, allowed)

	allowed, remaining, _ := s.CheckDailyLimit("bob", ActionEmail)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}

func TestDayRollover(t *testing.T) {
	s := newTestService(t, 1, 1)

	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.IncrementUsage("alice", ActionEmail))
	allowed, _, _ := s.CheckDailyLimit("alice", ActionEmail)
	assert.False(t, allowed)

	// Next civil day in Asia/Kolkata resets the counter
	s.now = func() time.Time { return now.Add(24 * time.Hour) }
	allowed, remaining, _ := s.CheckDailyLimit("alice", ActionEmail)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}

func TestCivilDayBoundary(t *testing.T) {
	s := newTestService(t, 5, 3)

	// 19:00 UTC and 20:00 UTC straddle midnight in Asia/Kolkata (UTC+5:30)
	s.now = func() time.Time { return time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC) }
	dayBefore := s.today()

	s.now = func() time.Time { return time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC) }
	dayAfter := s.today()

	assert.Equal(t, "2026-03-10", dayBefore)
	assert.Equal(t, "2026-03-11", dayAfter)
}

func TestConcurrentIncrements(t *testing.T) {
	s := newTestService(t, 100, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementUsage("alice", ActionTicket))
		}()
	}
	wg.Wait()

	_, remaining, _ := s.CheckDailyLimit("alice", ActionTicket)
	assert.Equal(t, 80, remaining)
}

func TestGetRemainingLimits(t *testing.T) {
	s := newTestService(t, 5, 3)

	limits := s.GetRemainingLimits("alice")
	assert.Equal(t, 5, limits.EmailsRemaining)
	assert.Equal(t, 3, limits.TicketsRemaining)

	require.NoError(t, s.IncrementUsage("alice", ActionEmail))
	require.NoError(t, s.IncrementUsage("alice", ActionTicket))
	require.NoError(t, s.IncrementUsage("alice", ActionTicket))

	limits = s.GetRemainingLimits("alice")
	assert.Equal(t, 4, limits.EmailsRemaining)
	assert.Equal(t, 1, limits.TicketsRemaining)
	assert.Equal(t, 5, limits.EmailsMax)
	assert.Equal(t, 3, limits.TicketsMax)
}

func TestActivityLog(t *testing.T) {
	s := newTestService(t, 5, 3)

	s.LogActivity("alice", ActivityEmailSent, "Email sent to prof@college.edu")
	s.LogActivity("alice", ActivityTicketCreated, "Ticket ACE-20260310-0001 created")
	s.LogActivity("bob", ActivityEmailSent, "bob's email")

	events := s.RecentActivity("alice", 10)
	require.Len(t, events, 2)
	// Newest first
	assert.Equal(t, ActivityTicketCreated, events[0].Type)
	assert.Equal(t, ActivityEmailSent, events[1].Type)
	assert.Equal(t, "Email sent to prof@college.edu", events[1].Description)
}

func TestUnknownActivityTypeAccepted(t *testing.T) {
	s := newTestService(t, 5, 3)

	s.LogActivity("alice", "SOMETHING_ELSE", "still recorded")

	events := s.RecentActivity("alice", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "SOMETHING_ELSE", events[0].Type)
}

func TestDefaultMaxima(t *testing.T) {
	s := newTestService(t, 0, -1)
	assert.Equal(t, 5, s.emailDailyMax)
	assert.Equal(t, 3, s.ticketDailyMax)
}
