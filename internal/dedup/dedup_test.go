package dedup

import (
	"testing"
	"time"

	"campusdesk/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infoEnvelope(msg string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:    protocol.TypeInformation,
		Agent:   protocol.AgentFAQ,
		Content: msg,
		AgentOutput: &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusSuccess,
			Message:   msg,
		},
	}
}

func TestFingerprintStableAndEntityOrderIndependent(t *testing.T) {
	c := New(30*time.Second, 16)
	fixed := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	a := c.Fingerprint("alice", "EMAIL", map[string]string{"to": "x@y.edu", "purpose": "leave"})
	b := c.Fingerprint("alice", "EMAIL", map[string]string{"purpose": "leave", "to": "x@y.edu"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Different user, intent, or entities changes the key
	assert.NotEqual(t, a, c.Fingerprint("bob", "EMAIL", map[string]string{"to": "x@y.edu", "purpose": "leave"}))
	assert.NotEqual(t, a, c.Fingerprint("alice", "TICKET", map[string]string{"to": "x@y.edu", "purpose": "leave"}))
	assert.NotEqual(t, a, c.Fingerprint("alice", "EMAIL", map[string]string{"to": "x@y.edu"}))
}

func TestFingerprintMinuteBucket(t *testing.T) {
	c := New(30*time.Second, 16)

	c.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC) }
	early := c.Fingerprint("alice", "FAQ", nil)

	c.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 59, 0, time.UTC) }
	sameBucket := c.Fingerprint("alice", "FAQ", nil)
	assert.Equal(t, early, sameBucket)

	c.now = func() time.Time { return time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC) }
	nextBucket := c.Fingerprint("alice", "FAQ", nil)
	assert.NotEqual(t, early, nextBucket)
}

func TestDuplicateHitAndMiss(t *testing.T) {
	c := New(30*time.Second, 16)

	fp := c.Fingerprint("alice", "FAQ", nil)
	_, dup := c.CheckDuplicate(fp, "what is the fee deadline")
	assert.False(t, dup)

	c.CacheResponse(fp, infoEnvelope("June 30"))

	env, dup := c.CheckDuplicate(fp, "what is the fee deadline")
	require.True(t, dup)
	assert.Equal(t, "June 30", env.Content)
}

func TestBypassKeywords(t *testing.T) {
	c := New(30*time.Second, 16)

	fp := c.Fingerprint("alice", "EMAIL", nil)
	c.CacheResponse(fp, infoEnvelope("sent"))

	for _, msg := range []string{
		"please RETRY that",
		"resend the email",
		"send it again",
		"ok do it again",
		"one more time please",
	} {
		_, dup := c.CheckDuplicate(fp, msg)
		assert.False(t, dup, "expected bypass for %q", msg)
	}

	// Plain repeats still hit
	_, dup := c.CheckDuplicate(fp, "email my professor")
	assert.True(t, dup)
}

func TestErrorResponsesNotCached(t *testing.T) {
	c := New(30*time.Second, 16)

	fp := c.Fingerprint("alice", "FAQ", nil)
	c.CacheResponse(fp, &protocol.Envelope{
		Type:    protocol.TypeInformation,
		Content: "something broke",
		AgentOutput: &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusError,
		},
	})
	c.CacheResponse(fp, nil)

	assert.Zero(t, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c := New(50*time.Millisecond, 16)

	fp := c.Fingerprint("alice", "FAQ", nil)
	c.CacheResponse(fp, infoEnvelope("cached"))

	_, dup := c.CheckDuplicate(fp, "same question")
	assert.True(t, dup)

	time.Sleep(120 * time.Millisecond)

	_, dup = c.CheckDuplicate(fp, "same question")
	assert.False(t, dup)
}

func TestClear(t *testing.T) {
	c := New(30*time.Second, 16)

	fp := c.Fingerprint("alice", "FAQ", nil)
	c.CacheResponse(fp, infoEnvelope("cached"))
	require.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
	_, dup := c.CheckDuplicate(fp, "same question")
	assert.False(t, dup)
}
