package agents

import (
	"context"
	"testing"

	"campusdesk/internal/protocol"

	"github.com/stretchr/testify/assert"
)

func TestGreetingBuckets(t *testing.T) {
	h := NewGreetingHandler()

	cases := []struct {
		message string
		want    string
	}{
		{"can you send emails for me?", "Draft and send emails"},
		{"what can you do?", "support tickets"},
		{"bye!", "Goodbye"},
		{"thanks a lot", "You're welcome"},
		{"hello there", "Hi"},
	}
	for _, c := range cases {
		out := h.Handle(context.Background(), &Request{Message: c.message, UserID: "alice"})
		assert.Equal(t, protocol.StatusSuccess, out.Status)
		assert.Contains(t, out.Message, c.want, "message %q", c.message)
	}
}

func TestGreetingUsesFirstName(t *testing.T) {
	h := NewGreetingHandler()

	out := h.Handle(context.Background(), &Request{
		Message: "hi",
		Profile: &protocol.Profile{Name: "Alice Fernandes"},
	})
	assert.Contains(t, out.Message, "Hi Alice!")
}

func TestKeywordMatchers(t *testing.T) {
	assert.True(t, IsCancel("Never mind"))
	assert.True(t, IsCancel("cancel."))
	assert.False(t, IsCancel("cancel my leave application"))

	assert.True(t, IsConfirm("Send it"))
	assert.True(t, IsConfirm("OK!"))
	assert.False(t, IsConfirm("yes, but change the subject"))

	assert.True(t, IsEdit("regenerate"))
	assert.False(t, IsEdit("editing is hard"))
}
