// Package agents holds the per-intent flow handlers. Handlers never call the
// intent classifier; they receive the already-classified message plus any
// paused flow state, and they are the only writers of the flow-pause store.
package agents

import (
	"context"
	"strings"

	"campusdesk/internal/flowstate"
	"campusdesk/internal/protocol"
)

// Request is the uniform handler input.
type Request struct {
	Message   string
	UserID    string
	SessionID string
	Profile   *protocol.Profile
	Entities  map[string]string
	Flow      *flowstate.FlowState
}

// Handler produces one agent output per turn.
type Handler interface {
	Handle(ctx context.Context, req *Request) *protocol.AgentOutput
}

// Keyword sets shared by the step machines. Matched against the trimmed,
// lowercased message; exact match only, so "yes, but..." does not confirm.
var (
	cancelKeywords = map[string]bool{
		"cancel": true, "never mind": true, "nevermind": true, "stop": true,
		"abort": true, "forget it": true, "quit": true,
	}
	confirmKeywords = map[string]bool{
		"yes": true, "confirm": true, "send": true, "send it": true,
		"go ahead": true, "ok": true, "okay": true, "sure": true,
		"looks good": true, "correct": true, "do it": true,
	}
	editKeywords = map[string]bool{
		"edit": true, "change": true, "modify": true, "update": true,
		"fix": true, "redo": true, "regenerate": true, "try again": true,
		"rewrite": true,
	}
)

func normalize(message string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(message), ".!")))
}

// IsCancel reports whether the message is an exact cancel keyword.
func IsCancel(message string) bool { return cancelKeywords[normalize(message)] }

// IsConfirm reports whether the message is an exact confirm keyword.
func IsConfirm(message string) bool { return confirmKeywords[normalize(message)] }

// IsEdit reports whether the message is an exact edit keyword.
func IsEdit(message string) bool { return editKeywords[normalize(message)] }

// errorOutput builds a generic error output for the given agent.
func errorOutput(agent, message string) *protocol.AgentOutput {
	return &protocol.AgentOutput{
		AgentName: agent,
		Status:    protocol.StatusError,
		Message:   message,
	}
}
