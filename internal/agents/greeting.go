package agents

import (
	"context"
	"fmt"
	"strings"

	"campusdesk/internal/protocol"
)

// GreetingHandler answers small talk and capability questions. Stateless.
type GreetingHandler struct{}

// NewGreetingHandler creates the greeting handler.
func NewGreetingHandler() *GreetingHandler {
	return &GreetingHandler{}
}

var (
	capabilityWords = []string{"can you", "what can", "what do you do", "help me with", "capabilities", "features", "able to"}
	farewellWords   = []string{"bye", "goodbye", "see you", "good night", "farewell"}
	thanksWords     = []string{"thank", "thanks", "thx", "appreciated"}
)

const capabilityBlurb = `Here's what I can help with:
- Answer questions about college policies, fees, deadlines, and facilities.
- Draft and send emails to faculty on your behalf (you always confirm first).
- Raise support tickets for issues like WiFi, hostel, fees, or certificates.
- Check or close your existing tickets.

Just tell me what you need.`

// Handle picks a canned response by keyword bucket. Never persists state.
func (h *GreetingHandler) Handle(_ context.Context, req *Request) *protocol.AgentOutput {
	lower := strings.ToLower(req.Message)

	msg := ""
	switch {
	case containsAny(lower, capabilityWords):
		msg = capabilityBlurb
	case containsAny(lower, farewellWords):
		msg = "Goodbye! Come back any time you need help."
	case containsAny(lower, thanksWords):
		msg = "You're welcome! Anything else I can help with?"
	default:
		name := ""
		if req.Profile != nil && req.Profile.Name != "" {
			name = " " + strings.Fields(req.Profile.Name)[0]
		}
		msg = fmt.Sprintf("Hi%s! I can answer college questions, send emails to faculty, and raise support tickets. What do you need?", name)
	}

	return &protocol.AgentOutput{
		AgentName: protocol.AgentOrchestrator,
		Status:    protocol.StatusSuccess,
		Message:   msg,
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
