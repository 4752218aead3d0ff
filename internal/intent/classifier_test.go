package intent

import (
	"context"
	"errors"
	"testing"

	"campusdesk/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGenerator returns a canned response or error.
type stubGenerator struct {
	response string
	err      error
	lastReq  llm.GenerateRequest
}

func (s *stubGenerator) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	s.lastReq = req
	return s.response, s.err
}

func TestClassifyValidJSON(t *testing.T) {
	gen := &stubGenerator{response: `{
		"intent": "EMAIL",
		"confidence": 0.91,
		"entities": {"faculty_name": "Dr. Mehta", "purpose": "leave application"},
		"reasoning": "student wants to email a professor"
	}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "email Dr. Mehta about my leave application", "")
	require.NoError(t, err)
	assert.Equal(t, IntentEmail, res.Intent)
	assert.InDelta(t, 0.91, res.Confidence, 0.001)
	assert.Equal(t, "Dr. Mehta", res.Entities[EntityFacultyName])
	assert.Equal(t, "leave application", res.Entities[EntityPurpose])
	assert.True(t, gen.lastReq.JSONMode)
}

func TestClassifyNonJSONDegradesToUnknown(t *testing.T) {
	gen := &stubGenerator{response: "I think this is probably an email request."}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "hmm", "")
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
	assert.NotNil(t, res.Entities)
}

func TestClassifyCodeFencedJSON(t *testing.T) {
	gen := &stubGenerator{response: "```json\n{\"intent\": \"FAQ\", \"confidence\": 0.8, \"entities\": {}}\n```"}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "what is the fee deadline", "")
	require.NoError(t, err)
	assert.Equal(t, IntentFAQ, res.Intent)
}

func TestClassifyOutOfSetIntent(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "COMPLAINT", "confidence": 0.9, "entities": {}}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "the wifi is down", "")
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
}

func TestClassifyTransportError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("connection refused")}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "hello", "")
	require.Error(t, err)
	assert.Equal(t, IntentUnknown, res.Intent)
}

func TestRegexFillsEmailAddress(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "EMAIL", "confidence": 0.7, "entities": {}}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "send an email to ravi.kumar@college.edu please", "")
	require.NoError(t, err)
	assert.Equal(t, "ravi.kumar@college.edu", res.Entities[EntityEmailAddress])
}

func TestRegexDoesNotOverrideLLMEmail(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "EMAIL", "confidence": 0.7, "entities": {"email_address": "llm@college.edu"}}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "send to other@college.edu", "")
	require.NoError(t, err)
	assert.Equal(t, "llm@college.edu", res.Entities[EntityEmailAddress])
}

func TestTicketIDExtraction(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "TICKET_STATUS", "confidence": 0.85, "entities": {}}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "what's the status of #ACE-20260310-0001?", "")
	require.NoError(t, err)
	assert.Equal(t, "ACE-20260310-0001", res.Entities[EntityTicketID])
}

func TestConfidenceClamped(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "FAQ", "confidence": 1.7, "entities": {}}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "question", "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestEmptyEntitiesDropped(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "EMAIL", "confidence": 0.8, "entities": {"faculty_name": "  ", "purpose": "grade query"}}`}
	c := NewClassifier(gen)

	res, err := c.Classify(context.Background(), "email about my grade query", "")
	require.NoError(t, err)
	_, ok := res.Entities[EntityFacultyName]
	assert.False(t, ok)
	assert.Equal(t, "grade query", res.Entities[EntityPurpose])
}

func TestHistoryIncludedInPrompt(t *testing.T) {
	gen := &stubGenerator{response: `{"intent": "FAQ", "confidence": 0.8, "entities": {}}`}
	c := NewClassifier(gen)

	_, err := c.Classify(context.Background(), "what about hostels?", "Student: tell me about fees\nAssistant: ...\n")
	require.NoError(t, err)
	assert.Contains(t, gen.lastReq.Prompt, "Recent conversation:")
	assert.Contains(t, gen.lastReq.Prompt, "tell me about fees")
	assert.Contains(t, gen.lastReq.Prompt, "what about hostels?")
}
