// Package intent maps a raw student message to one of a closed set of
// intents. Classification is an LLM call in strict-JSON mode; deterministic
// regex extractors run afterwards so an obvious email address or ticket id
// is never lost to a flaky model. Misbehaving output degrades to UNKNOWN,
// never to an error the caller has to handle.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"campusdesk/internal/llm"
	"campusdesk/internal/logging"
)

// Intent is one of the closed set of user intents.
type Intent string

const (
	IntentFAQ          Intent = "FAQ"
	IntentEmail        Intent = "EMAIL"
	IntentTicket       Intent = "TICKET"
	IntentTicketStatus Intent = "TICKET_STATUS"
	IntentGreeting     Intent = "GREETING"
	IntentUnknown      Intent = "UNKNOWN"
)

var validIntents = map[Intent]bool{
	IntentFAQ:          true,
	IntentEmail:        true,
	IntentTicket:       true,
	IntentTicketStatus: true,
	IntentGreeting:     true,
	IntentUnknown:      true,
}

// Entity keys the classifier may fill.
const (
	EntityFacultyName       = "faculty_name"
	EntityEmailAddress      = "email_address"
	EntityPurpose           = "purpose"
	EntityTicketDescription = "ticket_description"
	EntityTicketID          = "ticket_id"
)

// Result is one classification outcome.
type Result struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
	Reasoning  string            `json:"reasoning"`
}

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ticketIDPattern = regexp.MustCompile(`#?([A-Z]{2,5}-\d{4,}(?:-\d+)?)`)
)

const classifyPrompt = `You are the intent classifier for a college student support assistant.
Classify the student's message into exactly one intent:

- FAQ: a question about college policies, fees, deadlines, facilities, courses, or any informational query.
- EMAIL: the student wants to compose and send an email to a faculty member or staff.
- TICKET: the student wants to raise a support ticket / complaint / service request.
- TICKET_STATUS: the student asks about the status of an existing ticket, or wants to list or close tickets.
- GREETING: greetings, thanks, farewells, small talk, and capability questions ("can you send emails?", "what can you do?") - capability questions are GREETING, never EMAIL or TICKET.
- UNKNOWN: anything that fits none of the above.

Extract entities when present:
- faculty_name: the person the student wants to contact.
- email_address: an explicit email address in the message.
- purpose: why the student wants to send the email, copied VERBATIM from the message ("email X about Y" means purpose is "Y").
- ticket_description: what the student is complaining about or requesting.

Respond with strict JSON only, no prose, no code fences:
{"intent": "...", "confidence": 0.0, "entities": {...}, "reasoning": "one short sentence"}`

// Classifier wraps an LLM generator with the classification prompt.
type Classifier struct {
	gen llm.Generator
}

// NewClassifier creates a classifier over the given generator.
func NewClassifier(gen llm.Generator) *Classifier {
	return &Classifier{gen: gen}
}

// Classify determines the intent of message. historyText, when non-empty, is
// prepended as conversational context. The returned error is non-nil only
// for transport failures; malformed model output yields UNKNOWN/0 silently.
func (c *Classifier) Classify(ctx context.Context, message, historyText string) (Result, error) {
	timer := logging.StartTimer(logging.CategoryIntent, "classify")

	var prompt strings.Builder
	if historyText != "" {
		prompt.WriteString("Recent conversation:\n")
		prompt.WriteString(historyText)
		prompt.WriteString("\n")
	}
	prompt.WriteString("Student message: ")
	prompt.WriteString(message)

	raw, err := c.gen.Generate(ctx, llm.GenerateRequest{
		System:      classifyPrompt,
		Prompt:      prompt.String(),
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		timer.Stop()
		return Result{Intent: IntentUnknown, Entities: map[string]string{}}, fmt.Errorf("classification call failed: %w", err)
	}

	res := parseResult(raw)
	applyExtractors(message, &res)

	timer.StopWithThreshold(2 * time.Second)
	logging.Intent("CLASSIFIED | %s | %.2f | entities=%d", res.Intent, res.Confidence, len(res.Entities))
	return res, nil
}

// parseResult decodes the model's JSON. Anything malformed or out of the
// closed set becomes UNKNOWN with confidence 0.
func parseResult(raw string) Result {
	raw = llm.StripCodeFences(raw)

	var wire struct {
		Intent     string            `json:"intent"`
		Confidence float64           `json:"confidence"`
		Entities   map[string]string `json:"entities"`
		Reasoning  string            `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		logging.IntentDebug("non-JSON classifier output, treating as UNKNOWN: %.80s", raw)
		return Result{Intent: IntentUnknown, Entities: map[string]string{}}
	}

	res := Result{
		Intent:     Intent(strings.ToUpper(strings.TrimSpace(wire.Intent))),
		Confidence: wire.Confidence,
		Entities:   wire.Entities,
		Reasoning:  wire.Reasoning,
	}
	if !validIntents[res.Intent] {
		logging.IntentDebug("out-of-set intent %q, treating as UNKNOWN", wire.Intent)
		res.Intent = IntentUnknown
		res.Confidence = 0
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	if res.Entities == nil {
		res.Entities = map[string]string{}
	}

	// Drop empty-string entities so "missing" has one representation.
	for k, v := range res.Entities {
		if strings.TrimSpace(v) == "" {
			delete(res.Entities, k)
		}
	}
	return res
}

// applyExtractors runs the deterministic extractors over the raw message.
func applyExtractors(message string, res *Result) {
	if res.Entities[EntityEmailAddress] == "" {
		if m := emailPattern.FindString(message); m != "" {
			res.Entities[EntityEmailAddress] = m
			logging.IntentDebug("regex filled email_address=%s", m)
		}
	}
	if res.Intent == IntentTicketStatus && res.Entities[EntityTicketID] == "" {
		if m := ticketIDPattern.FindStringSubmatch(strings.ToUpper(message)); m != nil {
			res.Entities[EntityTicketID] = m[1]
		}
	}
}
