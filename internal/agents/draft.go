package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"campusdesk/internal/llm"
	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"
)

// Drafter composes email subject/body pairs from a sanitized purpose.
type Drafter struct {
	gen             llm.Generator
	baseTemperature float64
	regenSteps      []float64
}

// NewDrafter creates an email drafter. regenSteps are the temperatures used
// for successive regenerate requests.
func NewDrafter(gen llm.Generator, baseTemperature float64, regenSteps []float64) *Drafter {
	if baseTemperature <= 0 {
		baseTemperature = 0.2
	}
	if len(regenSteps) == 0 {
		regenSteps = []float64{0.3, 0.4}
	}
	return &Drafter{gen: gen, baseTemperature: baseTemperature, regenSteps: regenSteps}
}

// purposePrefixes are stripped from the front of a raw purpose so "send an
// email to Dr. Mehta about my leave" drafts about the leave, not the sending.
var purposePrefixes = []string{
	"send an email to", "send email to", "send an email", "send email",
	"write an email to", "write email to", "write an email", "write email",
	"email about", "email to", "mail to", "email", "mail",
	"compose an email to", "compose email to",
	"draft an email to", "draft email to",
	"about", "regarding", "re:",
}

// SanitizePurpose strips email-command phrasing and recipient mentions from
// the raw purpose text.
func SanitizePurpose(purpose, recipientName string) string {
	p := strings.TrimSpace(purpose)

	lowered := strings.ToLower(p)
	for changed := true; changed; {
		changed = false
		for _, prefix := range purposePrefixes {
			if strings.HasPrefix(lowered, prefix+" ") || lowered == prefix {
				p = strings.TrimSpace(p[len(prefix):])
				lowered = strings.ToLower(p)
				changed = true
			}
		}
	}

	if recipientName != "" {
		// Remove a leading recipient mention ("Dr. Mehta about ...").
		for _, name := range []string{recipientName, strings.ToLower(recipientName)} {
			if idx := strings.Index(strings.ToLower(p), strings.ToLower(name)); idx == 0 {
				p = strings.TrimSpace(p[len(name):])
				p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "about"))
			}
		}
	}
	return strings.TrimSpace(p)
}

// commandVerbs reject subjects that are instructions rather than topics.
var commandVerbs = map[string]bool{
	"send": true, "write": true, "email": true, "mail": true, "compose": true,
	"draft": true, "tell": true, "ask": true,
}

// ValidSubject rejects bare names, command verbs, and anything under 5 chars.
func ValidSubject(subject, recipientName string) bool {
	s := strings.TrimSpace(subject)
	if len(s) < 5 {
		return false
	}
	if commandVerbs[strings.ToLower(strings.Fields(s)[0])] && len(strings.Fields(s)) <= 2 {
		return false
	}
	if recipientName != "" && strings.EqualFold(s, recipientName) {
		return false
	}
	return true
}

// metaTagPattern matches bracketed placeholders the model sometimes leaves in.
var metaTagPattern = regexp.MustCompile(`\[[^\]]*\]|\{[^}]*\}`)

// ScrubBody removes meta tags and annotation lines from a generated body.
func ScrubBody(body string) string {
	body = metaTagPattern.ReplaceAllString(body, "")

	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "note:") || strings.HasPrefix(lower, "system:") {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	// Collapse blank runs left by removals.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// lengthBand maps a requested band to sentence guidance.
func lengthBand(band string) string {
	switch band {
	case "short":
		return "3-4 sentences"
	case "detailed":
		return "10-12 sentences"
	default:
		return "5-7 sentences"
	}
}

const draftSystem = `You write professional emails on behalf of a college student to faculty or staff.
Rules:
- First person, from the student's perspective.
- A brief single-line greeting, then the body, then a sign-off with the student's name.
- Subject states the topic; never a bare name, never a command like "Send email".
- Never include placeholders, bracketed tags, "Note:" or "System:" lines.
Respond with strict JSON only: {"subject": "...", "body": "..."}`

// Compose generates a draft for the purpose. attempt 0 is the first draft;
// higher attempts raise temperature per the regen steps and ask for varied
// phrasing. band is short|medium|detailed.
func (d *Drafter) Compose(ctx context.Context, purpose, recipientName, band string, profile *protocol.Profile, attempt int) (*protocol.EmailDraft, error) {
	purpose = SanitizePurpose(purpose, recipientName)
	if purpose == "" {
		return nil, fmt.Errorf("empty purpose after sanitization")
	}

	recipient := recipientName
	if recipient == "" {
		recipient = "the recipient"
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write an email to %s.\n", recipient)
	fmt.Fprintf(&prompt, "Purpose: %s\n", purpose)
	fmt.Fprintf(&prompt, "Length: %s.\n", lengthBand(band))
	fmt.Fprintf(&prompt, "Student's name for the sign-off: %s\n", profile.SignatureName())
	if attempt > 0 {
		prompt.WriteString("Use different phrasing than a typical first draft.\n")
	}

	temperature := d.temperature(attempt)

	// One retry when the subject fails validation.
	for tries := 0; tries < 2; tries++ {
		raw, err := d.gen.Generate(ctx, llm.GenerateRequest{
			System:      draftSystem,
			Prompt:      prompt.String(),
			Temperature: temperature,
			JSONMode:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("draft generation failed: %w", err)
		}

		var wire struct {
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
		if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &wire); err != nil {
			logging.EmailDebug("non-JSON draft output, retrying: %.80s", raw)
			continue
		}

		draft := &protocol.EmailDraft{
			ToName:  recipientName,
			Subject: strings.TrimSpace(wire.Subject),
			Body:    ScrubBody(wire.Body),
		}
		if !ValidSubject(draft.Subject, recipientName) {
			logging.EmailDebug("rejected subject %q, regenerating", draft.Subject)
			prompt.WriteString("The subject must describe the topic in at least 5 characters.\n")
			continue
		}
		if draft.Body == "" {
			continue
		}
		return draft, nil
	}
	return nil, fmt.Errorf("could not produce a valid draft")
}

func (d *Drafter) temperature(attempt int) float64 {
	if attempt <= 0 {
		return d.baseTemperature
	}
	idx := attempt - 1
	if idx >= len(d.regenSteps) {
		idx = len(d.regenSteps) - 1
	}
	return d.regenSteps[idx]
}
