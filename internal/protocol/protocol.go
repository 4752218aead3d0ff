// Package protocol defines the envelopes exchanged between the orchestrator,
// the flow handlers, and the HTTP surface. Handlers return an AgentOutput;
// the orchestrator validates it and wraps it in an Envelope for the caller.
package protocol

import (
	"fmt"
	"strings"
)

// Status is the handler result status.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusError             Status = "error"
	StatusNeedsInput        Status = "needs_input"
	StatusNeedsConfirmation Status = "needs_confirmation"
	StatusNeedsEscalation   Status = "needs_escalation"
)

// ValidStatus reports whether s is one of the closed status values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSuccess, StatusError, StatusNeedsInput, StatusNeedsConfirmation, StatusNeedsEscalation:
		return true
	}
	return false
}

// EnvelopeType governs how the frontend renders the response.
type EnvelopeType string

const (
	TypeInformation          EnvelopeType = "information"
	TypeClarificationRequest EnvelopeType = "clarification_request"
	TypeEmailPreview         EnvelopeType = "email_preview"
	TypeTicketPreview        EnvelopeType = "ticket_preview"
	TypeConfirmationRequest  EnvelopeType = "confirmation_request"
)

// Agent names used in envelopes and turn logs.
const (
	AgentOrchestrator = "orchestrator"
	AgentFAQ          = "faq_agent"
	AgentEmail        = "email_agent"
	AgentTicket       = "ticket_agent"
)

// EmailDraft is a fully composed email awaiting confirmation. The draft shown
// at preview must reach the executor byte-identical; nothing is regenerated
// at send time.
type EmailDraft struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TicketData is a composed ticket awaiting confirmation.
type TicketData struct {
	StudentEmail string `json:"student_email,omitempty"`
	Category     string `json:"category"`
	SubCategory  string `json:"sub_category,omitempty"`
	Priority     string `json:"priority"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description"`
	Sensitive    bool   `json:"sensitive,omitempty"`
}

// ConfirmationData carries the side-effect payload through the
// preview -> confirm round-trip.
type ConfirmationData struct {
	// send_email, email_preview, or ticket_preview.
	Action string `json:"action"`

	Email  *EmailDraft `json:"email,omitempty"`
	Ticket *TicketData `json:"ticket,omitempty"`

	// ReadOnly previews (sensitive complaints) cannot be edited by the user.
	ReadOnly bool `json:"read_only,omitempty"`
}

// AgentOutput is the uniform handler return contract.
type AgentOutput struct {
	AgentName      string `json:"agent_name"`
	Status         Status `json:"status"`
	Message        string `json:"message"`
	DetectedIntent string `json:"detected_intent,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`

	// Slots still required from the user, slot name -> ask.
	RequiredSlots map[string]string `json:"required_slots,omitempty"`

	// Entities the handler resolved this turn.
	ResolvedEntities map[string]string `json:"resolved_entities,omitempty"`

	// Handler-specific payloads (draft under "email_draft", candidates under
	// "faculty_matches", ...).
	Artifacts map[string]any `json:"artifacts,omitempty"`

	ActionType     string   `json:"action_type,omitempty"`
	PreviewOrFinal string   `json:"preview_or_final,omitempty"`
	Citations      []string `json:"citations,omitempty"`
	SideEffects    []string `json:"side_effects,omitempty"`

	ConfirmationData *ConfirmationData `json:"confirmation_data,omitempty"`

	// NeedsReclassify signals the orchestrator that the user abandoned the
	// current flow mid-step (escape pattern); the flow is cleared and the
	// message goes back through classification.
	NeedsReclassify bool `json:"-"`
}

// Metadata summarizes the turn for the caller. The flow-pause store holds the
// full flow state; this is a compact summary only.
type Metadata struct {
	Intent         string            `json:"intent,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
	ActiveFlow     string            `json:"active_flow,omitempty"`
	ExtractedSlots map[string]string `json:"extracted_slots,omitempty"`
}

// Envelope is the orchestrator's response to its HTTP caller.
type Envelope struct {
	Type     EnvelopeType `json:"type"`
	Agent    string       `json:"agent"`
	Content  string       `json:"content"`
	Metadata Metadata     `json:"metadata"`

	// Present for preview/confirmation envelopes.
	ConfirmationData *ConfirmationData `json:"confirmation_data,omitempty"`

	AgentOutput *AgentOutput `json:"agent_output,omitempty"`
}

// Validate checks the handler output contract. Invalid outputs are replaced
// by the orchestrator with a generic error envelope.
func (o *AgentOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("nil agent output")
	}
	if !ValidStatus(o.Status) {
		return fmt.Errorf("invalid status %q", o.Status)
	}
	if strings.TrimSpace(o.Message) == "" {
		return fmt.Errorf("empty message")
	}
	if o.Status == StatusNeedsConfirmation && o.ConfirmationData == nil {
		return fmt.Errorf("needs_confirmation without confirmation data")
	}
	if o.ConfirmationData != nil {
		if err := o.ConfirmationData.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that a confirmation payload names a known action and
// carries the matching draft.
func (c *ConfirmationData) Validate() error {
	switch c.Action {
	case "send_email", "email_preview":
		if c.Email == nil {
			return fmt.Errorf("action %q without email draft", c.Action)
		}
		if strings.TrimSpace(c.Email.To) == "" {
			return fmt.Errorf("email draft without recipient")
		}
	case "ticket_preview":
		if c.Ticket == nil {
			return fmt.Errorf("action %q without ticket data", c.Action)
		}
		if strings.TrimSpace(c.Ticket.Description) == "" {
			return fmt.Errorf("ticket data without description")
		}
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// Profile is the student profile the HTTP layer resolves before invoking the
// orchestrator. Only the fields the dialogue core consumes.
type Profile struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Department string `json:"department,omitempty"`
	RollNumber string `json:"roll_number,omitempty"`
}

// SignatureName returns the name used to sign generated emails.
func (p *Profile) SignatureName() string {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return "A student"
	}
	return p.Name
}
