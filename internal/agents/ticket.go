package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"campusdesk/internal/flowstate"
	"campusdesk/internal/intent"
	"campusdesk/internal/llm"
	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"
	"campusdesk/internal/tickets"
)

// Ticket flow steps.
const (
	stepCollectDescription = "collect_description"
)

// Slot and extras keys for the ticket flow.
const (
	slotDescription = "description"
	extraTicketData = "ticket_data"
)

// sensitiveKeywords force Urgent priority and bypass the ticket quota.
var sensitiveKeywords = []string{"harassment", "ragging", "bullying", "threat", "sexual"}

// IsSensitive reports whether text names a sensitive complaint.
func IsSensitive(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// TicketHandler drives the multi-step ticket creation flow.
type TicketHandler struct {
	flows *flowstate.Store
	gen   llm.Generator
}

// NewTicketHandler creates the ticket flow handler.
func NewTicketHandler(flows *flowstate.Store, gen llm.Generator) *TicketHandler {
	return &TicketHandler{flows: flows, gen: gen}
}

// Handle advances the ticket flow by one turn.
func (h *TicketHandler) Handle(ctx context.Context, req *Request) *protocol.AgentOutput {
	st := req.Flow
	if st == nil {
		st = flowstate.NewFlowState(flowstate.FlowTicket)
		st.Step = stepStart
	}

	logging.TicketDebug("step=%s session=%s", st.Step, req.SessionID)

	switch st.Step {
	case stepStart:
		desc := req.Entities[intent.EntityTicketDescription]
		if desc == "" {
			desc = req.Message
		}
		if len(strings.TrimSpace(desc)) >= 5 {
			st.Slots[slotDescription] = desc
			return h.generatePreview(ctx, req, st)
		}
		st.Step = stepCollectDescription
		return h.pauseWith(req, st, &protocol.AgentOutput{
			AgentName:     protocol.AgentTicket,
			Status:        protocol.StatusNeedsInput,
			Message:       "What would you like to raise a ticket about? Please describe the issue.",
			RequiredSlots: map[string]string{slotDescription: "what the ticket is about"},
		})

	case stepCollectDescription:
		if len(strings.TrimSpace(req.Message)) < 5 {
			return h.pauseWith(req, st, &protocol.AgentOutput{
				AgentName: protocol.AgentTicket,
				Status:    protocol.StatusNeedsInput,
				Message:   "Could you describe the issue in a bit more detail?",
			})
		}
		st.Slots[slotDescription] = req.Message
		return h.generatePreview(ctx, req, st)

	case stepPreview:
		return h.handlePreview(req, st)

	default:
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusNeedsInput,
			Message:   "Something went wrong with that ticket - let's start over. What's the issue?",
		}
	}
}

func (h *TicketHandler) handlePreview(req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	var data protocol.TicketData
	if !st.GetExtra(extraTicketData, &data) {
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusNeedsInput,
			Message:   "I lost track of that ticket - let's start over. What's the issue?",
		}
	}

	switch {
	case IsConfirm(req.Message):
		return &protocol.AgentOutput{
			AgentName:      protocol.AgentTicket,
			Status:         protocol.StatusSuccess,
			Message:        "Creating your ticket now.",
			ActionType:     "execute",
			PreviewOrFinal: "final",
			ConfirmationData: &protocol.ConfirmationData{
				Action:   "ticket_preview",
				Ticket:   &data,
				ReadOnly: data.Sensitive,
			},
		}
	case IsCancel(req.Message):
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusSuccess,
			Message:   "Cancelled - no ticket was created.",
		}
	default:
		if isFlowEscape(req.Message) {
			h.flows.Clear(req.SessionID, flowstate.KeyActive)
			logging.Ticket("ESCAPE | session=%s | step=preview | %.60s", req.SessionID, req.Message)
			return &protocol.AgentOutput{
				AgentName:       protocol.AgentTicket,
				Status:          protocol.StatusSuccess,
				Message:         "Okay, leaving the ticket for now.",
				NeedsReclassify: true,
			}
		}
		return h.pauseWith(req, st, &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusNeedsConfirmation,
			Message:   "Reply \"confirm\" to create the ticket, or \"cancel\" to discard it.",
			ConfirmationData: &protocol.ConfirmationData{
				Action:   "ticket_preview",
				Ticket:   &data,
				ReadOnly: data.Sensitive,
			},
		})
	}
}

const triageSystem = `You triage college support tickets. Given a student's complaint, respond with strict JSON only:
{"category": "...", "title": "...", "priority": "...", "description": "..."}
- category: exactly one of %s.
- title: 5-10 words naming the issue.
- priority: Low, Medium, High, or Urgent.
- description: a professional 2-3 sentence rewrite of the complaint, first person.`

func (h *TicketHandler) generatePreview(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	description := strings.TrimSpace(st.Slots[slotDescription])

	data, err := h.triage(ctx, description)
	if err != nil {
		logging.Get(logging.CategoryTicket).Error("triage failed: %v", err)
		return errorOutput(protocol.AgentTicket, "I couldn't process that ticket just now - please try again.")
	}
	if req.Profile != nil {
		data.StudentEmail = req.Profile.Email
	}

	if err := st.SetExtra(extraTicketData, data); err != nil {
		return errorOutput(protocol.AgentTicket, "Something went wrong - please try again.")
	}
	st.Step = stepPreview

	var b strings.Builder
	b.WriteString("Here's the ticket I'll create:\n\n")
	fmt.Fprintf(&b, "Title: %s\nCategory: %s / %s\nPriority: %s\n\n%s\n\n",
		data.Title, data.Category, data.SubCategory, data.Priority, data.Description)
	if data.Sensitive {
		b.WriteString("This is flagged as an urgent sensitive complaint and will be escalated immediately.\n")
		b.WriteString("Reply \"confirm\" to create it, or \"cancel\" to discard.")
	} else {
		b.WriteString("Reply \"confirm\" to create it, or \"cancel\" to discard.")
	}

	status := protocol.StatusNeedsConfirmation
	if data.Sensitive {
		status = protocol.StatusNeedsEscalation
	}

	return h.pauseWith(req, st, &protocol.AgentOutput{
		AgentName:      protocol.AgentTicket,
		Status:         status,
		Message:        b.String(),
		ActionType:     "create_ticket",
		PreviewOrFinal: "preview",
		ResolvedEntities: map[string]string{
			"category": data.Category,
			"priority": data.Priority,
		},
		Artifacts: map[string]any{extraTicketData: data},
		ConfirmationData: &protocol.ConfirmationData{
			Action:   "ticket_preview",
			Ticket:   data,
			ReadOnly: data.Sensitive,
		},
	})
}

// triage classifies the complaint into the closed taxonomy. Model output is
// validated field by field; anything off-catalog falls back.
func (h *TicketHandler) triage(ctx context.Context, description string) (*protocol.TicketData, error) {
	cats := make([]string, 0, len(tickets.Categories))
	for c := range tickets.Categories {
		cats = append(cats, c)
	}

	raw, err := h.gen.Generate(ctx, llm.GenerateRequest{
		System:      fmt.Sprintf(triageSystem, strings.Join(cats, ", ")),
		Prompt:      "Complaint: " + description,
		Temperature: 0.2,
		JSONMode:    true,
	})

	var wire struct {
		Category    string `json:"category"`
		Title       string `json:"title"`
		Priority    string `json:"priority"`
		Description string `json:"description"`
	}
	if err == nil {
		if jerr := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &wire); jerr != nil {
			logging.TicketDebug("non-JSON triage output: %.80s", raw)
		}
	} else {
		logging.Get(logging.CategoryTicket).Warn("triage LLM call failed, using fallback: %v", err)
	}

	if !tickets.ValidCategory(wire.Category) {
		wire.Category = "Other"
	}
	if !tickets.ValidPriority(wire.Priority) {
		wire.Priority = "Medium"
	}
	if strings.TrimSpace(wire.Title) == "" {
		wire.Title = wire.Category + " request"
	}
	if strings.TrimSpace(wire.Description) == "" {
		wire.Description = description
	}

	// Previews must satisfy the store's length bounds at create time.
	if len(wire.Description) < 20 {
		wire.Description = description
		if len(wire.Description) < 20 {
			wire.Description = fmt.Sprintf("Student reports the following issue: %s", description)
		}
	}
	if len(wire.Description) > 1000 {
		wire.Description = wire.Description[:1000]
	}

	data := &protocol.TicketData{
		Category:    wire.Category,
		SubCategory: tickets.DefaultSubCategory(wire.Category),
		Priority:    wire.Priority,
		Title:       wire.Title,
		Description: wire.Description,
	}

	if IsSensitive(description) || IsSensitive(wire.Category) || IsSensitive(wire.Description) {
		data.Sensitive = true
		data.Priority = "Urgent"
	}
	return data, nil
}

func (h *TicketHandler) pauseWith(req *Request, st *flowstate.FlowState, out *protocol.AgentOutput) *protocol.AgentOutput {
	if err := h.flows.Pause(req.SessionID, flowstate.KeyActive, st); err != nil {
		logging.Get(logging.CategoryFlow).Error("pause failed for session %s: %v", req.SessionID, err)
		return errorOutput(protocol.AgentTicket, "Something went wrong - please try again.")
	}
	return out
}
