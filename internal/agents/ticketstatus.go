package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"campusdesk/internal/governance"
	"campusdesk/internal/intent"
	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"
	"campusdesk/internal/tickets"
)

// TicketStatusHandler lists and closes the user's tickets. One-shot.
type TicketStatusHandler struct {
	tickets    *tickets.Store
	governance *governance.Service
}

// NewTicketStatusHandler creates the ticket-status handler.
func NewTicketStatusHandler(store *tickets.Store, gov *governance.Service) *TicketStatusHandler {
	return &TicketStatusHandler{tickets: store, governance: gov}
}

var closeIDPattern = regexp.MustCompile(`(?i)close\s+(?:ticket\s+)?#?([A-Z]{2,5}-\d{4,}(?:-\w+)?)`)

// Handle parses close commands, otherwise lists the user's tickets.
func (h *TicketStatusHandler) Handle(_ context.Context, req *Request) *protocol.AgentOutput {
	lower := strings.ToLower(req.Message)

	if strings.Contains(lower, "close all") {
		return h.closeAll(req.UserID)
	}

	ticketID := ""
	if m := closeIDPattern.FindStringSubmatch(req.Message); m != nil {
		ticketID = strings.ToUpper(m[1])
	} else if strings.Contains(lower, "close") && req.Entities[intent.EntityTicketID] != "" {
		ticketID = req.Entities[intent.EntityTicketID]
	}
	if ticketID != "" {
		return h.closeOne(req.UserID, ticketID)
	}

	return h.list(req.UserID)
}

func (h *TicketStatusHandler) closeOne(userID, ticketID string) *protocol.AgentOutput {
	tk, err := h.tickets.Close(userID, ticketID)
	if errors.Is(err, tickets.ErrNotFound) {
		return &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusSuccess,
			Message:   fmt.Sprintf("I couldn't find an open ticket %s of yours.", ticketID),
		}
	}
	if err != nil {
		logging.Get(logging.CategoryTicket).Error("close failed: %v", err)
		return errorOutput(protocol.AgentTicket, "I couldn't close that ticket just now - please try again.")
	}

	h.governance.LogActivity(userID, governance.ActivityTicketClosed, fmt.Sprintf("Ticket %s closed", tk.ID))
	return &protocol.AgentOutput{
		AgentName:   protocol.AgentTicket,
		Status:      protocol.StatusSuccess,
		Message:     fmt.Sprintf("Done - ticket %s (%s) is closed.", tk.ID, tk.Title),
		SideEffects: []string{"ticket_closed:" + tk.ID},
	}
}

func (h *TicketStatusHandler) closeAll(userID string) *protocol.AgentOutput {
	n, err := h.tickets.CloseAll(userID)
	if err != nil {
		logging.Get(logging.CategoryTicket).Error("close all failed: %v", err)
		return errorOutput(protocol.AgentTicket, "I couldn't close your tickets just now - please try again.")
	}
	if n == 0 {
		return &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusSuccess,
			Message:   "You have no open tickets to close.",
		}
	}

	h.governance.LogActivity(userID, governance.ActivityTicketClosed, fmt.Sprintf("%d ticket(s) closed", n))
	return &protocol.AgentOutput{
		AgentName:   protocol.AgentTicket,
		Status:      protocol.StatusSuccess,
		Message:     fmt.Sprintf("Closed %d ticket(s).", n),
		SideEffects: []string{fmt.Sprintf("tickets_closed:%d", n)},
	}
}

func (h *TicketStatusHandler) list(userID string) *protocol.AgentOutput {
	list, err := h.tickets.ListForUser(userID)
	if err != nil {
		logging.Get(logging.CategoryTicket).Error("list failed: %v", err)
		return errorOutput(protocol.AgentTicket, "I couldn't load your tickets just now - please try again.")
	}
	if len(list) == 0 {
		return &protocol.AgentOutput{
			AgentName: protocol.AgentTicket,
			Status:    protocol.StatusSuccess,
			Message:   "You have no tickets. If something needs fixing, just describe the issue and I'll raise one.",
		}
	}

	var b strings.Builder
	b.WriteString("Your tickets:\n")
	for _, tk := range list {
		desc := tk.Description
		if len(desc) > 60 {
			desc = desc[:60] + "..."
		}
		fmt.Fprintf(&b, "- %s [%s] %s/%s (%s): %s\n",
			tk.ID, tk.Status, tk.Category, tk.Priority, tk.Title, desc)
	}
	return &protocol.AgentOutput{
		AgentName: protocol.AgentTicket,
		Status:    protocol.StatusSuccess,
		Message:   strings.TrimRight(b.String(), "\n"),
	}
}
