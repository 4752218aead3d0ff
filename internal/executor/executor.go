// Package executor performs the side effects the user confirmed: sending an
// email or creating a ticket. It is the only code that mutates quota counters
// and the executed-actions set. An action hash is claimed before the side
// effect runs and released on failure, so the set never names an action that
// did not succeed, and quota increments only follow observed success.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"campusdesk/internal/agents"
	"campusdesk/internal/flowstate"
	"campusdesk/internal/governance"
	"campusdesk/internal/logging"
	"campusdesk/internal/maillog"
	"campusdesk/internal/protocol"
	"campusdesk/internal/tickets"
)

// Mailer delivers an email. The logging implementation stands in until a
// real SMTP relay is wired up.
type Mailer interface {
	Send(ctx context.Context, from string, draft *protocol.EmailDraft) error
}

// LogMailer records sends without delivering anything.
type LogMailer struct{}

// Send logs the email and succeeds.
func (LogMailer) Send(_ context.Context, from string, draft *protocol.EmailDraft) error {
	logging.Executor("MAIL | from=%s to=%s subject=%.60q", from, draft.To, draft.Subject)
	return nil
}

// Result is the executor's user-facing outcome.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Set when a ticket was created.
	TicketID string `json:"ticket_id,omitempty"`
}

// Executor runs confirmed actions through the gate sequence:
// dedup guard, quota gate, side effect, then bookkeeping.
type Executor struct {
	governance *governance.Service
	flows      *flowstate.Store
	tickets    *tickets.Store
	mail       *maillog.Log
	mailer     Mailer

	mu       sync.Mutex
	executed map[string]bool
}

// New creates an executor.
func New(gov *governance.Service, flows *flowstate.Store, ts *tickets.Store, mail *maillog.Log, mailer Mailer) *Executor {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Executor{
		governance: gov,
		flows:      flows,
		tickets:    ts,
		mail:       mail,
		mailer:     mailer,
		executed:   make(map[string]bool),
	}
}

// actionHash fingerprints an action by its salient fields. Held in-process
// only; a restart resets the set.
func actionHash(userID, action string, salient ...string) string {
	parts := append([]string{userID, action}, salient...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// claim atomically marks the hash as executing. False means a prior call
// already claimed it (executed or still in flight).
func (e *Executor) claim(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executed[hash] {
		return false
	}
	e.executed[hash] = true
	return true
}

// release unmarks a claimed hash after a failed attempt so a retry can run.
func (e *Executor) release(hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executed, hash)
}

// Execute runs one confirmed action. Preview action names are accepted as
// synonyms for the corresponding side effect.
func (e *Executor) Execute(ctx context.Context, userID, sessionID string, action *protocol.ConfirmationData, profile *protocol.Profile) Result {
	if action == nil {
		return Result{Message: "Nothing to do - there's no pending action."}
	}
	if err := action.Validate(); err != nil {
		logging.ExecutorError("invalid action for %s: %v", userID, err)
		return Result{Message: "That action looks incomplete - please start over."}
	}

	switch action.Action {
	case "send_email", "email_preview":
		return e.sendEmail(ctx, userID, sessionID, action.Email, profile)
	case "ticket_preview":
		return e.createTicket(userID, sessionID, action.Ticket)
	default:
		return Result{Message: "I don't know how to perform that action."}
	}
}

func (e *Executor) sendEmail(ctx context.Context, userID, sessionID string, draft *protocol.EmailDraft, profile *protocol.Profile) Result {
	hash := actionHash(userID, "send_email", draft.To, truncate(draft.Subject, 50))

	// Mark the hash in-flight inside one critical section so two concurrent
	// identical confirms cannot both pass the gate. Unmarked on any failure.
	if !e.claim(hash) {
		logging.Executor("DUPLICATE | %s | send_email | %s", userID, hash[:12])
		return Result{Success: true, Message: "That email was already sent - I won't send it twice."}
	}

	allowed, _, max := e.governance.CheckDailyLimit(userID, governance.ActionEmail)
	if !allowed {
		e.release(hash)
		e.flows.Clear(sessionID, flowstate.KeyActive)
		return Result{Message: fmt.Sprintf("Daily email limit reached (%d/%d). Try again tomorrow.", max, max)}
	}

	from := ""
	if profile != nil {
		from = profile.Email
	}
	if err := e.mailer.Send(ctx, from, draft); err != nil {
		e.release(hash)
		logging.ExecutorError("send failed for %s: %v", userID, err)
		return Result{Message: "I couldn't send the email just now - please try again."}
	}

	if err := e.governance.IncrementUsage(userID, governance.ActionEmail); err != nil {
		logging.ExecutorError("usage increment failed after send for %s: %v", userID, err)
	}
	if err := e.mail.Record(userID, draft.To, draft.ToName, draft.Subject); err != nil {
		logging.ExecutorError("mail log failed for %s: %v", userID, err)
	}
	e.governance.LogActivity(userID, governance.ActivityEmailSent,
		fmt.Sprintf("Email sent to %s: %s", draft.To, truncate(draft.Subject, 80)))
	e.flows.Clear(sessionID, flowstate.KeyActive)

	logging.Executor("SENT | %s | to=%s", userID, draft.To)
	name := draft.ToName
	if name == "" {
		name = draft.To
	}
	return Result{Success: true, Message: fmt.Sprintf("Your email to %s has been sent.", name)}
}

func (e *Executor) createTicket(userID, sessionID string, data *protocol.TicketData) Result {
	hash := actionHash(userID, "create_ticket", truncate(data.Description, 50))

	if !e.claim(hash) {
		logging.Executor("DUPLICATE | %s | create_ticket | %s", userID, hash[:12])
		return Result{Success: true, Message: "That ticket was already created - I won't file it twice."}
	}

	sensitive := data.Sensitive || agents.IsSensitive(data.Description) || agents.IsSensitive(data.Category)

	// Sensitive complaints bypass the quota gate entirely.
	if !sensitive {
		allowed, _, max := e.governance.CheckDailyLimit(userID, governance.ActionTicket)
		if !allowed {
			e.release(hash)
			e.flows.Clear(sessionID, flowstate.KeyActive)
			return Result{Message: fmt.Sprintf("Daily ticket limit reached (%d/%d). Try again tomorrow.", max, max)}
		}
	}

	tk, err := e.tickets.Create(userID, data.Category, data.Priority, data.Title, data.Description, sensitive)
	if err != nil {
		e.release(hash)
		logging.ExecutorError("ticket create failed for %s: %v", userID, err)
		return Result{Message: "I couldn't create the ticket just now - please try again."}
	}

	// Sensitive tickets never count against the quota.
	if !sensitive {
		if err := e.governance.IncrementUsage(userID, governance.ActionTicket); err != nil {
			logging.ExecutorError("usage increment failed after create for %s: %v", userID, err)
		}
	}
	e.governance.LogActivity(userID, governance.ActivityTicketCreated,
		fmt.Sprintf("Ticket %s created (%s/%s)", tk.ID, tk.Category, tk.Priority))
	e.flows.Clear(sessionID, flowstate.KeyActive)

	logging.Executor("TICKET | %s | %s | sensitive=%v", userID, tk.ID, sensitive)
	msg := fmt.Sprintf("Ticket %s created - %s, priority %s. The %s team will respond within %d hours.",
		tk.ID, tk.Category, tk.Priority, tk.Department, tk.SLAHours)
	if sensitive {
		msg = fmt.Sprintf("Ticket %s created and escalated as Urgent. The %s team will respond within %d hours.",
			tk.ID, tk.Department, tk.SLAHours)
	}
	return Result{Success: true, Message: msg, TicketID: tk.ID}
}
