package agents

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"campusdesk/internal/directory"
	"campusdesk/internal/flowstate"
	"campusdesk/internal/intent"
	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"
)

// Email flow steps.
const (
	stepStart            = "start"
	stepCollectRecipient = "collect_recipient"
	stepFacultySelect    = "faculty_select"
	stepCollectPurpose   = "collect_purpose"
	stepPreview          = "preview"
)

// Slot names used by the email flow.
const (
	slotRecipientEmail = "recipient_email"
	slotRecipientName  = "recipient_name"
	slotPurpose        = "purpose"
	slotLengthBand     = "length_band"
)

// Extras keys.
const (
	extraEmailDraft        = "email_draft"
	extraFacultyCandidates = "faculty_candidates"
	extraRegenAttempt      = "regen_attempt"
)

var emailAddrPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// EmailHandler drives the multi-step email composition flow.
type EmailHandler struct {
	flows     *flowstate.Store
	directory *directory.Store
	drafter   *Drafter
}

// NewEmailHandler creates the email flow handler.
func NewEmailHandler(flows *flowstate.Store, dir *directory.Store, drafter *Drafter) *EmailHandler {
	return &EmailHandler{flows: flows, directory: dir, drafter: drafter}
}

// Handle advances the email flow by one turn.
func (h *EmailHandler) Handle(ctx context.Context, req *Request) *protocol.AgentOutput {
	st := req.Flow
	if st == nil {
		st = flowstate.NewFlowState(flowstate.FlowEmail)
		st.Step = stepStart
	}

	logging.EmailDebug("step=%s session=%s", st.Step, req.SessionID)

	switch st.Step {
	case stepStart:
		return h.handleStart(ctx, req, st)
	case stepCollectRecipient:
		return h.handleCollectRecipient(ctx, req, st)
	case stepFacultySelect:
		return h.handleFacultySelect(ctx, req, st)
	case stepCollectPurpose:
		return h.handleCollectPurpose(ctx, req, st)
	case stepPreview:
		return h.handlePreview(ctx, req, st)
	default:
		// Unknown step means the blob predates a code change; start over.
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentEmail,
			Status:    protocol.StatusNeedsInput,
			Message:   "Something went wrong with the email we were working on - let's start over. Who would you like to email?",
		}
	}
}

func (h *EmailHandler) handleStart(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	if band := detectLengthBand(req.Message); band != "" {
		st.Slots[slotLengthBand] = band
	}
	if purpose := req.Entities[intent.EntityPurpose]; purpose != "" {
		st.Slots[slotPurpose] = purpose
	}

	// External-email fast path: an explicit address skips the
	// faculty-or-external question entirely.
	if addr := req.Entities[intent.EntityEmailAddress]; addr != "" {
		st.Slots[slotRecipientEmail] = addr
		st.Slots[slotRecipientName] = nameFromAddress(addr)
		if st.Slots[slotPurpose] != "" {
			return h.generatePreview(ctx, req, st)
		}
		return h.askPurpose(req, st)
	}

	if name := req.Entities[intent.EntityFacultyName]; name != "" {
		return h.searchFaculty(ctx, req, st, name)
	}

	st.Step = stepCollectRecipient
	return h.pauseWith(req, st, &protocol.AgentOutput{
		AgentName:     protocol.AgentEmail,
		Status:        protocol.StatusNeedsInput,
		Message:       "Who would you like to email? You can give me a faculty member's name or an email address.",
		RequiredSlots: map[string]string{slotRecipientEmail: "recipient name or email address"},
	})
}

func (h *EmailHandler) handleCollectRecipient(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	if isFlowEscape(req.Message) {
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		logging.Email("ESCAPE | session=%s | %.60s", req.SessionID, req.Message)
		return &protocol.AgentOutput{
			AgentName:       protocol.AgentEmail,
			Status:          protocol.StatusSuccess,
			Message:         "Okay, leaving the email for now.",
			NeedsReclassify: true,
		}
	}

	if addr := emailAddrPattern.FindString(req.Message); addr != "" {
		st.Slots[slotRecipientEmail] = addr
		st.Slots[slotRecipientName] = nameFromAddress(addr)
		if st.Slots[slotPurpose] != "" {
			return h.generatePreview(ctx, req, st)
		}
		return h.askPurpose(req, st)
	}

	return h.searchFaculty(ctx, req, st, req.Message)
}

func (h *EmailHandler) searchFaculty(ctx context.Context, req *Request, st *flowstate.FlowState, query string) *protocol.AgentOutput {
	matches := h.directory.Search(query)

	switch len(matches) {
	case 0:
		st.Step = stepCollectRecipient
		return h.pauseWith(req, st, &protocol.AgentOutput{
			AgentName:     protocol.AgentEmail,
			Status:        protocol.StatusNeedsInput,
			Message:       fmt.Sprintf("I couldn't find anyone matching %q in the faculty directory. Try another name, or give me an email address directly.", strings.TrimSpace(query)),
			RequiredSlots: map[string]string{slotRecipientEmail: "recipient name or email address"},
		})
	case 1:
		f := matches[0]
		st.Slots[slotRecipientEmail] = f.Email
		st.Slots[slotRecipientName] = f.Name
		if st.Slots[slotPurpose] != "" {
			return h.generatePreview(ctx, req, st)
		}
		return h.askPurpose(req, st)
	default:
		if err := st.SetExtra(extraFacultyCandidates, matches); err != nil {
			return errorOutput(protocol.AgentEmail, "Something went wrong - please try again.")
		}
		st.Step = stepFacultySelect

		var b strings.Builder
		b.WriteString("I found several matches. Who do you mean?\n")
		for i, f := range matches {
			fmt.Fprintf(&b, "%d. %s - %s (%s)\n", i+1, f.DisplayName(), f.Department, f.Email)
		}
		b.WriteString("Reply with a number, or a department to narrow it down.")

		return h.pauseWith(req, st, &protocol.AgentOutput{
			AgentName: protocol.AgentEmail,
			Status:    protocol.StatusNeedsInput,
			Message:   b.String(),
			Artifacts: map[string]any{extraFacultyCandidates: matches},
		})
	}
}

func (h *EmailHandler) handleFacultySelect(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	var candidates []directory.Faculty
	if !st.GetExtra(extraFacultyCandidates, &candidates) || len(candidates) == 0 {
		// State lost mid-flow; start the search over.
		st.Step = stepCollectRecipient
		return h.pauseWith(req, st, &protocol.AgentOutput{
			AgentName: protocol.AgentEmail,
			Status:    protocol.StatusNeedsInput,
			Message:   "Let's start over - who would you like to email?",
		})
	}

	msg := strings.TrimSpace(req.Message)
	if n, err := strconv.Atoi(strings.Trim(msg, ".")); err == nil {
		if n < 1 || n > len(candidates) {
			return h.pauseWith(req, st, &protocol.AgentOutput{
				AgentName: protocol.AgentEmail,
				Status:    protocol.StatusNeedsInput,
				Message:   fmt.Sprintf("Please pick a number between 1 and %d.", len(candidates)),
			})
		}
		f := candidates[n-1]
		st.Slots[slotRecipientEmail] = f.Email
		st.Slots[slotRecipientName] = f.Name
		if st.Slots[slotPurpose] != "" {
			return h.generatePreview(ctx, req, st)
		}
		return h.askPurpose(req, st)
	}

	// Department token narrows the candidate list.
	lower := strings.ToLower(msg)
	var narrowed []directory.Faculty
	for _, f := range candidates {
		if strings.Contains(strings.ToLower(f.Department), lower) {
			narrowed = append(narrowed, f)
		}
	}
	if len(narrowed) == 1 {
		f := narrowed[0]
		st.Slots[slotRecipientEmail] = f.Email
		st.Slots[slotRecipientName] = f.Name
		if st.Slots[slotPurpose] != "" {
			return h.generatePreview(ctx, req, st)
		}
		return h.askPurpose(req, st)
	}

	// Anything else restarts the search with the given text.
	return h.searchFaculty(ctx, req, st, msg)
}

func (h *EmailHandler) askPurpose(req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	st.Step = stepCollectPurpose
	name := st.Slots[slotRecipientName]
	if name == "" {
		name = st.Slots[slotRecipientEmail]
	}
	return h.pauseWith(req, st, &protocol.AgentOutput{
		AgentName:        protocol.AgentEmail,
		Status:           protocol.StatusNeedsInput,
		Message:          fmt.Sprintf("What should the email to %s be about?", name),
		RequiredSlots:    map[string]string{slotPurpose: "what the email is about"},
		ResolvedEntities: map[string]string{slotRecipientEmail: st.Slots[slotRecipientEmail]},
	})
}

func (h *EmailHandler) handleCollectPurpose(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	if isFlowEscape(req.Message) {
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName:       protocol.AgentEmail,
			Status:          protocol.StatusSuccess,
			Message:         "Okay, leaving the email for now.",
			NeedsReclassify: true,
		}
	}
	if band := detectLengthBand(req.Message); band != "" {
		st.Slots[slotLengthBand] = band
	}
	st.Slots[slotPurpose] = req.Message
	return h.generatePreview(ctx, req, st)
}

func (h *EmailHandler) handlePreview(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	var draft protocol.EmailDraft
	if !st.GetExtra(extraEmailDraft, &draft) {
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentEmail,
			Status:    protocol.StatusNeedsInput,
			Message:   "I lost track of the draft - let's start over. Who would you like to email?",
		}
	}

	switch {
	case IsConfirm(req.Message):
		// The executor receives the previewed draft byte-identical.
		return &protocol.AgentOutput{
			AgentName:      protocol.AgentEmail,
			Status:         protocol.StatusSuccess,
			Message:        "Sending your email now.",
			ActionType:     "execute",
			PreviewOrFinal: "final",
			ConfirmationData: &protocol.ConfirmationData{
				Action: "send_email",
				Email:  &draft,
			},
		}
	case IsEdit(req.Message):
		attempt := 0
		st.GetExtra(extraRegenAttempt, &attempt)
		attempt++
		if err := st.SetExtra(extraRegenAttempt, attempt); err != nil {
			return errorOutput(protocol.AgentEmail, "Something went wrong - please try again.")
		}
		return h.generatePreview(ctx, req, st)
	case IsCancel(req.Message):
		h.flows.Clear(req.SessionID, flowstate.KeyActive)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentEmail,
			Status:    protocol.StatusSuccess,
			Message:   "Cancelled - no email was sent.",
		}
	default:
		if isFlowEscape(req.Message) {
			h.flows.Clear(req.SessionID, flowstate.KeyActive)
			logging.Email("ESCAPE | session=%s | step=preview | %.60s", req.SessionID, req.Message)
			return &protocol.AgentOutput{
				AgentName:       protocol.AgentEmail,
				Status:          protocol.StatusSuccess,
				Message:         "Okay, leaving the email for now.",
				NeedsReclassify: true,
			}
		}
		return h.pauseWith(req, st, &protocol.AgentOutput{
			AgentName: protocol.AgentEmail,
			Status:    protocol.StatusNeedsConfirmation,
			Message:   "Reply \"send\" to send it, \"edit\" for a different version, or \"cancel\" to discard.",
			ConfirmationData: &protocol.ConfirmationData{
				Action: "email_preview",
				Email:  &draft,
			},
		})
	}
}

func (h *EmailHandler) generatePreview(ctx context.Context, req *Request, st *flowstate.FlowState) *protocol.AgentOutput {
	attempt := 0
	st.GetExtra(extraRegenAttempt, &attempt)

	draft, err := h.drafter.Compose(ctx, st.Slots[slotPurpose], st.Slots[slotRecipientName],
		st.Slots[slotLengthBand], req.Profile, attempt)
	if err != nil {
		logging.Get(logging.CategoryEmail).Error("draft composition failed: %v", err)
		return errorOutput(protocol.AgentEmail, "I couldn't compose the email just now - please try again.")
	}
	draft.To = st.Slots[slotRecipientEmail]
	draft.ToName = st.Slots[slotRecipientName]

	if err := st.SetExtra(extraEmailDraft, draft); err != nil {
		return errorOutput(protocol.AgentEmail, "Something went wrong - please try again.")
	}
	st.Step = stepPreview

	var b strings.Builder
	fmt.Fprintf(&b, "Here's the draft:\n\nTo: %s <%s>\nSubject: %s\n\n%s\n\n", draft.ToName, draft.To, draft.Subject, draft.Body)
	b.WriteString("Reply \"send\" to send it, \"edit\" for a different version, or \"cancel\" to discard.")

	return h.pauseWith(req, st, &protocol.AgentOutput{
		AgentName:      protocol.AgentEmail,
		Status:         protocol.StatusNeedsConfirmation,
		Message:        b.String(),
		ActionType:     "send_email",
		PreviewOrFinal: "preview",
		ResolvedEntities: map[string]string{
			slotRecipientEmail: draft.To,
			slotPurpose:        st.Slots[slotPurpose],
		},
		Artifacts: map[string]any{extraEmailDraft: draft},
		ConfirmationData: &protocol.ConfirmationData{
			Action: "email_preview",
			Email:  draft,
		},
	})
}

// pauseWith persists the flow state and returns out; a pause failure turns
// into an error output because the next turn would lose the flow.
func (h *EmailHandler) pauseWith(req *Request, st *flowstate.FlowState, out *protocol.AgentOutput) *protocol.AgentOutput {
	if err := h.flows.Pause(req.SessionID, flowstate.KeyActive, st); err != nil {
		logging.Get(logging.CategoryFlow).Error("pause failed for session %s: %v", req.SessionID, err)
		return errorOutput(protocol.AgentEmail, "Something went wrong - please try again.")
	}
	return out
}

// isFlowEscape detects messages that abandon the flow for a different task:
// ticket phrasing or question-shaped input.
func isFlowEscape(message string) bool {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, kw := range []string{"raise a ticket", "create a ticket", "file a complaint", "open a ticket"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if strings.HasSuffix(lower, "?") {
		return true
	}
	for _, w := range []string{"what ", "when ", "where ", "why ", "how ", "which "} {
		if strings.HasPrefix(lower, w) {
			return true
		}
	}
	return false
}

// detectLengthBand looks for an explicit length request in the message.
func detectLengthBand(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "short") || strings.Contains(lower, "brief"):
		return "short"
	case strings.Contains(lower, "detailed") || strings.Contains(lower, "long"):
		return "detailed"
	}
	return ""
}

// nameFromAddress derives a display name from an email local part.
func nameFromAddress(addr string) string {
	local := addr
	if i := strings.IndexByte(addr, '@'); i > 0 {
		local = addr[:i]
	}
	local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	words := strings.Fields(local)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
