package agents

import (
	"context"
	"fmt"
	"strings"

	"campusdesk/internal/chatmemory"
	"campusdesk/internal/directory"
	"campusdesk/internal/governance"
	"campusdesk/internal/llm"
	"campusdesk/internal/logging"
	"campusdesk/internal/maillog"
	"campusdesk/internal/protocol"
	"campusdesk/internal/retrieval"
)

// FAQHandler answers informational queries: structured lookups first
// (faculty directory, email history, quotas), then retrieval-grounded
// generation over the policy corpus.
type FAQHandler struct {
	index      *retrieval.Index
	gen        llm.Generator
	directory  *directory.Store
	mail       *maillog.Log
	governance *governance.Service
	memory     *chatmemory.Store

	k       int
	courseK int
}

// NewFAQHandler creates the FAQ handler. k is the default retrieval depth;
// courseK applies to course/program queries.
func NewFAQHandler(index *retrieval.Index, gen llm.Generator, dir *directory.Store,
	mail *maillog.Log, gov *governance.Service, memory *chatmemory.Store, k, courseK int) *FAQHandler {
	if k <= 0 {
		k = 5
	}
	if courseK <= 0 {
		courseK = 7
	}
	return &FAQHandler{
		index: index, gen: gen, directory: dir, mail: mail,
		governance: gov, memory: memory, k: k, courseK: courseK,
	}
}

// Handle answers one FAQ turn. Never touches flow state.
func (h *FAQHandler) Handle(ctx context.Context, req *Request) *protocol.AgentOutput {
	lower := strings.ToLower(req.Message)

	if out := h.tryFacultyQuery(lower); out != nil {
		return out
	}
	if out := h.tryEmailHistoryQuery(lower, req.UserID); out != nil {
		return out
	}
	if out := h.tryQuotaQuery(lower, req.UserID); out != nil {
		return out
	}
	return h.answerWithRetrieval(ctx, req)
}

var facultyQueryWords = []string{"faculty", "professor", "professors", "hod", "dean", "lecturer"}

func (h *FAQHandler) tryFacultyQuery(lower string) *protocol.AgentOutput {
	matched := false
	for _, w := range facultyQueryWords {
		if strings.Contains(lower, w) {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	// A department token narrows the listing; without one, list everyone.
	var matches []directory.Faculty
	dept := ""
	for _, f := range h.directory.All() {
		for _, tok := range strings.Fields(strings.ToLower(f.Department)) {
			if len(tok) > 2 && strings.Contains(lower, tok) {
				dept = f.Department
			}
		}
	}
	if dept != "" {
		matches = h.directory.SearchByDepartment(dept)
	} else {
		matches = h.directory.All()
	}
	if len(matches) == 0 {
		return &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusSuccess,
			Message:   "I don't have any faculty listed for that department yet.",
		}
	}

	var b strings.Builder
	if dept != "" {
		fmt.Fprintf(&b, "Faculty in %s:\n", dept)
	} else {
		b.WriteString("Faculty directory:\n")
	}
	for _, f := range matches {
		fmt.Fprintf(&b, "- %s, %s (%s)\n", f.DisplayName(), f.Department, f.Email)
	}

	logging.FAQ("FACULTY_QUERY | dept=%q matches=%d", dept, len(matches))
	return &protocol.AgentOutput{
		AgentName: protocol.AgentFAQ,
		Status:    protocol.StatusSuccess,
		Message:   strings.TrimRight(b.String(), "\n"),
	}
}

var emailHistoryPhrases = []string{"emails i sent", "email history", "sent emails", "emails i've sent", "emails have i sent"}

func (h *FAQHandler) tryEmailHistoryQuery(lower, userID string) *protocol.AgentOutput {
	matched := false
	for _, p := range emailHistoryPhrases {
		if strings.Contains(lower, p) {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	entries, err := h.mail.ListForUser(userID, 10)
	if err != nil {
		logging.Get(logging.CategoryFAQ).Error("email history lookup failed: %v", err)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusSuccess,
			Message:   "I couldn't load your email history just now - please try again.",
		}
	}
	if len(entries) == 0 {
		return &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusSuccess,
			Message:   "You haven't sent any emails through me yet.",
		}
	}

	var b strings.Builder
	b.WriteString("Emails you've sent:\n")
	for _, e := range entries {
		name := e.ToName
		if name == "" {
			name = e.ToEmail
		}
		fmt.Fprintf(&b, "- %s: \"%s\" to %s\n", e.SentAt.Format("Jan 2"), e.Subject, name)
	}
	return &protocol.AgentOutput{
		AgentName: protocol.AgentFAQ,
		Status:    protocol.StatusSuccess,
		Message:   strings.TrimRight(b.String(), "\n"),
	}
}

var quotaPhrases = []string{"emails left", "tickets left", "limit", "quota", "how many emails", "how many tickets"}

func (h *FAQHandler) tryQuotaQuery(lower, userID string) *protocol.AgentOutput {
	matched := false
	for _, p := range quotaPhrases {
		if strings.Contains(lower, p) {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	limits := h.governance.GetRemainingLimits(userID)
	msg := fmt.Sprintf("Today you can still send %d of %d emails and create %d of %d tickets.",
		limits.EmailsRemaining, limits.EmailsMax, limits.TicketsRemaining, limits.TicketsMax)
	return &protocol.AgentOutput{
		AgentName: protocol.AgentFAQ,
		Status:    protocol.StatusSuccess,
		Message:   msg,
	}
}

const answerSystem = `You answer college students' questions using ONLY the provided policy excerpts.
Be concise and direct. If the excerpts do not contain the answer, say you couldn't find specific information rather than guessing.`

var courseQueryWords = []string{"course", "courses", "program", "programs", "curriculum", "syllabus", "degree"}

// hedgingPhrases lower the composite confidence when present in the answer.
var hedgingPhrases = []string{
	"i'm not sure", "i am not sure", "couldn't find", "could not find",
	"i don't know", "not mentioned", "no information", "unclear",
}

func (h *FAQHandler) answerWithRetrieval(ctx context.Context, req *Request) *protocol.AgentOutput {
	k := h.k
	lowerMsg := strings.ToLower(req.Message)
	for _, w := range courseQueryWords {
		if strings.Contains(lowerMsg, w) {
			k = h.courseK
			break
		}
	}

	chunks, err := h.index.Retrieve(ctx, req.Message, k)
	if err != nil {
		logging.Get(logging.CategoryFAQ).Error("retrieval failed: %v", err)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusSuccess,
			Message:   "I couldn't find specific information on that right now. You could raise a ticket and someone will follow up.",
		}
	}

	var prompt strings.Builder
	prompt.WriteString("Policy excerpts:\n")
	citations := make([]string, 0, len(chunks))
	seen := map[string]bool{}
	for i, c := range chunks {
		fmt.Fprintf(&prompt, "[%d] (%s) %s\n", i+1, c.Source, c.Text)
		if !seen[c.Source] {
			seen[c.Source] = true
			citations = append(citations, c.Source)
		}
	}
	if len(chunks) == 0 {
		prompt.WriteString("(none found)\n")
	}

	userContext := h.memory.GetUserContext(req.UserID, req.SessionID, 6)
	if userContext != "" {
		prompt.WriteString("\nRecent conversation:\n")
		prompt.WriteString(userContext)
	}
	if req.Profile != nil && req.Profile.Department != "" {
		fmt.Fprintf(&prompt, "\nThe student is in the %s department.\n", req.Profile.Department)
	}
	prompt.WriteString("\nQuestion: ")
	prompt.WriteString(req.Message)

	answer, err := h.gen.Generate(ctx, llm.GenerateRequest{
		System:      answerSystem,
		Prompt:      prompt.String(),
		Temperature: 0.3,
	})
	if err != nil {
		logging.Get(logging.CategoryFAQ).Error("answer generation failed: %v", err)
		return &protocol.AgentOutput{
			AgentName: protocol.AgentFAQ,
			Status:    protocol.StatusSuccess,
			Message:   "I couldn't find specific information on that right now. You could raise a ticket and someone will follow up.",
		}
	}
	answer = strings.TrimSpace(answer)

	confidence := answerConfidence(len(chunks), len(prompt.String()), answer)
	logging.FAQ("ANSWERED | chunks=%d confidence=%.2f", len(chunks), confidence)

	out := &protocol.AgentOutput{
		AgentName:  protocol.AgentFAQ,
		Status:     protocol.StatusSuccess,
		Message:    answer,
		Confidence: confidence,
		Citations:  citations,
	}
	if confidence < 0.6 {
		out.Status = protocol.StatusNeedsInput
		out.Message = answer + "\n\nIf that doesn't cover it, you can raise a ticket or email the relevant department - just ask."
	}
	return out
}

// answerConfidence composes chunk count, context length, and hedging into a
// 0..1 score.
func answerConfidence(chunkCount, contextLen int, answer string) float64 {
	conf := 0.3
	switch {
	case chunkCount >= 3:
		conf += 0.4
	case chunkCount > 0:
		conf += 0.2
	}
	if contextLen > 800 {
		conf += 0.2
	}

	lower := strings.ToLower(answer)
	for _, p := range hedgingPhrases {
		if strings.Contains(lower, p) {
			conf -= 0.3
			break
		}
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
