package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"campusdesk/internal/agents"
	"campusdesk/internal/chatmemory"
	"campusdesk/internal/config"
	"campusdesk/internal/dedup"
	"campusdesk/internal/executor"
	"campusdesk/internal/flowstate"
	"campusdesk/internal/governance"
	"campusdesk/internal/intent"
	"campusdesk/internal/llm"
	"campusdesk/internal/maillog"
	"campusdesk/internal/protocol"
	"campusdesk/internal/store"
	"campusdesk/internal/tickets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGen struct {
	responses []string
	err       error
	calls     int
}

func (g *scriptedGen) Generate(_ context.Context, _ llm.GenerateRequest) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	idx := g.calls - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return g.responses[idx], nil
}

type stubHandler struct {
	out   *protocol.AgentOutput
	calls int
	last  *agents.Request
}

func (h *stubHandler) Handle(_ context.Context, req *agents.Request) *protocol.AgentOutput {
	h.calls++
	h.last = req
	return h.out
}

type fakeMailer struct {
	sent int
}

func (m *fakeMailer) Send(_ context.Context, _ string, _ *protocol.EmailDraft) error {
	m.sent++
	return nil
}

type fixture struct {
	orch   *Orchestrator
	gen    *scriptedGen
	flows  *flowstate.Store
	memory *chatmemory.Store
	mailer *fakeMailer
	gov    *governance.Service

	faq, email, ticket, status, greeting *stubHandler
}

func infoOutput(agent, message string) *protocol.AgentOutput {
	return &protocol.AgentOutput{AgentName: agent, Status: protocol.StatusSuccess, Message: message}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	flows, err := flowstate.New(db, 30*time.Minute)
	require.NoError(t, err)
	backend, err := chatmemory.NewSQLiteBackend(db)
	require.NoError(t, err)
	memory := chatmemory.New(backend)
	gov, err := governance.New(db, 5, 3, "Asia/Kolkata")
	require.NoError(t, err)
	ts, err := tickets.New(db)
	require.NoError(t, err)
	mail, err := maillog.New(db)
	require.NoError(t, err)

	gen := &scriptedGen{}
	mailer := &fakeMailer{}
	exec := executor.New(gov, flows, ts, mail, mailer)

	f := &fixture{
		gen:      gen,
		flows:    flows,
		memory:   memory,
		mailer:   mailer,
		gov:      gov,
		faq:      &stubHandler{out: infoOutput(protocol.AgentFAQ, "answer")},
		email:    &stubHandler{out: infoOutput(protocol.AgentEmail, "email step")},
		ticket:   &stubHandler{out: infoOutput(protocol.AgentTicket, "ticket step")},
		status:   &stubHandler{out: infoOutput(protocol.AgentTicket, "your tickets")},
		greeting: &stubHandler{out: infoOutput(protocol.AgentOrchestrator, "Hi!")},
	}
	f.orch = New(flows, memory, intent.NewClassifier(gen), dedup.New(30*time.Second, 64),
		exec, nil, Handlers{
			FAQ:          f.faq,
			Email:        f.email,
			Ticket:       f.ticket,
			TicketStatus: f.status,
			Greeting:     f.greeting,
		}, config.DefaultThresholds(), 30*time.Minute)
	return f
}

func classification(intentName string, confidence string, entities string) string {
	return `{"intent": "` + intentName + `", "confidence": ` + confidence + `, "entities": ` + entities + `, "reasoning": "t"}`
}

func TestRoutesByIntent(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("GREETING", "0.95", "{}")}

	env := f.orch.ProcessMessage(context.Background(), "hello", "alice", "sess-1", nil)
	require.NotNil(t, env)
	assert.Equal(t, protocol.TypeInformation, env.Type)
	assert.Equal(t, "Hi!", env.Content)
	assert.Equal(t, 1, f.greeting.calls)
	assert.Equal(t, "GREETING", env.Metadata.Intent)
}

func TestThresholdGate(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("FAQ", "0.2", "{}")}

	env := f.orch.ProcessMessage(context.Background(), "hmm the thing", "alice", "sess-1", nil)
	assert.Equal(t, protocol.TypeClarificationRequest, env.Type)
	assert.Equal(t, 0, f.faq.calls)
}

func TestEntityOverridesThreshold(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("EMAIL", "0.4", `{"email_address": "x@gmail.com"}`)}

	f.orch.ProcessMessage(context.Background(), "email x@gmail.com about fees", "alice", "sess-1", nil)
	assert.Equal(t, 1, f.email.calls, "entities override a low-confidence EMAIL")
	assert.Equal(t, "x@gmail.com", f.email.last.Entities["email_address"])
}

func TestUnknownIntentClarifies(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{"not json at all"}

	env := f.orch.ProcessMessage(context.Background(), "asdfgh", "alice", "sess-1", nil)
	assert.Equal(t, protocol.TypeClarificationRequest, env.Type)
	assert.Equal(t, protocol.AgentOrchestrator, env.Agent)
}

func TestCancelShortCircuit(t *testing.T) {
	f := newFixture(t)
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "preview"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))

	env := f.orch.ProcessMessage(context.Background(), "cancel", "alice", "sess-1", nil)
	assert.Contains(t, env.Content, "cancelled")
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive))
	assert.Equal(t, 0, f.gen.calls, "cancel never reaches the classifier")
	assert.Equal(t, 0, f.email.calls)
}

func TestActiveFlowSkipsClassification(t *testing.T) {
	f := newFixture(t)
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "collect_purpose"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))

	f.orch.ProcessMessage(context.Background(), "about my internship letter", "alice", "sess-1", nil)
	assert.Equal(t, 1, f.email.calls)
	assert.Equal(t, 0, f.gen.calls)
	require.NotNil(t, f.email.last.Flow)
	assert.Equal(t, "collect_purpose", f.email.last.Flow.Step)
}

func TestEscapeReclassifies(t *testing.T) {
	f := newFixture(t)
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "collect_recipient"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))

	f.email.out = &protocol.AgentOutput{
		AgentName:       protocol.AgentEmail,
		Status:          protocol.StatusNeedsInput,
		Message:         "ignored",
		NeedsReclassify: true,
	}
	f.gen.responses = []string{classification("FAQ", "0.9", "{}")}

	env := f.orch.ProcessMessage(context.Background(), "what is the hostel policy?", "alice", "sess-1", nil)
	assert.Equal(t, 1, f.email.calls)
	assert.Equal(t, 1, f.faq.calls, "escaped message goes through classification")
	assert.Equal(t, "answer", env.Content)
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive))
}

func TestActiveTicketFlowTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	paused := flowstate.NewFlowState(flowstate.FlowTicket)
	require.NoError(t, f.flows.Pause("sess-old", flowstate.KeyActive, paused))

	f.orch.ProcessMessage(context.Background(), "I want to email my professor", "alice", "sess-old", nil)

	// The ticket flow was paused, so the turn dispatches to the ticket
	// handler, not the classifier.
	assert.Equal(t, 1, f.ticket.calls)
	assert.Equal(t, 0, f.email.calls)
	assert.Equal(t, 0, f.gen.calls)
}

func TestFreshEmailEntryClearsStaleState(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("EMAIL", "0.9", "{}")}

	env := f.orch.ProcessMessage(context.Background(), "I want to email my professor", "alice", "sess-1", nil)
	assert.Equal(t, 1, f.email.calls)
	require.NotNil(t, f.email.last)
	assert.Nil(t, f.email.last.Flow, "fresh entry starts with no paused state")
	assert.Equal(t, "email step", env.Content)
}

func TestInvalidHandlerOutput(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("FAQ", "0.9", "{}")}
	f.faq.out = &protocol.AgentOutput{AgentName: protocol.AgentFAQ, Status: "bogus", Message: "x"}

	env := f.orch.ProcessMessage(context.Background(), "what are the fees?", "alice", "sess-1", nil)
	assert.Equal(t, protocol.AgentOrchestrator, env.Agent)
	assert.Contains(t, env.Content, "Something went wrong")

	// The turn is still persisted
	history := f.memory.GetSessionHistory("sess-1", "alice", 10)
	assert.Len(t, history, 2)
}

func TestPreviewEnvelopeType(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("EMAIL", "0.9", "{}")}
	f.email.out = &protocol.AgentOutput{
		AgentName: protocol.AgentEmail,
		Status:    protocol.StatusNeedsConfirmation,
		Message:   "Here's the draft",
		ConfirmationData: &protocol.ConfirmationData{
			Action: "email_preview",
			Email:  &protocol.EmailDraft{To: "x@gmail.com", Subject: "s", Body: "b"},
		},
	}

	env := f.orch.ProcessMessage(context.Background(), "email x@gmail.com", "alice", "sess-1", nil)
	assert.Equal(t, protocol.TypeEmailPreview, env.Type)
	require.NotNil(t, env.ConfirmationData)
	assert.Equal(t, "x@gmail.com", env.ConfirmationData.Email.To)
}

func TestExecuteActionRunsExecutor(t *testing.T) {
	f := newFixture(t)
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "preview"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))

	f.email.out = &protocol.AgentOutput{
		AgentName:  protocol.AgentEmail,
		Status:     protocol.StatusSuccess,
		Message:    "confirmed",
		ActionType: "execute",
		ConfirmationData: &protocol.ConfirmationData{
			Action: "send_email",
			Email:  &protocol.EmailDraft{To: "x@gmail.com", ToName: "X", Subject: "s", Body: "b"},
		},
	}

	env := f.orch.ProcessMessage(context.Background(), "yes", "alice", "sess-1", nil)
	assert.Equal(t, 1, f.mailer.sent)
	assert.Contains(t, env.Content, "has been sent")
	assert.Equal(t, 4, f.gov.GetRemainingLimits("alice").EmailsRemaining)
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive))
}

func TestRepeatSendAfterSuccessDoesNotResend(t *testing.T) {
	f := newFixture(t)
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "preview"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))

	f.email.out = &protocol.AgentOutput{
		AgentName:  protocol.AgentEmail,
		Status:     protocol.StatusSuccess,
		Message:    "confirmed",
		ActionType: "execute",
		ConfirmationData: &protocol.ConfirmationData{
			Action: "send_email",
			Email:  &protocol.EmailDraft{To: "x@gmail.com", ToName: "X", Subject: "s", Body: "b"},
		},
	}

	first := f.orch.ProcessMessage(context.Background(), "send", "alice", "sess-1", nil)
	assert.Contains(t, first.Content, "has been sent")
	assert.Equal(t, 1, f.mailer.sent)
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive))

	// The flow is gone; a repeated "send" must hit the duplicate guard, not
	// restart the email flow or reach the classifier.
	second := f.orch.ProcessMessage(context.Background(), "send", "alice", "sess-1", nil)
	assert.Contains(t, second.Content, "already sent")
	assert.Equal(t, 1, f.mailer.sent)
	assert.Equal(t, 1, f.email.calls)
	assert.Equal(t, 0, f.gen.calls)
	assert.Equal(t, 4, f.gov.GetRemainingLimits("alice").EmailsRemaining, "quota charged once")
}

func TestRepeatSendAfterConfirmEndpoint(t *testing.T) {
	f := newFixture(t)

	f.orch.ConfirmAction(context.Background(), "alice", "sess-1", true, &protocol.ConfirmationData{
		Action: "email_preview",
		Email:  &protocol.EmailDraft{To: "x@gmail.com", ToName: "X", Subject: "s", Body: "b"},
	}, nil)
	require.Equal(t, 1, f.mailer.sent)

	env := f.orch.ProcessMessage(context.Background(), "send it", "alice", "sess-1", nil)
	assert.Contains(t, env.Content, "already sent")
	assert.Equal(t, 1, f.mailer.sent)
}

func TestBareConfirmWithNoHistoryClassifies(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("GREETING", "0.95", "{}")}

	env := f.orch.ProcessMessage(context.Background(), "ok", "alice", "sess-1", nil)
	assert.Equal(t, 1, f.gen.calls, "nothing to replay, message is classified normally")
	assert.Equal(t, "Hi!", env.Content)
}

func TestDedupReplaysCachedEnvelope(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("FAQ", "0.9", "{}")}

	first := f.orch.ProcessMessage(context.Background(), "what are the fees?", "alice", "sess-1", nil)
	second := f.orch.ProcessMessage(context.Background(), "what are the fees?", "alice", "sess-1", nil)

	assert.Equal(t, 1, f.faq.calls, "duplicate served from cache")
	assert.Equal(t, first.Content, second.Content)
}

func TestDedupBypassOnRetryPhrase(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("FAQ", "0.9", "{}")}

	f.orch.ProcessMessage(context.Background(), "what are the fees? please try again", "alice", "sess-1", nil)
	f.orch.ProcessMessage(context.Background(), "what are the fees? please try again", "alice", "sess-1", nil)
	assert.Equal(t, 2, f.faq.calls)
}

func TestTurnPersistedToMemory(t *testing.T) {
	f := newFixture(t)
	f.gen.responses = []string{classification("GREETING", "0.95", "{}")}

	f.orch.ProcessMessage(context.Background(), "hello", "alice", "sess-1", nil)

	history := f.memory.GetSessionHistory("sess-1", "alice", 10)
	require.Len(t, history, 2)
	assert.Equal(t, chatmemory.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, chatmemory.RoleBot, history[1].Role)
	assert.Equal(t, "Hi!", history[1].Content)
}

func TestConfirmActionDeclined(t *testing.T) {
	f := newFixture(t)
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "preview"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))

	env := f.orch.ConfirmAction(context.Background(), "alice", "sess-1", false, &protocol.ConfirmationData{
		Action: "send_email",
		Email:  &protocol.EmailDraft{To: "x@gmail.com", Subject: "s", Body: "b"},
	}, nil)

	assert.Contains(t, env.Content, "won't go ahead")
	assert.Equal(t, 0, f.mailer.sent)
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive))
}

func TestConfirmActionConfirmed(t *testing.T) {
	f := newFixture(t)

	env := f.orch.ConfirmAction(context.Background(), "alice", "sess-1", true, &protocol.ConfirmationData{
		Action: "email_preview",
		Email:  &protocol.EmailDraft{To: "x@gmail.com", ToName: "X", Subject: "s", Body: "b"},
	}, nil)

	assert.Equal(t, 1, f.mailer.sent)
	assert.Contains(t, env.Content, "has been sent")
}
