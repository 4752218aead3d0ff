package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"campusdesk/internal/flowstate"
	"campusdesk/internal/governance"
	"campusdesk/internal/maillog"
	"campusdesk/internal/protocol"
	"campusdesk/internal/store"
	"campusdesk/internal/tickets"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	sent []protocol.EmailDraft
	err  error
}

func (m *fakeMailer) Send(_ context.Context, _ string, draft *protocol.EmailDraft) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, *draft)
	return nil
}

type fixture struct {
	exec   *Executor
	gov    *governance.Service
	flows  *flowstate.Store
	ts     *tickets.Store
	mail   *maillog.Log
	mailer *fakeMailer
}

func newFixture(t *testing.T, emailMax, ticketMax int) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gov, err := governance.New(db, emailMax, ticketMax, "Asia/Kolkata")
	require.NoError(t, err)
	flows, err := flowstate.New(db, 30*time.Minute)
	require.NoError(t, err)
	ts, err := tickets.New(db)
	require.NoError(t, err)
	mail, err := maillog.New(db)
	require.NoError(t, err)

	mailer := &fakeMailer{}
	return &fixture{
		exec:   New(gov, flows, ts, mail, mailer),
		gov:    gov,
		flows:  flows,
		ts:     ts,
		mail:   mail,
		mailer: mailer,
	}
}

func emailAction() *protocol.ConfirmationData {
	return &protocol.ConfirmationData{
		Action: "send_email",
		Email: &protocol.EmailDraft{
			To:      "friend@gmail.com",
			ToName:  "Friend",
			Subject: "Seminar tomorrow",
			Body:    "See you at the seminar.",
		},
	}
}

func ticketAction(description string) *protocol.ConfirmationData {
	return &protocol.ConfirmationData{
		Action: "ticket_preview",
		Ticket: &protocol.TicketData{
			Category:    "IT Support",
			Priority:    "High",
			Title:       "WiFi down",
			Description: description,
		},
	}
}

const ticketDesc = "The hostel wifi has been down on the third floor since Monday evening."

func pauseEmailFlow(t *testing.T, f *fixture) {
	t.Helper()
	st := flowstate.NewFlowState(flowstate.FlowEmail)
	st.Step = "preview"
	require.NoError(t, f.flows.Pause("sess-1", flowstate.KeyActive, st))
}

func TestSendEmailHappyPath(t *testing.T) {
	f := newFixture(t, 5, 3)
	pauseEmailFlow(t, f)

	action := emailAction()
	res := f.exec.Execute(context.Background(), "alice", "sess-1", action,
		&protocol.Profile{Email: "alice@college.edu"})

	require.True(t, res.Success)
	require.Len(t, f.mailer.sent, 1)
	// The mailer must receive the previewed draft untouched.
	assert.Empty(t, cmp.Diff(*action.Email, f.mailer.sent[0]))

	// Quota incremented, mail logged, flow cleared
	limits := f.gov.GetRemainingLimits("alice")
	assert.Equal(t, 4, limits.EmailsRemaining)
	entries, err := f.mail.ListForUser("alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive))
}

func TestSendEmailDuplicate(t *testing.T) {
	f := newFixture(t, 5, 3)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)
	require.True(t, res.Success)

	res = f.exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already sent")
	assert.Len(t, f.mailer.sent, 1, "side effect runs at most once")
	assert.Equal(t, 4, f.gov.GetRemainingLimits("alice").EmailsRemaining, "counter unchanged on duplicate")
}

func TestSendEmailQuotaExhausted(t *testing.T) {
	f := newFixture(t, 1, 3)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)
	require.True(t, res.Success)

	pauseEmailFlow(t, f)
	other := emailAction()
	other.Email.Subject = "A different subject entirely"
	res = f.exec.Execute(context.Background(), "alice", "sess-1", other, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Daily email limit reached (1/1)")
	assert.Len(t, f.mailer.sent, 1)
	assert.False(t, f.flows.Has("sess-1", flowstate.KeyActive), "flow cleared on quota refusal")
}

func TestSendEmailFailureNoBookkeeping(t *testing.T) {
	f := newFixture(t, 5, 3)
	f.mailer.err = errors.New("smtp down")
	pauseEmailFlow(t, f)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)

	assert.False(t, res.Success)
	assert.Equal(t, 5, f.gov.GetRemainingLimits("alice").EmailsRemaining, "no increment on failure")

	// Not fingerprinted either: a retry after the failure goes through
	f.mailer.err = nil
	res = f.exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)
	assert.True(t, res.Success)
	assert.Len(t, f.mailer.sent, 1)
}

// gateMailer blocks inside Send until released, so a test can hold one send
// in flight while issuing a second identical confirm.
type gateMailer struct {
	entered chan struct{}
	release chan struct{}
	sent    atomic.Int32
}

func (m *gateMailer) Send(_ context.Context, _ string, _ *protocol.EmailDraft) error {
	m.entered <- struct{}{}
	<-m.release
	m.sent.Add(1)
	return nil
}

func TestConcurrentIdenticalConfirmsSendOnce(t *testing.T) {
	f := newFixture(t, 5, 3)
	gate := &gateMailer{entered: make(chan struct{}), release: make(chan struct{})}
	exec := New(f.gov, f.flows, f.ts, f.mail, gate)

	done := make(chan Result, 1)
	go func() {
		done <- exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)
	}()
	<-gate.entered

	// The second confirm arrives while the first send is still in flight.
	// The claim must already be held, so it answers duplicate immediately.
	res := exec.Execute(context.Background(), "alice", "sess-1", emailAction(), nil)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already sent")

	close(gate.release)
	first := <-done
	assert.True(t, first.Success)
	assert.Equal(t, int32(1), gate.sent.Load(), "side effect ran exactly once")
	assert.Equal(t, 4, f.gov.GetRemainingLimits("alice").EmailsRemaining)
}

func TestEmailPreviewActionSynonym(t *testing.T) {
	f := newFixture(t, 5, 3)

	action := emailAction()
	action.Action = "email_preview"
	res := f.exec.Execute(context.Background(), "alice", "sess-1", action, nil)
	assert.True(t, res.Success)
	assert.Len(t, f.mailer.sent, 1)
}

func TestCreateTicketHappyPath(t *testing.T) {
	f := newFixture(t, 5, 3)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", ticketAction(ticketDesc), nil)

	require.True(t, res.Success)
	require.NotEmpty(t, res.TicketID)
	assert.Contains(t, res.Message, "IT Services")

	list, err := f.ts.ListForUser("alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, f.gov.GetRemainingLimits("alice").TicketsRemaining)
}

func TestCreateTicketDuplicate(t *testing.T) {
	f := newFixture(t, 5, 3)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", ticketAction(ticketDesc), nil)
	require.True(t, res.Success)

	res = f.exec.Execute(context.Background(), "alice", "sess-1", ticketAction(ticketDesc), nil)
	assert.Contains(t, res.Message, "already created")

	list, err := f.ts.ListForUser("alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSensitiveTicketBypassesQuota(t *testing.T) {
	f := newFixture(t, 5, 1)

	// Exhaust the ticket quota
	res := f.exec.Execute(context.Background(), "alice", "sess-1", ticketAction(ticketDesc), nil)
	require.True(t, res.Success)

	sensitive := ticketAction("I want to report ongoing harassment by a classmate in my department.")
	sensitive.Ticket.Sensitive = true
	sensitive.Ticket.Priority = "Urgent"
	res = f.exec.Execute(context.Background(), "alice", "sess-2", sensitive, nil)

	require.True(t, res.Success, "sensitive ticket created despite quota")
	assert.Contains(t, res.Message, "Urgent")

	// Counter not incremented on the sensitive path
	assert.Equal(t, 0, f.gov.GetRemainingLimits("alice").TicketsRemaining)
	list, err := f.ts.ListForUser("alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestQuotaRefusalForNormalTicket(t *testing.T) {
	f := newFixture(t, 5, 1)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", ticketAction(ticketDesc), nil)
	require.True(t, res.Success)

	other := ticketAction("The library air conditioning has not worked for the past two weeks now.")
	res = f.exec.Execute(context.Background(), "alice", "sess-1", other, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Daily ticket limit reached (1/1)")
}

func TestInvalidAction(t *testing.T) {
	f := newFixture(t, 5, 3)

	res := f.exec.Execute(context.Background(), "alice", "sess-1", nil, nil)
	assert.False(t, res.Success)

	res = f.exec.Execute(context.Background(), "alice", "sess-1",
		&protocol.ConfirmationData{Action: "send_email"}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "incomplete")

	res = f.exec.Execute(context.Background(), "alice", "sess-1",
		&protocol.ConfirmationData{Action: "launch_rocket"}, nil)
	assert.False(t, res.Success)
}
