package agents

import (
	"context"
	"path/filepath"
	"testing"

	"campusdesk/internal/chatmemory"
	"campusdesk/internal/embedding"
	"campusdesk/internal/governance"
	"campusdesk/internal/maillog"
	"campusdesk/internal/protocol"
	"campusdesk/internal/retrieval"
	"campusdesk/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type faqFixture struct {
	handler *FAQHandler
	gen     *scriptedGen
	mail    *maillog.Log
	gov     *governance.Service
	index   *retrieval.Index
}

func newFAQFixture(t *testing.T) *faqFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "faq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	index, err := retrieval.NewIndex(db, embedding.NewLocalEngine(64))
	require.NoError(t, err)

	mail, err := maillog.New(db)
	require.NoError(t, err)

	gov, err := governance.New(db, 5, 3, "Asia/Kolkata")
	require.NoError(t, err)

	backend, err := chatmemory.NewSQLiteBackend(db)
	require.NoError(t, err)

	gen := &scriptedGen{responses: []string{"Attendance below 75% bars you from end-semester exams."}}
	h := NewFAQHandler(index, gen, newTestDirectory(t), mail, gov, chatmemory.New(backend), 5, 7)
	return &faqFixture{handler: h, gen: gen, mail: mail, gov: gov, index: index}
}

func faqRequest(message string) *Request {
	return &Request{
		Message:   message,
		UserID:    "alice",
		SessionID: "sess-1",
		Profile:   &protocol.Profile{Name: "Alice", Email: "alice@college.edu", Department: "Computer Science"},
	}
}

func TestFAQFacultyDirectoryQuery(t *testing.T) {
	f := newFAQFixture(t)

	out := f.handler.Handle(context.Background(), faqRequest("who are the professors in computer science?"))

	assert.Equal(t, protocol.StatusSuccess, out.Status)
	assert.Contains(t, out.Message, "Anil Kumar")
	assert.NotContains(t, out.Message, "Sita Devi")
	assert.Zero(t, f.gen.calls, "structured lookup must not call the LLM")
}

func TestFAQFacultyQueryWithoutDepartment(t *testing.T) {
	f := newFAQFixture(t)

	out := f.handler.Handle(context.Background(), faqRequest("show me the faculty directory"))

	assert.Contains(t, out.Message, "Anil Kumar")
	assert.Contains(t, out.Message, "Sita Devi")
}

func TestFAQEmailHistoryQuery(t *testing.T) {
	f := newFAQFixture(t)
	require.NoError(t, f.mail.Record("alice", "anil.kumar@college.edu", "Anil Kumar", "Internship letter"))
	require.NoError(t, f.mail.Record("bob", "x@college.edu", "", "bob's mail"))

	out := f.handler.Handle(context.Background(), faqRequest("what emails have I sent?"))

	assert.Contains(t, out.Message, "Internship letter")
	assert.NotContains(t, out.Message, "bob's mail")
	assert.Zero(t, f.gen.calls)
}

func TestFAQEmailHistoryEmpty(t *testing.T) {
	f := newFAQFixture(t)

	out := f.handler.Handle(context.Background(), faqRequest("show my email history"))
	assert.Contains(t, out.Message, "haven't sent any")
}

func TestFAQQuotaQuery(t *testing.T) {
	f := newFAQFixture(t)
	require.NoError(t, f.gov.IncrementUsage("alice", governance.ActionEmail))

	out := f.handler.Handle(context.Background(), faqRequest("how many emails do I have left today?"))

	assert.Contains(t, out.Message, "4 of 5")
	assert.Contains(t, out.Message, "3 of 3")
	assert.Zero(t, f.gen.calls)
}

func TestFAQRetrievalGroundedAnswer(t *testing.T) {
	f := newFAQFixture(t)

	dir := t.TempDir()
	writeCorpusFile(t, dir, "attendance.md",
		"Students must maintain 75 percent attendance to sit the end-semester examination. "+
			"Condonation requires a medical certificate approved by the HOD. "+
			"Attendance is computed per course from the first day of the semester.")
	_, err := f.index.Ingest(context.Background(), dir, retrieval.NewChunker(90, 10))
	require.NoError(t, err)

	out := f.handler.Handle(context.Background(), faqRequest("Students must maintain attendance to sit the end-semester examination"))

	assert.Equal(t, protocol.StatusSuccess, out.Status)
	assert.Contains(t, out.Message, "75%")
	assert.NotEmpty(t, out.Citations)
	assert.Contains(t, out.Citations, "attendance.md")
	require.Equal(t, 1, f.gen.calls)
	assert.Contains(t, f.gen.requests[0].Prompt, "Policy excerpts")
	assert.Contains(t, f.gen.requests[0].Prompt, "Computer Science")
}

func TestFAQLowConfidenceNeedsInput(t *testing.T) {
	f := newFAQFixture(t)
	f.gen.responses = []string{"I couldn't find specific information about that in the policies."}

	// Empty index: zero chunks plus a hedging answer drops confidence below 0.6
	out := f.handler.Handle(context.Background(), faqRequest("what is the dress code on sports day?"))

	assert.Equal(t, protocol.StatusNeedsInput, out.Status)
	assert.Contains(t, out.Message, "raise a ticket")
	assert.Less(t, out.Confidence, 0.6)
}

func TestFAQGeneratorFailureGraceful(t *testing.T) {
	f := newFAQFixture(t)
	f.gen.err = assert.AnError

	out := f.handler.Handle(context.Background(), faqRequest("what is the refund policy?"))

	assert.Equal(t, protocol.StatusSuccess, out.Status)
	assert.Contains(t, out.Message, "couldn't find specific information")
}

func TestAnswerConfidence(t *testing.T) {
	assert.GreaterOrEqual(t, answerConfidence(5, 2000, "The deadline is June 30."), 0.6)
	assert.Less(t, answerConfidence(0, 100, "I'm not sure about that."), 0.6)
	assert.Less(t, answerConfidence(4, 2000, "I couldn't find that in the excerpts."), 0.7)
}
