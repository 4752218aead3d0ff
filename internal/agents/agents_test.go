package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campusdesk/internal/directory"
	"campusdesk/internal/flowstate"
	"campusdesk/internal/llm"
	"campusdesk/internal/store"

	"github.com/stretchr/testify/require"
)

// scriptedGen returns canned responses in order, then repeats the last one.
type scriptedGen struct {
	responses []string
	err       error
	calls     int
	requests  []llm.GenerateRequest
}

func (g *scriptedGen) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	g.requests = append(g.requests, req)
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

func newTestFlows(t *testing.T) *flowstate.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := flowstate.New(db, 30*time.Minute)
	require.NoError(t, err)
	return s
}

func newTestDirectory(t *testing.T) *directory.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dir.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := directory.New(db)
	require.NoError(t, err)

	for _, f := range []directory.Faculty{
		{Name: "Anil Kumar", Title: "Professor", Department: "Computer Science", Email: "anil.kumar@college.edu"},
		{Name: "Rajesh Kumar", Title: "Assistant Professor", Department: "Mechanical Engineering", Email: "rajesh.kumar@college.edu"},
		{Name: "Sita Devi", Title: "HOD", Department: "Physics", Email: "sita.devi@college.edu"},
	} {
		require.NoError(t, d.Add(f))
	}
	return d
}

// resumeFlow fetches the active flow state for assertions.
func resumeFlow(t *testing.T, flows *flowstate.Store, sessionID string) *flowstate.FlowState {
	t.Helper()
	st, ok := flows.Resume(sessionID, flowstate.KeyActive)
	require.True(t, ok, "expected an active flow for session %s", sessionID)
	return st
}

const draftJSON = `{"subject": "Request regarding internship letter", "body": "Dear Professor,\n\nI am writing to request an internship recommendation letter.\n\nThank you,\nAlice"}`

func writeCorpusFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
