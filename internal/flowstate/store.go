// Package flowstate persists paused multi-turn flows. Each session owns at
// most one state per flow key; for the dialogue core the key is always
// KeyActive. States expire after an inactivity TTL and are swept lazily on
// read. Storage failures surface as "no state" - the orchestrator must never
// see an error from this package.
package flowstate

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"campusdesk/internal/logging"
)

// KeyActive is the flow key used for the single active flow per session.
const KeyActive = "active"

// Flow names stored in ActiveFlow.
const (
	FlowEmail  = "email"
	FlowTicket = "ticket"
)

// FlowState is the paused state of a multi-turn flow.
type FlowState struct {
	ActiveFlow string            `json:"active_flow"`
	Step       string            `json:"step"`
	Slots      map[string]string `json:"slots,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`

	// Handler-specific payloads: the email draft under "email_draft", the
	// faculty candidate list under "faculty_matches", the ticket draft under
	// "ticket_data".
	Extras map[string]json.RawMessage `json:"extras,omitempty"`

	PausedAt  time.Time `json:"paused_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFlowState creates an empty state for the named flow.
func NewFlowState(flow string) *FlowState {
	return &FlowState{
		ActiveFlow: flow,
		Slots:      make(map[string]string),
		Entities:   make(map[string]string),
		Extras:     make(map[string]json.RawMessage),
	}
}

// SetExtra stores a handler payload under the given key.
func (s *FlowState) SetExtra(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.Extras == nil {
		s.Extras = make(map[string]json.RawMessage)
	}
	s.Extras[key] = data
	return nil
}

// GetExtra unmarshals a handler payload. Returns false if absent.
func (s *FlowState) GetExtra(key string, v any) bool {
	raw, ok := s.Extras[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// Store persists flow states and session activity in SQLite.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS flow_states (
	session_id TEXT NOT NULL,
	flow_key   TEXT NOT NULL,
	blob       TEXT NOT NULL,
	paused_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, flow_key)
);

CREATE TABLE IF NOT EXISTS session_activity (
	session_id    TEXT PRIMARY KEY,
	last_activity INTEGER NOT NULL
);
`

// New creates a flow-pause store on the given database.
func New(db *sql.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// TTL returns the configured inactivity TTL.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Pause atomically replaces any prior state for (sessionID, key) and stamps
// a fresh expiry.
func (s *Store) Pause(sessionID, key string, st *FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st.PausedAt = now
	st.ExpiresAt = now.Add(s.ttl)

	blob, err := json.Marshal(st)
	if err != nil {
		logging.Get(logging.CategoryFlow).Error("Pause: marshal failed for session %s: %v", sessionID, err)
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO flow_states (session_id, flow_key, blob, paused_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, flow_key)
		DO UPDATE SET blob = excluded.blob, paused_at = excluded.paused_at, expires_at = excluded.expires_at`,
		sessionID, key, string(blob), now.Unix(), st.ExpiresAt.Unix())
	if err != nil {
		logging.Get(logging.CategoryFlow).Error("Pause: write failed for session %s: %v", sessionID, err)
		return err
	}

	logging.FlowDebug("Paused flow %q step %q for session %s (expires %s)",
		st.ActiveFlow, st.Step, sessionID, st.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Resume returns the live state for (sessionID, key), or (nil, false) when
// there is none, it expired, or the read failed.
func (s *Store) Resume(sessionID, key string) (*FlowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(sessionID)

	var blob string
	var expiresAt int64
	err := s.db.QueryRow(`
		SELECT blob, expires_at FROM flow_states
		WHERE session_id = ? AND flow_key = ?`, sessionID, key).Scan(&blob, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logging.Get(logging.CategoryFlow).Warn("Resume: read failed for session %s: %v", sessionID, err)
		return nil, false
	}

	if s.now().Unix() >= expiresAt {
		s.db.Exec(`DELETE FROM flow_states WHERE session_id = ? AND flow_key = ?`, sessionID, key)
		logging.Flow("Flow for session %s expired; discarded", sessionID)
		return nil, false
	}

	var st FlowState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		logging.Get(logging.CategoryFlow).Error("Resume: corrupt blob for session %s: %v", sessionID, err)
		s.db.Exec(`DELETE FROM flow_states WHERE session_id = ? AND flow_key = ?`, sessionID, key)
		return nil, false
	}

	logging.FlowDebug("Resumed flow %q step %q for session %s", st.ActiveFlow, st.Step, sessionID)
	return &st, true
}

// Has reports whether a live state exists for (sessionID, key).
func (s *Store) Has(sessionID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(sessionID)

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM flow_states
		WHERE session_id = ? AND flow_key = ? AND expires_at > ?`,
		sessionID, key, s.now().Unix()).Scan(&n)
	if err != nil {
		logging.Get(logging.CategoryFlow).Warn("Has: read failed for session %s: %v", sessionID, err)
		return false
	}
	return n > 0
}

// Clear removes the state if present. Idempotent.
func (s *Store) Clear(sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM flow_states WHERE session_id = ? AND flow_key = ?`, sessionID, key)
	if err != nil {
		logging.Get(logging.CategoryFlow).Warn("Clear: delete failed for session %s: %v", sessionID, err)
		return err
	}
	logging.FlowDebug("Cleared flow state for session %s", sessionID)
	return nil
}

// UpdateActivity bumps the session's last-activity timestamp.
func (s *Store) UpdateActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_activity (session_id, last_activity) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity = excluded.last_activity`,
		sessionID, s.now().Unix())
	if err != nil {
		logging.Get(logging.CategoryFlow).Warn("UpdateActivity: write failed for session %s: %v", sessionID, err)
	}
}

// SessionTimedOut reports whether the session's last activity is older than
// the timeout. Unknown sessions have not timed out.
func (s *Store) SessionTimedOut(sessionID string, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int64
	err := s.db.QueryRow(`SELECT last_activity FROM session_activity WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil {
		return false
	}
	return s.now().Sub(time.Unix(last, 0)) > timeout
}

// sweepLocked lazily deletes expired states for the session. Caller holds mu.
func (s *Store) sweepLocked(sessionID string) {
	res, err := s.db.Exec(`DELETE FROM flow_states WHERE session_id = ? AND expires_at <= ?`,
		sessionID, s.now().Unix())
	if err != nil {
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.FlowDebug("Swept %d expired flow state(s) for session %s", n, sessionID)
	}
}
