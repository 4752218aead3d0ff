// Package chatmemory is the append-only per-(user, session) message log.
// Every read is tenant-scoped: methods require a user id and filter rows to
// it. The Store facade enforces the contract (empty-content and system-role
// drops, missing-user warnings) so backends stay simple.
package chatmemory

import (
	"encoding/json"
	"strings"
	"time"

	"campusdesk/internal/logging"
)

// Roles accepted by SaveMessage. System messages are never persisted.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Message is a single persisted conversation message. Immutable once written.
type Message struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Intent    string            `json:"intent,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Backend is the storage contract. Implementations do not re-check the
// facade's rules but must always apply the user filter they are given.
type Backend interface {
	Save(msg *Message) error
	History(sessionID, userID string, limit int) ([]Message, error)
	Search(userID, query string, limit int) ([]Message, error)
	DeleteSession(sessionID, userID string) error
	Close() error
}

// Store applies the chat-memory contract in front of a Backend.
type Store struct {
	backend Backend
}

// New creates a chat-memory store over the given backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// SaveMessage appends a message. Empty or whitespace-only content and
// system-role messages are silently dropped. Messages without a user id are
// dropped with a warning - unowned rows would break tenant isolation.
func (s *Store) SaveMessage(userID, sessionID, role, content, intent, agent string, metadata map[string]string) {
	if strings.TrimSpace(content) == "" {
		logging.MemoryDebug("SaveMessage: dropping empty message for session %s", sessionID)
		return
	}
	if role != RoleUser && role != RoleBot {
		logging.MemoryDebug("SaveMessage: dropping role %q message for session %s", role, sessionID)
		return
	}
	if strings.TrimSpace(userID) == "" {
		logging.Get(logging.CategoryMemory).Warn("SaveMessage: missing user id for session %s; dropped", sessionID)
		return
	}

	msg := &Message{
		UserID:    userID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Intent:    intent,
		Agent:     agent,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if err := s.backend.Save(msg); err != nil {
		logging.Get(logging.CategoryMemory).Error("SaveMessage: backend write failed for session %s: %v", sessionID, err)
	}
}

// GetSessionHistory returns the most recent limit messages of the session,
// filtered to the user, in chronological order. Missing user id returns empty.
func (s *Store) GetSessionHistory(sessionID, userID string, limit int) []Message {
	if strings.TrimSpace(userID) == "" {
		logging.Get(logging.CategoryMemory).Warn("GetSessionHistory: missing user id for session %s", sessionID)
		return nil
	}
	if limit <= 0 {
		limit = 50
	}

	msgs, err := s.backend.History(sessionID, userID, limit)
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("GetSessionHistory: backend read failed for session %s: %v", sessionID, err)
		return nil
	}
	return msgs
}

// GetUserContext formats recent history for LLM prompting:
// "Student: ..." / "Assistant: ..." lines, truncated at 300 chars per line.
// Returns "" when there is no history.
func (s *Store) GetUserContext(userID, sessionID string, maxMessages int) string {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	msgs := s.GetSessionHistory(sessionID, userID, maxMessages)
	if len(msgs) == 0 {
		return ""
	}

	var b strings.Builder
	for _, m := range msgs {
		speaker := "Student"
		if m.Role == RoleBot {
			speaker = "Assistant"
		}
		content := m.Content
		if len(content) > 300 {
			content = content[:300]
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// SearchConversation performs a user-scoped substring search.
func (s *Store) SearchConversation(userID, query string, limit int) []Message {
	if strings.TrimSpace(userID) == "" {
		logging.Get(logging.CategoryMemory).Warn("SearchConversation: missing user id; returning empty")
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	msgs, err := s.backend.Search(userID, query, limit)
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("SearchConversation: backend search failed: %v", err)
		return nil
	}
	return msgs
}

// DeleteSession removes all messages owned by the user in the session.
func (s *Store) DeleteSession(sessionID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		logging.Get(logging.CategoryMemory).Warn("DeleteSession: missing user id for session %s", sessionID)
		return nil
	}
	return s.backend.DeleteSession(sessionID, userID)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// encodeMetadata marshals message metadata for storage.
func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeMetadata unmarshals stored metadata; corrupt blobs become nil.
func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
