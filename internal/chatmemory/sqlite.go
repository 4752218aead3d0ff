package chatmemory

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"campusdesk/internal/logging"

	"github.com/google/uuid"
)

// SQLiteBackend stores messages in the shared campusdesk database.
type SQLiteBackend struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	intent     TEXT,
	agent      TEXT,
	metadata   TEXT,
	ts         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, user_id, ts);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages (user_id, ts);
`

// NewSQLiteBackend creates the messages schema on the given database.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create messages schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Save appends a message row.
func (b *SQLiteBackend) Save(msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	_, err := b.db.Exec(`
		INSERT INTO messages (id, user_id, session_id, role, content, intent, agent, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.SessionID, msg.Role, msg.Content,
		msg.Intent, msg.Agent, encodeMetadata(msg.Metadata), msg.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	logging.MemoryDebug("Saved %s message %s for session %s", msg.Role, msg.ID, msg.SessionID)
	return nil
}

// History returns the most recent limit messages, oldest first.
func (b *SQLiteBackend) History(sessionID, userID string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Take the newest rows, then reverse into chronological order.
	rows, err := b.db.Query(`
		SELECT id, user_id, session_id, role, content, intent, agent, metadata, ts
		FROM messages
		WHERE session_id = ? AND user_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`, sessionID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Search performs a LIKE substring search over the user's messages.
func (b *SQLiteBackend) Search(userID, query string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(`
		SELECT id, user_id, session_id, role, content, intent, agent, metadata, ts
		FROM messages
		WHERE user_id = ? AND content LIKE ? ESCAPE '\'
		ORDER BY ts DESC
		LIMIT ?`, userID, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// DeleteSession deletes all messages owned by the user in the session.
func (b *SQLiteBackend) DeleteSession(sessionID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.Exec(`DELETE FROM messages WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Memory("Deleted %d message(s) for session %s", n, sessionID)
	}
	return nil
}

// Close is a no-op; the shared database is owned by the caller.
func (b *SQLiteBackend) Close() error {
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var intent, agent, metadata sql.NullString
		var ts int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Role, &m.Content,
			&intent, &agent, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.Intent = intent.String
		m.Agent = agent.String
		m.Metadata = decodeMetadata(metadata.String)
		m.Timestamp = millisToTime(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
