// Package maillog records emails sent on a student's behalf. The executor
// writes a row per send; the FAQ handler reads it back for "what emails have
// I sent" queries.
package maillog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"campusdesk/internal/logging"
)

// Entry is one sent email.
type Entry struct {
	ID      int64     `json:"id"`
	UserID  string    `json:"user_id"`
	ToEmail string    `json:"to_email"`
	ToName  string    `json:"to_name"`
	Subject string    `json:"subject"`
	SentAt  time.Time `json:"sent_at"`
}

// Log is the SQLite-backed sent-email log.
type Log struct {
	db *sql.DB
	mu sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sent_emails (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id  TEXT NOT NULL,
	to_email TEXT NOT NULL,
	to_name  TEXT,
	subject  TEXT NOT NULL,
	sent_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sent_emails_user ON sent_emails (user_id, sent_at);
`

// New creates the sent-email schema on the given database.
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create sent_emails schema: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// Record appends a sent-email row.
func (l *Log) Record(userID, toEmail, toName, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO sent_emails (user_id, to_email, to_name, subject, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, toEmail, toName, subject, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record sent email: %w", err)
	}

	logging.Email("RECORDED | %s | to=%s | %.60s", userID, toEmail, subject)
	return nil
}

// ListForUser returns the user's sent emails, newest first.
func (l *Log) ListForUser(userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT id, user_id, to_email, to_name, subject, sent_at
		FROM sent_emails
		WHERE user_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent emails: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var toName sql.NullString
		var sentAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.ToEmail, &toName, &e.Subject, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan sent email: %w", err)
		}
		e.ToName = toName.String
		e.SentAt = time.UnixMilli(sentAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
