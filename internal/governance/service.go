// Package governance enforces per-user daily quotas and records activity
// events. Day boundaries follow a fixed civil timezone regardless of where
// the process runs. Counter reads fail open: a storage error must never block
// a student action, only get logged.
package governance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campusdesk/internal/logging"
)

// Action is a quota-governed action type.
type Action string

const (
	ActionEmail  Action = "email"
	ActionTicket Action = "ticket"
)

// Activity types written by the executor. Unknown types are warned but
// accepted.
const (
	ActivityEmailSent     = "EMAIL_SENT"
	ActivityTicketCreated = "TICKET_CREATED"
	ActivityTicketClosed  = "TICKET_CLOSED"
)

var knownActivityTypes = map[string]bool{
	ActivityEmailSent:     true,
	ActivityTicketCreated: true,
	ActivityTicketClosed:  true,
}

// Limits reports a user's remaining daily allowances.
type Limits struct {
	EmailsRemaining  int `json:"emails_remaining"`
	TicketsRemaining int `json:"tickets_remaining"`
	EmailsMax        int `json:"emails_max"`
	TicketsMax       int `json:"tickets_max"`
}

// ActivityEvent is one appended activity record.
type ActivityEvent struct {
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Service tracks daily usage and activity in SQLite.
type Service struct {
	db             *sql.DB
	emailDailyMax  int
	ticketDailyMax int
	civilTZ        *time.Location

	// now is replaceable in tests.
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS daily_usage (
	user_id         TEXT NOT NULL,
	usage_date      TEXT NOT NULL,
	emails_sent     INTEGER NOT NULL DEFAULT 0,
	tickets_created INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_id, usage_date)
);

CREATE TABLE IF NOT EXISTS activity_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT,
	ts          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log (user_id, ts);
`

// New creates a governance service. civilTZ names the timezone whose midnight
// rolls the daily counters (e.g. "Asia/Kolkata").
func New(db *sql.DB, emailDailyMax, ticketDailyMax int, civilTZ string) (*Service, error) {
	if emailDailyMax <= 0 {
		emailDailyMax = 5
	}
	if ticketDailyMax <= 0 {
		ticketDailyMax = 3
	}

	loc, err := time.LoadLocation(civilTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid civil timezone %q: %w", civilTZ, err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create governance schema: %w", err)
	}

	return &Service{
		db:             db,
		emailDailyMax:  emailDailyMax,
		ticketDailyMax: ticketDailyMax,
		civilTZ:        loc,
		now:            time.Now,
	}, nil
}

// today returns the current civil-day key.
func (s *Service) today() string {
	return s.now().In(s.civilTZ).Format("2006-01-02")
}

func (s *Service) maxFor(action Action) int {
	if action == ActionEmail {
		return s.emailDailyMax
	}
	return s.ticketDailyMax
}

func columnFor(action Action) string {
	if action == ActionEmail {
		return "emails_sent"
	}
	return "tickets_created"
}

// CheckDailyLimit reports whether the user has remaining quota for the
// action today. Read failures fail open: the action is allowed and the
// failure logged.
func (s *Service) CheckDailyLimit(userID string, action Action) (allowed bool, remaining, max int) {
	max = s.maxFor(action)
	today := s.today()

	var used int
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM daily_usage WHERE user_id = ? AND usage_date = ?`, columnFor(action)),
		userID, today).Scan(&used)
	if err == sql.ErrNoRows {
		used = 0
	} else if err != nil {
		logging.Get(logging.CategoryGovernance).Error("LIMIT_CHECK_FAIL | %s | %s | %v", userID, action, err)
		// Fail open: allow the action but log the error
		return true, 1, max
	}

	remaining = max - used
	if remaining < 0 {
		remaining = 0
	}
	allowed = used < max

	if !allowed {
		logging.GovernanceWarn("LIMIT_HIT | %s | %s | %d/%d", userID, action, used, max)
	}
	return allowed, remaining, max
}

// IncrementUsage atomically increments the user's counter for today.
// BEGIN IMMEDIATE takes the SQLite write lock up front so concurrent
// increments for the same row never lose a count.
func (s *Service) IncrementUsage(userID string, action Action) error {
	today := s.today()
	col := columnFor(action)

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		logging.Get(logging.CategoryGovernance).Error("USAGE_INCREMENT_FAIL | %s | %s | %v", userID, action, err)
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		logging.Get(logging.CategoryGovernance).Error("USAGE_INCREMENT_FAIL | %s | %s | %v", userID, action, err)
		return fmt.Errorf("begin increment: %w", err)
	}

	_, err = conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO daily_usage (user_id, usage_date, %s) VALUES (?, ?, 1)
		ON CONFLICT(user_id, usage_date) DO UPDATE SET %s = %s + 1`, col, col, col),
		userID, today)
	if err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		logging.Get(logging.CategoryGovernance).Error("USAGE_INCREMENT_FAIL | %s | %s | %v", userID, action, err)
		return fmt.Errorf("increment usage: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		logging.Get(logging.CategoryGovernance).Error("USAGE_INCREMENT_FAIL | %s | %s | %v", userID, action, err)
		return fmt.Errorf("commit increment: %w", err)
	}

	logging.Governance("USAGE_INCREMENT | %s | %s | date=%s", userID, action, today)
	return nil
}

// GetRemainingLimits returns all remaining daily limits for the user.
// Read failures return full limits (fail open).
func (s *Service) GetRemainingLimits(userID string) Limits {
	today := s.today()

	var emailsUsed, ticketsUsed int
	err := s.db.QueryRow(`
		SELECT emails_sent, tickets_created FROM daily_usage
		WHERE user_id = ? AND usage_date = ?`, userID, today).Scan(&emailsUsed, &ticketsUsed)
	if err != nil && err != sql.ErrNoRows {
		logging.Get(logging.CategoryGovernance).Error("LIMITS_FETCH_FAIL | %s | %v", userID, err)
		return Limits{
			EmailsRemaining:  s.emailDailyMax,
			TicketsRemaining: s.ticketDailyMax,
			EmailsMax:        s.emailDailyMax,
			TicketsMax:       s.ticketDailyMax,
		}
	}

	clamp := func(n int) int {
		if n < 0 {
			return 0
		}
		return n
	}
	return Limits{
		EmailsRemaining:  clamp(s.emailDailyMax - emailsUsed),
		TicketsRemaining: clamp(s.ticketDailyMax - ticketsUsed),
		EmailsMax:        s.emailDailyMax,
		TicketsMax:       s.ticketDailyMax,
	}
}

// LogActivity appends an activity event. Unknown types are accepted with a
// warning. Failures are logged and swallowed - activity is best-effort.
func (s *Service) LogActivity(userID, typ, description string) {
	if !knownActivityTypes[typ] {
		logging.GovernanceWarn("LogActivity: unknown activity type %q for %s", typ, userID)
	}

	_, err := s.db.Exec(`INSERT INTO activity_log (user_id, type, description, ts) VALUES (?, ?, ?, ?)`,
		userID, typ, description, s.now().UnixMilli())
	if err != nil {
		logging.Get(logging.CategoryGovernance).Error("ACTIVITY_LOG_FAIL | %s | %s | %v", userID, typ, err)
		return
	}
	logging.Governance("ACTIVITY | %s | %s | %s", userID, typ, description)
}

// RecentActivity returns the user's most recent activity events, newest first.
func (s *Service) RecentActivity(userID string, limit int) []ActivityEvent {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT user_id, type, description, ts FROM activity_log
		WHERE user_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		logging.Get(logging.CategoryGovernance).Error("ACTIVITY_FETCH_FAIL | %s | %v", userID, err)
		return nil
	}
	defer rows.Close()

	var events []ActivityEvent
	for rows.Next() {
		var e ActivityEvent
		var desc sql.NullString
		var ts int64
		if err := rows.Scan(&e.UserID, &e.Type, &desc, &ts); err != nil {
			continue
		}
		e.Description = desc.String
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events
}
