// Package tickets is the support-ticket store. Every read and mutation is
// ownership-checked: a student can only see or close their own tickets.
package tickets

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"campusdesk/internal/logging"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the ticket does not exist or belongs to
// another user. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("ticket not found")

// Ticket is one support ticket.
type Ticket struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    string    `json:"category"`
	SubCategory string    `json:"sub_category"`
	Department  string    `json:"department"`
	Priority    string    `json:"priority"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Sensitive   bool      `json:"sensitive"`
	SLAHours    int       `json:"sla_hours"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the SQLite-backed ticket store.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	category     TEXT NOT NULL,
	sub_category TEXT NOT NULL,
	department   TEXT NOT NULL,
	priority     TEXT NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL,
	status       TEXT NOT NULL,
	sensitive    INTEGER NOT NULL DEFAULT 0,
	sla_hours    INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets (user_id, created_at);
`

// New creates the ticket schema on the given database.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create tickets schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// newTicketID builds an "ACE-YYYYMMDD-XXXX" id. The suffix comes from a
// uuid so ids are unguessable across users.
func (s *Store) newTicketID() string {
	short := strings.ToUpper(uuid.NewString()[:4])
	return fmt.Sprintf("ACE-%s-%s", s.now().Format("20060102"), short)
}

// Create validates and persists a ticket, filling derived fields
// (sub-category default, department, SLA, status).
func (s *Store) Create(userID, category, priority, title, description string, sensitive bool) (*Ticket, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("ticket requires a user id")
	}
	if !ValidCategory(category) {
		category = "Other"
	}
	if !ValidPriority(priority) {
		priority = "Medium"
	}
	if n := len(strings.TrimSpace(description)); n < 20 || n > 1000 {
		return nil, fmt.Errorf("description must be 20-1000 characters, got %d", n)
	}
	if strings.TrimSpace(title) == "" {
		title = category + " request"
	}

	now := s.now()
	t := &Ticket{
		ID:          s.newTicketID(),
		UserID:      userID,
		Category:    category,
		SubCategory: DefaultSubCategory(category),
		Department:  DepartmentMapping[category],
		Priority:    priority,
		Title:       title,
		Description: description,
		Status:      StatusOpen,
		Sensitive:   sensitive,
		SLAHours:    SLAHours[priority],
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tickets (id, user_id, category, sub_category, department, priority,
			title, description, status, sensitive, sla_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Category, t.SubCategory, t.Department, t.Priority,
		t.Title, t.Description, t.Status, boolToInt(t.Sensitive), t.SLAHours,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert ticket: %w", err)
	}

	logging.Ticket("CREATED | %s | %s | %s/%s | %s", t.ID, userID, t.Category, t.SubCategory, t.Priority)
	return t, nil
}

// Get returns the ticket iff it belongs to the user.
func (s *Store) Get(userID, ticketID string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(selectCols+` WHERE id = ? AND user_id = ?`, ticketID, userID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return t, nil
}

// ListForUser returns the user's tickets, open tickets first, newest first
// within each group.
func (s *Store) ListForUser(userID string) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(selectCols+`
		WHERE user_id = ?
		ORDER BY CASE WHEN status IN (?, ?) THEN 0 ELSE 1 END, created_at DESC`,
		userID, StatusOpen, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Close marks the ticket closed iff it belongs to the user and is not
// already closed.
func (s *Store) Close(userID, ticketID string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tickets SET status = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND status != ?`,
		StatusClosed, s.now().UnixMilli(), ticketID, userID, StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to close ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	logging.Ticket("CLOSED | %s | %s", ticketID, userID)

	row := s.db.QueryRow(selectCols+` WHERE id = ? AND user_id = ?`, ticketID, userID)
	t, err := scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload ticket: %w", err)
	}
	return t, nil
}

// CloseAll closes every non-closed ticket of the user and returns the count.
func (s *Store) CloseAll(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tickets SET status = ?, updated_at = ?
		WHERE user_id = ? AND status != ?`,
		StatusClosed, s.now().UnixMilli(), userID, StatusClosed)
	if err != nil {
		return 0, fmt.Errorf("failed to close tickets: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Ticket("CLOSED_ALL | %s | %d ticket(s)", userID, n)
	}
	return int(n), nil
}

const selectCols = `
	SELECT id, user_id, category, sub_category, department, priority,
		title, description, status, sensitive, sla_hours, created_at, updated_at
	FROM tickets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var sensitive int
	var created, updated int64
	err := row.Scan(&t.ID, &t.UserID, &t.Category, &t.SubCategory, &t.Department,
		&t.Priority, &t.Title, &t.Description, &t.Status, &sensitive, &t.SLAHours,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.Sensitive = sensitive != 0
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return &t, nil
}

func scanTicketRows(rows *sql.Rows) (*Ticket, error) {
	t, err := scanTicket(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
