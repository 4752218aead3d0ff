// Package directory is the faculty directory: who teaches what, and how to
// reach them. Backed by a SQLite table seeded from a YAML file at startup.
package directory

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"campusdesk/internal/logging"

	"gopkg.in/yaml.v3"
)

// Faculty is one directory entry.
type Faculty struct {
	ID         int64  `yaml:"-" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Title      string `yaml:"title" json:"title"`
	Department string `yaml:"department" json:"department"`
	Email      string `yaml:"email" json:"email"`
}

// DisplayName is the name with title, e.g. "Dr. Anita Mehta (Professor)".
func (f Faculty) DisplayName() string {
	if f.Title == "" {
		return f.Name
	}
	return fmt.Sprintf("%s (%s)", f.Name, f.Title)
}

// Store is the SQLite-backed faculty directory.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS faculty (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	title      TEXT,
	department TEXT,
	email      TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_faculty_department ON faculty (department);
`

// New creates the faculty schema on the given database.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create faculty schema: %w", err)
	}
	return &Store{db: db}, nil
}

// seedFile is the YAML shape of the faculty seed.
type seedFile struct {
	Faculty []Faculty `yaml:"faculty"`
}

// LoadSeed upserts faculty entries from a YAML file. A missing file is not
// an error - the directory is simply empty.
func (s *Store) LoadSeed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Boot("No faculty seed at %s; directory starts empty", path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read faculty seed: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse faculty seed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, f := range seed.Faculty {
		if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.Email) == "" {
			continue
		}
		_, err := s.db.Exec(`
			INSERT INTO faculty (name, title, department, email) VALUES (?, ?, ?, ?)
			ON CONFLICT(email) DO UPDATE SET name = excluded.name, title = excluded.title, department = excluded.department`,
			f.Name, f.Title, f.Department, f.Email)
		if err != nil {
			return count, fmt.Errorf("failed to upsert faculty %s: %w", f.Email, err)
		}
		count++
	}
	logging.Boot("Faculty directory seeded: %d entries from %s", count, path)
	return count, nil
}

// Add inserts a single entry. Used by tests and admin tooling.
func (s *Store) Add(f Faculty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO faculty (name, title, department, email) VALUES (?, ?, ?, ?)`,
		f.Name, f.Title, f.Department, f.Email)
	if err != nil {
		return fmt.Errorf("failed to insert faculty: %w", err)
	}
	return nil
}

// Search finds faculty whose name contains any token of the query,
// ranked by how many tokens match. Case-insensitive.
func (s *Store) Search(query string) []Faculty {
	tokens := nameTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// One LIKE per token, OR'd; rank in Go afterwards.
	conds := make([]string, len(tokens))
	args := make([]any, len(tokens))
	for i, tok := range tokens {
		conds[i] = "LOWER(name) LIKE ?"
		args[i] = "%" + tok + "%"
	}

	rows, err := s.db.Query(
		`SELECT id, name, title, department, email FROM faculty WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		logging.Get(logging.CategoryFAQ).Error("faculty search failed: %v", err)
		return nil
	}
	defer rows.Close()

	matches := scanFaculty(rows)

	sort.SliceStable(matches, func(i, j int) bool {
		return tokenScore(matches[i].Name, tokens) > tokenScore(matches[j].Name, tokens)
	})
	return matches
}

// SearchByDepartment lists faculty in departments matching the token.
func (s *Store) SearchByDepartment(dept string) []Faculty {
	dept = strings.ToLower(strings.TrimSpace(dept))
	if dept == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, name, title, department, email FROM faculty WHERE LOWER(department) LIKE ? ORDER BY name`,
		"%"+dept+"%")
	if err != nil {
		logging.Get(logging.CategoryFAQ).Error("faculty department search failed: %v", err)
		return nil
	}
	defer rows.Close()

	return scanFaculty(rows)
}

// All returns every entry, ordered by department then name.
func (s *Store) All() []Faculty {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, name, title, department, email FROM faculty ORDER BY department, name`)
	if err != nil {
		logging.Get(logging.CategoryFAQ).Error("faculty list failed: %v", err)
		return nil
	}
	defer rows.Close()

	return scanFaculty(rows)
}

func scanFaculty(rows *sql.Rows) []Faculty {
	var out []Faculty
	for rows.Next() {
		var f Faculty
		var title, dept sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &title, &dept, &f.Email); err != nil {
			continue
		}
		f.Title = title.String
		f.Department = dept.String
		out = append(out, f)
	}
	return out
}

// honorifics are stripped before token matching so "Dr. Mehta" matches
// a directory entry stored as "Anita Mehta".
var honorifics = map[string]bool{
	"dr": true, "dr.": true, "prof": true, "prof.": true,
	"professor": true, "mr": true, "mr.": true, "ms": true, "ms.": true,
	"mrs": true, "mrs.": true,
}

func nameTokens(query string) []string {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,!?")
		if tok == "" || honorifics[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func tokenScore(name string, tokens []string) int {
	lower := strings.ToLower(name)
	score := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			score++
		}
	}
	return score
}
