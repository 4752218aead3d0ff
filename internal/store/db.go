// Package store opens the SQLite databases shared by the dialogue substrate.
// Every store (chat memory, flow states, governance, tickets, faculty) runs
// on the same connection settings: WAL journal, busy timeout, and a single
// connection so SQLite's write lock serializes writers.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"campusdesk/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) a SQLite database with the standard
// campusdesk connection settings.
func Open(path string) (*sql.DB, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryMemory).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.MemoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// PRAGMA synchronous=NORMAL provides 5-10x write speedup with WAL mode
	// (vs FULL which is default). Safe because WAL already provides crash recovery.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.MemoryDebug("Failed to set sqlite foreign_keys=ON: %v", err)
	}

	logging.MemoryDebug("Opened SQLite database at %s", path)
	return db, nil
}

// DetectVecExtension attempts to create a vec0 virtual table to see if the
// sqlite-vec extension is available on this build.
func DetectVecExtension(db *sql.DB) bool {
	if _, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		db.Exec("DROP TABLE IF EXISTS vec_probe")
		return true
	}
	return false
}

// SerializeFloat32 encodes a vector as the little-endian float32 blob that
// sqlite-vec expects.
func SerializeFloat32(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DeserializeFloat32 decodes a sqlite-vec float32 blob.
func DeserializeFloat32(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
