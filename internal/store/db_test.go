package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDirectoryAndDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (name) VALUES (?)", "hello")
	require.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM t WHERE id = 1").Scan(&name))
	assert.Equal(t, "hello", name)
}

func TestOpenWALMode(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSerializeRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	blob := SerializeFloat32(vec)
	assert.Len(t, blob, 16)
	assert.Equal(t, vec, DeserializeFloat32(blob))
}

func TestSerializeEmpty(t *testing.T) {
	assert.Empty(t, SerializeFloat32(nil))
	assert.Empty(t, DeserializeFloat32(nil))
}
