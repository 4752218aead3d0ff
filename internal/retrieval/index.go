// Package retrieval is the policy-corpus vector index behind FAQ answers.
// Chunks live in a plain SQLite table alongside their embeddings; when the
// sqlite-vec extension is present a vec0 virtual table serves KNN, otherwise
// retrieval falls back to brute-force cosine over the stored blobs. Content
// hashes keep re-ingestion from re-embedding unchanged chunks.
package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"campusdesk/internal/embedding"
	"campusdesk/internal/logging"
	"campusdesk/internal/store"
)

// Chunk is one retrievable corpus segment.
type Chunk struct {
	ID     int64   `json:"id"`
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Idx    int     `json:"idx"`
	Score  float64 `json:"score"`
}

// Index is the persistent vector index.
type Index struct {
	db     *sql.DB
	engine embedding.EmbeddingEngine
	hasVec bool
	dims   int
	mu     sync.Mutex
}

// NewIndex opens (or creates) the index on the given database.
func NewIndex(db *sql.DB, engine embedding.EmbeddingEngine) (*Index, error) {
	idx := &Index{
		db:     db,
		engine: engine,
		hasVec: store.DetectVecExtension(db),
		dims:   engine.Dimensions(),
	}

	schema := `
	CREATE TABLE IF NOT EXISTS policy_chunks (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		text      TEXT NOT NULL,
		source    TEXT NOT NULL,
		idx       INTEGER NOT NULL,
		hash      TEXT NOT NULL UNIQUE,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_policy_chunks_source ON policy_chunks (source);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create retrieval schema: %w", err)
	}

	if idx.hasVec {
		vecSchema := fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS policy_vec USING vec0(embedding float[%d])`, idx.dims)
		if _, err := db.Exec(vecSchema); err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("vec0 table creation failed, using brute-force: %v", err)
			idx.hasVec = false
		}
	}

	logging.Retrieval("Index opened: engine=%s dims=%d vec=%v", engine.Name(), idx.dims, idx.hasVec)
	return idx, nil
}

// HasVec reports whether KNN runs on the vec0 extension.
func (i *Index) HasVec() bool { return i.hasVec }

// Count returns the number of indexed chunks.
func (i *Index) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	var n int
	if err := i.db.QueryRow(`SELECT COUNT(*) FROM policy_chunks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// contentHash identifies a chunk by source and text.
func contentHash(source, text string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// add embeds and stores one chunk, skipping if the hash already exists.
// Returns true when a new row was written.
func (i *Index) add(ctx context.Context, source string, chunkIdx int, text string) (bool, error) {
	hash := contentHash(source, text)

	i.mu.Lock()
	var exists int
	err := i.db.QueryRow(`SELECT 1 FROM policy_chunks WHERE hash = ?`, hash).Scan(&exists)
	i.mu.Unlock()
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("hash lookup failed: %w", err)
	}

	vec, err := i.engine.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embedding failed for %s[%d]: %w", source, chunkIdx, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	res, err := i.db.Exec(`
		INSERT INTO policy_chunks (text, source, idx, hash, embedding) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		text, source, chunkIdx, hash, store.SerializeFloat32(vec))
	if err != nil {
		return false, fmt.Errorf("chunk insert failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if i.hasVec {
		id, _ := res.LastInsertId()
		if _, err := i.db.Exec(`INSERT INTO policy_vec (rowid, embedding) VALUES (?, ?)`,
			id, store.SerializeFloat32(vec)); err != nil {
			return false, fmt.Errorf("vec insert failed: %w", err)
		}
	}
	return true, nil
}

// Retrieve returns the k chunks closest to the query by cosine similarity.
func (i *Index) Retrieve(ctx context.Context, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = 5
	}
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	queryVec, err := i.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	if i.hasVec {
		chunks, err := i.retrieveVec(queryVec, k)
		if err == nil {
			return chunks, nil
		}
		logging.Get(logging.CategoryRetrieval).Warn("vec KNN failed, falling back to brute force: %v", err)
	}
	return i.retrieveBruteForce(queryVec, k)
}

func (i *Index) retrieveVec(queryVec []float32, k int) ([]Chunk, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	rows, err := i.db.Query(`
		SELECT c.id, c.text, c.source, c.idx, v.distance
		FROM policy_vec v
		JOIN policy_chunks c ON c.id = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance`,
		store.SerializeFloat32(queryVec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var distance float64
		if err := rows.Scan(&c.ID, &c.Text, &c.Source, &c.Idx, &distance); err != nil {
			return nil, err
		}
		// vec0 reports L2 distance on normalized-ish vectors; invert so
		// larger is better like the cosine path.
		c.Score = 1.0 / (1.0 + distance)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (i *Index) retrieveBruteForce(queryVec []float32, k int) ([]Chunk, error) {
	i.mu.Lock()
	rows, err := i.db.Query(`SELECT id, text, source, idx, embedding FROM policy_chunks`)
	if err != nil {
		i.mu.Unlock()
		return nil, fmt.Errorf("chunk scan failed: %w", err)
	}

	var all []Chunk
	var vecs [][]float32
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Text, &c.Source, &c.Idx, &blob); err != nil {
			rows.Close()
			i.mu.Unlock()
			return nil, fmt.Errorf("chunk scan failed: %w", err)
		}
		all = append(all, c)
		vecs = append(vecs, store.DeserializeFloat32(blob))
	}
	rows.Close()
	i.mu.Unlock()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	top, err := embedding.FindTopK(queryVec, vecs, k)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	chunks := make([]Chunk, 0, len(top))
	for _, r := range top {
		c := all[r.Index]
		c.Score = r.Similarity
		chunks = append(chunks, c)
	}
	return chunks, nil
}
