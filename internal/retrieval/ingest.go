package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"campusdesk/internal/logging"

	"golang.org/x/sync/errgroup"
)

// corpusExtensions are the file types ingested from the corpus directory.
var corpusExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// IngestStats summarizes one ingestion pass.
type IngestStats struct {
	Files    int
	Chunks   int
	Embedded int
	Skipped  int
}

// Ingest walks dir, chunks every corpus file, and embeds chunks not already
// indexed. Embedding runs in parallel, bounded to keep within API rate
// limits.
func (i *Index) Ingest(ctx context.Context, dir string, chunker *Chunker) (IngestStats, error) {
	var stats IngestStats
	timer := logging.StartTimer(logging.CategoryRetrieval, "Ingest")
	defer timer.StopWithInfo()

	type job struct {
		source string
		idx    int
		text   string
	}
	var jobs []job

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !corpusExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}

		chunks := chunker.Split(string(data))
		for idx, text := range chunks {
			jobs = append(jobs, job{source: rel, idx: idx, text: text})
		}
		stats.Files++
		stats.Chunks += len(chunks)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("corpus walk failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	results := make([]bool, len(jobs))
	for n, j := range jobs {
		n, j := n, j
		g.Go(func() error {
			added, err := i.add(gctx, j.source, j.idx, j.text)
			if err != nil {
				return err
			}
			results[n] = added
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for _, added := range results {
		if added {
			stats.Embedded++
		} else {
			stats.Skipped++
		}
	}

	logging.Retrieval("INGEST | dir=%s files=%d chunks=%d embedded=%d skipped=%d",
		dir, stats.Files, stats.Chunks, stats.Embedded, stats.Skipped)
	return stats, nil
}
