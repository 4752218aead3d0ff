package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"campusdesk/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-ingests the corpus directory when its files change. Events are
// debounced so an editor save burst triggers one pass.
type Watcher struct {
	index    *Index
	chunker  *Chunker
	dir      string
	debounce time.Duration
}

// NewWatcher creates a corpus watcher over the given index.
func NewWatcher(index *Index, chunker *Chunker, dir string) *Watcher {
	return &Watcher{
		index:    index,
		chunker:  chunker,
		dir:      dir,
		debounce: 2 * time.Second,
	}
}

// Run watches until the context is cancelled. Ingestion errors are logged,
// never fatal - the next change gets another chance.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	logging.Retrieval("Watching corpus dir %s", w.dir)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			logging.RetrievalDebug("corpus change: %s %s", ev.Op, ev.Name)
			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryRetrieval).Warn("watcher error: %v", err)
		case <-fire:
			if _, err := w.index.Ingest(ctx, w.dir, w.chunker); err != nil {
				logging.Get(logging.CategoryRetrieval).Error("re-ingest failed: %v", err)
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	return corpusExtensions[strings.ToLower(filepath.Ext(ev.Name))]
}
