package librarian

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/vaultd/internal/extract"
	"github.com/kalambet/vaultd/internal/sidecar"
	"github.com/kalambet/vaultd/internal/vault"
)

// ActiveWatcher keeps the active/ tree in the index: plain notes the
// user edits in place, indexed live rather than through the archive.
// Document ids derive from the relative path, so re-saving a note
// replaces its vector and a rename shows up as delete plus create.
//
// fsnotify gives low latency; a periodic full rescan backstops events
// lost while the watcher was down or during directory moves.
type ActiveWatcher struct {
	layout         vault.Layout
	indexer        *Indexer
	rescanInterval time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // relative path -> mtime at last index
}

// NewActiveWatcher creates a watcher over the layout's active tree.
func NewActiveWatcher(layout vault.Layout, indexer *Indexer, rescanInterval time.Duration) *ActiveWatcher {
	return &ActiveWatcher{
		layout:         layout,
		indexer:        indexer,
		rescanInterval: rescanInterval,
		logger:         slog.Default().With("component", "active-watcher"),
		seen:           make(map[string]time.Time),
	}
}

// Run scans the tree once, then follows filesystem events until the
// context is cancelled, with a full rescan every rescanInterval.
func (aw *ActiveWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := aw.watchTree(watcher); err != nil {
		return err
	}
	aw.Rescan(ctx)

	ticker := time.NewTicker(aw.rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			aw.Rescan(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			aw.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			aw.logger.Warn("watcher error", "error", err)
		}
	}
}

// watchTree registers the active root and every subdirectory.
func (aw *ActiveWatcher) watchTree(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(aw.layout.Active, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (aw *ActiveWatcher) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				aw.logger.Warn("watching new directory", "path", event.Name, "error", err)
			}
			aw.Rescan(ctx)
			return
		}
		aw.indexPath(ctx, event.Name)
	case event.Has(fsnotify.Write):
		aw.indexPath(ctx, event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		aw.forgetPath(ctx, event.Name)
	}
}

// Rescan walks the whole active tree, indexing files whose mtime moved
// since the last pass and forgetting files that disappeared.
func (aw *ActiveWatcher) Rescan(ctx context.Context) {
	present := make(map[string]bool)

	err := filepath.WalkDir(aw.layout.Active, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !activeExt(path) {
			return nil
		}
		rel, relErr := filepath.Rel(aw.layout.Active, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		present[rel] = true

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		aw.mu.Lock()
		last, known := aw.seen[rel]
		aw.mu.Unlock()
		if known && !info.ModTime().After(last) {
			return nil
		}
		aw.indexPath(ctx, path)
		return nil
	})
	if err != nil {
		aw.logger.Warn("active rescan failed", "error", err)
	}

	aw.mu.Lock()
	var gone []string
	for rel := range aw.seen {
		if !present[rel] {
			gone = append(gone, rel)
		}
	}
	aw.mu.Unlock()

	for _, rel := range gone {
		aw.forgetRel(ctx, rel)
	}
}

// indexPath embeds one active file. A vanished file is fine: the event
// raced a delete and the rescan or Remove event settles it.
func (aw *ActiveWatcher) indexPath(ctx context.Context, path string) {
	if !activeExt(path) {
		return
	}
	rel, err := filepath.Rel(aw.layout.Active, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	text, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			aw.logger.Warn("reading active file", "path", rel, "error", err)
		}
		return
	}

	rec := sidecar.Record{
		ID:            sidecar.PathID(rel),
		ContentType:   extract.ContentTypeFor(path),
		SourcePath:    "active/" + rel,
		ExtractedText: string(text),
		Status:        sidecar.StatusIndexed,
	}

	if rec.ExtractedText == "" {
		// Empty notes carry nothing to search; drop any stale vector.
		if err := aw.indexer.DeleteDocument(ctx, rec.ID); err != nil {
			aw.logger.Warn("removing empty note from index", "path", rel, "error", err)
		}
		return
	}

	if err := aw.indexer.IndexRecord(ctx, rec); err != nil {
		aw.logger.Warn("indexing active file", "path", rel, "error", err)
		return
	}

	aw.mu.Lock()
	aw.seen[rel] = info.ModTime()
	aw.mu.Unlock()
	aw.logger.Info("active file indexed", "path", rel)
}

func (aw *ActiveWatcher) forgetPath(ctx context.Context, path string) {
	rel, err := filepath.Rel(aw.layout.Active, path)
	if err != nil {
		return
	}
	aw.forgetRel(ctx, filepath.ToSlash(rel))
}

func (aw *ActiveWatcher) forgetRel(ctx context.Context, rel string) {
	if !activeExt(rel) {
		return
	}
	if err := aw.indexer.DeleteDocument(ctx, sidecar.PathID(rel)); err != nil {
		aw.logger.Warn("removing active file from index", "path", rel, "error", err)
		return
	}
	aw.mu.Lock()
	delete(aw.seen, rel)
	aw.mu.Unlock()
	aw.logger.Info("active file removed from index", "path", rel)
}

// activeExt reports whether the live tree indexes this file. Only plain
// text formats belong in active/; documents go through the inbox.
func activeExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return true
	}
	return false
}
