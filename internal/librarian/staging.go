package librarian

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/vaultd/internal/sidecar"
	"github.com/kalambet/vaultd/internal/vault"
)

// StagingWorker drains the staging directory: each entry is a document
// record waiting to be embedded. An entry is deleted only after the
// store has acknowledged the upsert, so the staging file doubles as the
// commit marker. Crash anywhere before the delete and the next pass
// simply redoes the work; upserts are idempotent by id.
type StagingWorker struct {
	layout       vault.Layout
	indexer      *Indexer
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewStagingWorker creates a worker polling the staging directory of
// the given layout.
func NewStagingWorker(layout vault.Layout, indexer *Indexer, pollInterval time.Duration) *StagingWorker {
	return &StagingWorker{
		layout:       layout,
		indexer:      indexer,
		pollInterval: pollInterval,
		logger:       slog.Default().With("component", "librarian"),
	}
}

// Run polls until the context is cancelled. A dimension mismatch aborts
// the loop; any other per-entry failure is logged and retried on the
// next pass.
func (w *StagingWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes every entry currently in staging. Entries that fail
// are left in place for the next pass. The only error returned is a
// dimension mismatch, which no retry can fix.
func (w *StagingWorker) RunOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.layout.Staging)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		w.logger.Warn("reading staging directory", "error", err)
		return nil
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := w.processEntry(ctx, filepath.Join(w.layout.Staging, entry.Name())); err != nil {
			if errors.Is(err, ErrDimensionMismatch) {
				return err
			}
			w.logger.Warn("staged record not indexed, will retry", "entry", entry.Name(), "error", err)
		}
	}
	return nil
}

func (w *StagingWorker) processEntry(ctx context.Context, path string) error {
	rec, err := sidecar.Load(path)
	if err != nil {
		if errors.Is(err, sidecar.ErrNotFound) {
			// Another pass already committed this entry.
			return nil
		}
		return fmt.Errorf("loading staged record: %w", err)
	}

	if rec.ExtractedText == "" {
		// Durable in the archive, nothing to search. Drop the entry so
		// it stops churning through the feed.
		w.logger.Info("staged record has no text, skipping", "id", rec.ID, "archive_path", rec.ArchivePath)
		return sidecar.Remove(path)
	}

	if err := w.indexer.IndexRecord(ctx, rec); err != nil {
		return err
	}

	w.markIndexed(rec)

	if err := sidecar.Remove(path); err != nil {
		return fmt.Errorf("removing staged record: %w", err)
	}
	w.logger.Info("document indexed", "id", rec.ID, "archive_path", rec.ArchivePath)
	return nil
}

// markIndexed rewrites the archive sidecar with status indexed. Failure
// here is cosmetic: the vector is stored and the staging delete still
// commits, so we log and move on.
func (w *StagingWorker) markIndexed(rec sidecar.Record) {
	if rec.ArchivePath == "" {
		return
	}
	scPath := archiveSidecarPath(w.layout, rec.ArchivePath)
	archived, err := sidecar.Load(scPath)
	if err != nil {
		w.logger.Warn("archive sidecar not updated", "id", rec.ID, "error", err)
		return
	}
	archived.Status = sidecar.StatusIndexed
	if err := sidecar.Write(scPath, archived); err != nil {
		w.logger.Warn("archive sidecar not updated", "id", rec.ID, "error", err)
	}
}

// archiveSidecarPath maps a record's relative archive path to the
// sidecar that sits next to the archived file.
func archiveSidecarPath(layout vault.Layout, archivePath string) string {
	rel := strings.TrimPrefix(archivePath, "archive/")
	full := filepath.Join(layout.Archive, filepath.FromSlash(rel))
	ext := filepath.Ext(full)
	return strings.TrimSuffix(full, ext) + ".json"
}
