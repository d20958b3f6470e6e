// Package reindex rebuilds the vector store from archive sidecars. The
// archive plus sidecars is the system of record; the store is assumed
// lost or stale and every record is embedded and upserted again. Since
// record ids are stable and upserts replace by id, running this against
// a live store converges to the same state as a fresh one.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vaultd/internal/librarian"
	"github.com/kalambet/vaultd/internal/sidecar"
)

// failedIDLimit bounds the ids kept in a Report; a million-document
// failure is a log problem, not a struct problem.
const failedIDLimit = 50

// Report summarizes one reindex run.
type Report struct {
	Processed int
	Skipped   int
	Failed    int
	FailedIDs []string
}

// Runner walks an archive tree and feeds every sidecar through the
// indexer with bounded concurrency.
type Runner struct {
	indexer     *librarian.Indexer
	concurrency int
	logger      *slog.Logger
}

// NewRunner creates a Runner. concurrency bounds in-flight embeddings;
// values below 1 mean sequential.
func NewRunner(indexer *librarian.Indexer, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		indexer:     indexer,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "reindex"),
	}
}

// Run reindexes every sidecar under archiveRoot. Individual record
// failures are counted and reported, not fatal; a dimension mismatch or
// cancelled context aborts the run.
func (r *Runner) Run(ctx context.Context, archiveRoot string) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	walkErr := filepath.WalkDir(archiveRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		g.Go(func() error {
			rec, err := sidecar.Load(path)
			if err != nil {
				r.logger.Warn("unreadable sidecar skipped", "path", path, "error", err)
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}
			if rec.Status == sidecar.StatusFailed {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			err = r.indexer.IndexRecord(gctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Processed++
			case errors.Is(err, librarian.ErrEmptyText):
				report.Skipped++
			case errors.Is(err, librarian.ErrDimensionMismatch):
				return err
			default:
				r.logger.Warn("record not reindexed", "id", rec.ID, "error", err)
				report.Failed++
				if len(report.FailedIDs) < failedIDLimit {
					report.FailedIDs = append(report.FailedIDs, rec.ID)
				}
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("reindex aborted: %w", err)
	}
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		return report, fmt.Errorf("walking archive: %w", walkErr)
	}

	r.logger.Info("reindex complete",
		"processed", report.Processed, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}
