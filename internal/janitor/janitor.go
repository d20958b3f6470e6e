// Package janitor watches the inbox and turns dropped files into
// durable archive records. Ordering is the whole point: a file is
// archived with its sidecar before a staging entry appears, and the
// inbox copy is gone only after both writes, so a crash at any step
// leaves either a retryable inbox file or a fully recoverable record.
package janitor

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

	"github.com/kalambet/vaultd/internal/extract"
	"github.com/kalambet/vaultd/internal/sidecar"
	"github.com/kalambet/vaultd/internal/vault"
)

// observation is one stat snapshot used by the stability gate. A file
// is picked up only after two consecutive passes see the same size and
// mtime, so half-copied drops are never ingested.
type observation struct {
	size  int64
	mtime time.Time
}

// Janitor polls the inbox buckets and runs the ingest sequence for
// every stable file.
type Janitor struct {
	layout       vault.Layout
	extractor    *extract.Extractor
	pollInterval time.Duration
	maxAttempts  int
	logger       *slog.Logger

	pending   map[string]observation
	attempts  map[string]int
	checksums map[string]string // checksum -> relative archive path
}

// New creates a Janitor. maxAttempts bounds extraction retries per
// file before it is quarantined.
func New(layout vault.Layout, extractor *extract.Extractor, pollInterval time.Duration, maxAttempts int) *Janitor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Janitor{
		layout:       layout,
		extractor:    extractor,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		logger:       slog.Default().With("component", "janitor"),
		pending:      make(map[string]observation),
		attempts:     make(map[string]int),
		checksums:    make(map[string]string),
	}
}

// Run recovers state from the archive, then polls the inbox until the
// context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	if err := j.Bootstrap(ctx); err != nil {
		return fmt.Errorf("janitor bootstrap: %w", err)
	}

	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	for {
		j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Bootstrap rebuilds in-memory state from the archive: the checksum
// index for duplicate detection, and staging entries for records that
// were archived but never confirmed indexed. Both are safe to redo;
// upserts are idempotent and an already-indexed record just gets
// re-embedded once.
func (j *Janitor) Bootstrap(ctx context.Context) error {
	return filepath.WalkDir(j.layout.Archive, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		rec, err := sidecar.Load(path)
		if err != nil {
			j.logger.Warn("skipping unreadable sidecar", "path", path, "error", err)
			return nil
		}
		if rec.Checksum != "" {
			j.checksums[rec.Checksum] = rec.ArchivePath
		}

		if rec.Status != sidecar.StatusArchived && rec.Status != sidecar.StatusStaged {
			return nil
		}
		// Archived but not confirmed indexed: make sure the staging
		// entry exists so the librarian picks it back up.
		entry := j.layout.StagingEntry(rec.ID)
		if _, statErr := os.Stat(entry); statErr == nil {
			return nil
		}
		staged := rec
		staged.Status = sidecar.StatusStaged
		if err := sidecar.Write(entry, staged); err != nil {
			j.logger.Warn("re-staging archived record failed", "id", rec.ID, "error", err)
			return nil
		}
		j.logger.Info("re-staged archived record", "id", rec.ID, "archive_path", rec.ArchivePath)
		return nil
	})
}

// RunOnce scans every inbox bucket a single time. Per-file failures are
// contained; one bad document never blocks the rest of the inbox.
func (j *Janitor) RunOnce(ctx context.Context) {
	for _, bucket := range vault.InboxBuckets {
		dir := filepath.Join(j.layout.Inbox, bucket)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				j.logger.Warn("reading inbox bucket", "bucket", bucket, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			j.consider(ctx, bucket, filepath.Join(dir, entry.Name()))
		}
	}
}

// consider applies the stability gate and, once a file has been seen
// unchanged twice, runs the ingest sequence.
func (j *Janitor) consider(ctx context.Context, bucket, path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Vanished between ReadDir and Stat; someone else handled it.
		delete(j.pending, path)
		return
	}

	now := observation{size: info.Size(), mtime: info.ModTime()}
	prev, seen := j.pending[path]
	if !seen || prev != now {
		j.pending[path] = now
		return
	}
	delete(j.pending, path)

	if err := j.ingest(ctx, bucket, path); err != nil {
		j.logger.Warn("ingest failed", "path", path, "error", err)
	}
}

// ingest runs the full sequence for one stable inbox file: checksum,
// duplicate check, extraction, archive move, sidecar writes.
func (j *Janitor) ingest(ctx context.Context, bucket, path string) error {
	checksum, err := vault.Checksum(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if existing, dup := j.checksums[checksum]; dup {
		return j.parkDuplicate(path, existing)
	}

	name := filepath.Base(path)
	result, err := j.extractor.Extract(ctx, path)
	if err != nil {
		return j.handleExtractFailure(path, checksum, err)
	}
	delete(j.attempts, path)

	ext := filepath.Ext(name)
	stem := j.uniqueStem(bucket, strings.TrimSuffix(name, ext), ext, checksum)
	archiveRel := "archive/" + bucket + "/" + stem + ext
	id := sidecar.DeriveID(archiveRel, checksum)

	rec := sidecar.Record{
		ID:            id,
		Checksum:      checksum,
		ContentType:   result.ContentType,
		SourcePath:    "inbox/" + bucket + "/" + name,
		ArchivePath:   archiveRel,
		ExtractedText: result.Text,
		Metadata:      result.Metadata,
		Status:        sidecar.StatusArchived,
		CreatedAt:     time.Now().UTC(),
		ArchivedAt:    time.Now().UTC(),
	}

	// Durability order: original into the archive, archive sidecar,
	// staging entry, and only then is the inbox slot free.
	if err := vault.MoveFile(path, j.layout.ArchiveFile(bucket, stem, ext)); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	if err := sidecar.Write(j.layout.ArchiveSidecar(bucket, stem), rec); err != nil {
		return fmt.Errorf("writing archive sidecar for %s: %w", name, err)
	}
	staged := rec
	staged.Status = sidecar.StatusStaged
	if err := sidecar.Write(j.layout.StagingEntry(id), staged); err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}
	// Belt and braces: MoveFile already consumed the inbox copy, but a
	// copy fallback interrupted at the wrong moment can leave one.
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		j.logger.Warn("inbox leftover not removed", "path", path, "error", err)
	}

	j.checksums[checksum] = archiveRel
	j.logger.Info("document archived",
		"id", id, "bucket", bucket, "archive_path", archiveRel, "content_type", rec.ContentType)
	return nil
}

// parkDuplicate moves a byte-identical re-submission into the
// duplicates area. No sidecar, no staging entry: the content is already
// archived and indexed under its first identity.
func (j *Janitor) parkDuplicate(path, existing string) error {
	name := filepath.Base(path)
	dst := filepath.Join(j.layout.DuplicateDir(), name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(j.layout.DuplicateDir(),
			fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	}
	if err := vault.MoveFile(path, dst); err != nil {
		return fmt.Errorf("parking duplicate %s: %w", name, err)
	}
	j.logger.Info("duplicate parked", "name", name, "original", existing)
	return nil
}

// handleExtractFailure counts attempts and quarantines permanently
// broken files. Unsupported formats skip the retry budget; retrying
// cannot grow a parser.
func (j *Janitor) handleExtractFailure(path, checksum string, extractErr error) error {
	if !errors.Is(extractErr, extract.ErrUnsupportedFormat) {
		j.attempts[path]++
		if j.attempts[path] < j.maxAttempts {
			j.logger.Warn("extraction failed, will retry",
				"path", path, "attempt", j.attempts[path], "error", extractErr)
			return nil
		}
	}
	delete(j.attempts, path)
	return j.quarantine(path, checksum, extractErr)
}

// quarantine moves a rejected file aside with a failed sidecar naming
// the reason, so nothing is ever silently dropped.
func (j *Janitor) quarantine(path, checksum string, cause error) error {
	name := filepath.Base(path)
	dst := filepath.Join(j.layout.Quarantine, name)
	if err := vault.MoveFile(path, dst); err != nil {
		return fmt.Errorf("quarantining %s: %w", name, err)
	}

	rec := sidecar.Record{
		ID:         sidecar.DeriveID("quarantine/"+name, checksum),
		Checksum:   checksum,
		SourcePath: j.layout.Rel(path),
		Metadata:   map[string]string{"error": cause.Error()},
		Status:     sidecar.StatusFailed,
		CreatedAt:  time.Now().UTC(),
	}
	scPath := strings.TrimSuffix(dst, filepath.Ext(dst)) + ".json"
	if err := sidecar.Write(scPath, rec); err != nil {
		return fmt.Errorf("writing quarantine sidecar for %s: %w", name, err)
	}
	j.logger.Warn("document quarantined", "name", name, "error", cause)
	return nil
}

// uniqueStem keeps the original filename in the archive when it is
// free, and disambiguates name collisions with a checksum prefix.
func (j *Janitor) uniqueStem(bucket, stem, ext, checksum string) string {
	if _, err := os.Stat(j.layout.ArchiveFile(bucket, stem, ext)); errors.Is(err, fs.ErrNotExist) {
		return stem
	}
	return stem + "-" + checksum[:8]
}
