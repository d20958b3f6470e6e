// Package sidecar defines the durable per-document metadata record that
// travels alongside every archived original, and its on-disk JSON codec.
package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Status values a record moves through during ingestion.
const (
	StatusExtracted = "extracted"
	StatusArchived  = "archived"
	StatusStaged    = "staged"
	StatusIndexed   = "indexed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by Load when no sidecar exists at the path.
var ErrNotFound = errors.New("sidecar not found")

// Record is the unit of durable provenance for one ingested document.
// The archive copy is the long-term backup; the staging copy is an
// ephemeral work-queue entry deleted after the vector store confirms
// the upsert.
type Record struct {
	ID            string            `json:"id"`
	Checksum      string            `json:"checksum"`
	ContentType   string            `json:"contentType"`
	SourcePath    string            `json:"sourcePath"`
	ArchivePath   string            `json:"archivePath"`
	ExtractedText string            `json:"extractedText"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	ArchivedAt    time.Time         `json:"archivedAt,omitempty"`
}

// DeriveID computes the stable identifier for an archive-sourced record.
// It is a v5 UUID of "archivePath|checksum", matching the scheme used
// since the first version of the pipeline, so re-archiving a byte-identical
// file at the same path always yields the same id.
func DeriveID(archivePath, checksum string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(archivePath+"|"+checksum)).String()
}

// PathID derives a stable identifier from a logical path. Active-tree
// documents are keyed by path (not content) so that edits overwrite the
// existing vector instead of accumulating new ones.
func PathID(relPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(relPath)).String()
}

// Load reads and decodes a sidecar record from path.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading sidecar %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding sidecar %s: %w", path, err)
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("sidecar %s has no id", path)
	}
	return rec, nil
}

// Write encodes rec and writes it atomically: the JSON is written to a
// temporary file in the destination directory, fsynced, then renamed
// over the target. A crash mid-write never leaves a partial sidecar.
func Write(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sidecar-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp sidecar: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp sidecar: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming sidecar into place: %w", err)
	}
	return nil
}

// Remove deletes a sidecar file. A missing file is not an error: the
// staging directory is a shared work queue and another worker may have
// already consumed the entry.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing sidecar %s: %w", path, err)
	}
	return nil
}
