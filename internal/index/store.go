// Package index defines the vector-store capability the pipeline
// writes to and the query service reads from, with two backends: an
// embedded SQLite store and a remote Qdrant instance.
package index

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend connectivity failures so workers can
// recognize them as retryable.
var ErrUnavailable = errors.New("vector store unavailable")

// Payload is the metadata stored next to each vector. It is everything
// the query service needs to present a hit without touching sidecars.
type Payload struct {
	Checksum    string    `json:"checksum"`
	ContentType string    `json:"content_type"`
	SourcePath  string    `json:"source_path"`
	ArchivePath string    `json:"archive_path"`
	Excerpt     string    `json:"excerpt"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Entry is one document in the store, keyed by the sidecar record id.
type Entry struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a query result. Distance is 1 - cosine similarity, so 0 means
// identical direction.
type Hit struct {
	Entry
	Score    float32
	Distance float32
}

// Store is the vector database capability. Upsert is idempotent by id:
// writing the same id twice replaces the previous entry, which is what
// makes the whole pipeline safe to re-run.
type Store interface {
	Upsert(ctx context.Context, e Entry) error
	Query(ctx context.Context, vector []float32, topK int) ([]Hit, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	// Dimension reports the vector width of existing entries, 0 when
	// the store is empty. Used for the startup consistency check
	// against the configured embedding model.
	Dimension(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}
