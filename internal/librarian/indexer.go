// Package librarian turns durable document records into searchable
// vectors. The same Indexer core serves the staging feed, the active
// tree watcher, and the reindexer, so every path into the vector store
// shares one embedding model and one per-id serialization rule.
package librarian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/vaultd/internal/index"
	"github.com/kalambet/vaultd/internal/sidecar"
)

// ErrDimensionMismatch means the embedding model produces vectors of a
// different width than the store holds. This is a configuration error:
// writing mixed-dimension vectors would silently corrupt search, so
// ingestion halts instead.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrEmptyText marks records whose extraction produced no text. They
// are durable in the archive but there is nothing to embed.
var ErrEmptyText = errors.New("record has no extracted text")

// excerptLimit bounds the payload text stored with each vector.
const excerptLimit = 500

// defaultEmbedTimeout bounds a single embedding call. Embedding a long
// document can take a while on CPU, but a connection that never answers
// must not freeze the feed that made it.
const defaultEmbedTimeout = 2 * time.Minute

// Embedder is the embedding capability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Indexer performs the embed+upsert step for one document record.
type Indexer struct {
	store        index.Store
	embedder     Embedder
	dimension    int
	embedTimeout time.Duration
	locks        keyedMutex
	logger       *slog.Logger
}

// NewIndexer creates an Indexer that verifies every embedding against
// the configured dimension before letting it near the store.
func NewIndexer(store index.Store, embedder Embedder, dimension int) *Indexer {
	return &Indexer{
		store:        store,
		embedder:     embedder,
		dimension:    dimension,
		embedTimeout: defaultEmbedTimeout,
		logger:       slog.Default(),
	}
}

// SetEmbedTimeout overrides the per-call embedding deadline. Zero or
// negative values keep the default.
func (ix *Indexer) SetEmbedTimeout(d time.Duration) {
	if d > 0 {
		ix.embedTimeout = d
	}
}

// VerifyDimension compares the configured embedding dimension with
// whatever the store already holds. Call once at startup; a mismatch
// means the embed model changed without a reindex and is fatal.
func (ix *Indexer) VerifyDimension(ctx context.Context) error {
	stored, err := ix.store.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("reading store dimension: %w", err)
	}
	if stored != 0 && stored != ix.dimension {
		return fmt.Errorf("store holds %d-dimensional vectors, config says %d: %w",
			stored, ix.dimension, ErrDimensionMismatch)
	}
	return nil
}

// IndexRecord embeds a record's text and upserts it keyed by the record
// id. Upserts for the same id are serialized; concurrent calls for
// distinct ids proceed in parallel.
func (ix *Indexer) IndexRecord(ctx context.Context, rec sidecar.Record) error {
	if rec.ExtractedText == "" {
		return fmt.Errorf("record %s: %w", rec.ID, ErrEmptyText)
	}

	embedCtx, cancel := context.WithTimeout(ctx, ix.embedTimeout)
	vec, err := ix.embedder.Embed(embedCtx, rec.ExtractedText)
	cancel()
	if err != nil {
		return fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}
	if len(vec) != ix.dimension {
		return fmt.Errorf("record %s: model returned %d dims, config says %d: %w",
			rec.ID, len(vec), ix.dimension, ErrDimensionMismatch)
	}

	excerpt := truncateRunes(rec.ExtractedText, excerptLimit)

	entry := index.Entry{
		ID:     rec.ID,
		Vector: vec,
		Payload: index.Payload{
			Checksum:    rec.Checksum,
			ContentType: rec.ContentType,
			SourcePath:  rec.SourcePath,
			ArchivePath: rec.ArchivePath,
			Excerpt:     excerpt,
			IndexedAt:   time.Now().UTC(),
		},
	}

	unlock := ix.locks.lock(rec.ID)
	defer unlock()

	if err := ix.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteDocument removes a document's vector, serialized against any
// in-flight upsert for the same id.
func (ix *Indexer) DeleteDocument(ctx context.Context, id string) error {
	unlock := ix.locks.lock(id)
	defer unlock()
	return ix.store.Delete(ctx, id)
}

// truncateRunes cuts s to at most limit runes. Cutting on a byte
// boundary could split a multi-byte rune and ship invalid UTF-8 into
// payloads.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// keyedMutex serializes operations per key. Entries are reference
// counted and removed once the last holder unlocks, so the map does not
// grow with the archive.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
