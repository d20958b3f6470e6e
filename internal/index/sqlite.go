package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in a local SQLite database and answers
// queries with brute-force cosine similarity. For a personal archive
// (thousands of documents, not millions) this is fast enough and
// removes the external database dependency.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the vector database in dataDir and
// ensures the schema. Pass ":memory:" for an in-memory store (tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vaultd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS document_vectors (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		archive_path TEXT NOT NULL DEFAULT '',
		excerpt TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		indexed_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating document_vectors table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the entry keyed by id.
func (s *SQLiteStore) Upsert(ctx context.Context, e Entry) error {
	indexedAt := e.Payload.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_vectors (id, checksum, content_type, source_path, archive_path, excerpt, embedding, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			checksum = excluded.checksum,
			content_type = excluded.content_type,
			source_path = excluded.source_path,
			archive_path = excluded.archive_path,
			excerpt = excluded.excerpt,
			embedding = excluded.embedding,
			indexed_at = excluded.indexed_at`,
		e.ID, e.Payload.Checksum, e.Payload.ContentType, e.Payload.SourcePath,
		e.Payload.ArchivePath, e.Payload.Excerpt, encodeFloat32s(e.Vector),
		indexedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting %s: %w", e.ID, err)
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Query.
// Full payloads are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// outranked reports whether other ranks strictly above s. Equal scores
// break the tie by id so query results are deterministic regardless of
// scan order.
func (s idScore) outranked(other idScore) bool {
	if s.Score != other.Score {
		return s.Score < other.Score
	}
	return s.ID > other.ID
}

// Query performs brute-force cosine similarity over all vectors and
// returns the top-K entries by score.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM document_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		cand := idScore{ID: id, Score: score}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if (*h)[0].outranked(cand) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, checksum, content_type, source_path, archive_path, excerpt, embedding, indexed_at
		FROM document_vectors WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K entries: %w", err)
	}
	defer fullRows.Close()

	var hits []Hit
	for fullRows.Next() {
		entry, err := scanEntry(fullRows)
		if err != nil {
			return nil, err
		}
		score := scores[entry.ID]
		hits = append(hits, Hit{Entry: entry, Score: score, Distance: 1 - score})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full entries: %w", err)
	}

	// Sort hits by score descending (IN query doesn't preserve order).
	sortByScore(hits)

	return hits, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var blob []byte
	var indexedAt string
	if err := rows.Scan(&e.ID, &e.Payload.Checksum, &e.Payload.ContentType,
		&e.Payload.SourcePath, &e.Payload.ArchivePath, &e.Payload.Excerpt,
		&blob, &indexedAt); err != nil {
		return Entry{}, fmt.Errorf("scanning entry: %w", err)
	}
	vec, err := decodeFloat32s(blob)
	if err != nil {
		return Entry{}, fmt.Errorf("decoding embedding for %s: %w", e.ID, err)
	}
	e.Vector = vec
	t, err := time.Parse(time.RFC3339, indexedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing indexed_at for %s: %w", e.ID, err)
	}
	e.Payload.IndexedAt = t
	return e, nil
}

// sortByScore sorts hits by Score descending, ties broken by id
// ascending. Used for small slices (topK).
func sortByScore(hits []Hit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hitAbove(hits[j], hits[j-1]); j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func hitAbove(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// Delete removes an entry by id. Deleting a missing id is a no-op:
// delete is part of the idempotent mutation surface.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM document_vectors WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// Count returns the number of entries in the store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_vectors").Scan(&count)
	return count, err
}

// Dimension returns the vector width of any existing entry, 0 if empty.
func (s *SQLiteStore) Dimension(ctx context.Context) (int, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT embedding FROM document_vectors LIMIT 1").Scan(&blob)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sample embedding: %w", err)
	}
	if len(blob)%4 != 0 {
		return 0, fmt.Errorf("stored embedding length %d is not a multiple of 4", len(blob))
	}
	return len(blob) / 4, nil
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during query scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed
// L2 norm of the query vector.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by rank (score, then id),
// used during the scan phase of Query to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].outranked(h[j]) }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
