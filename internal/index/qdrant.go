package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

// QdrantStore is a minimal REST client to a Qdrant collection using
// cosine distance. Points are keyed by the sidecar record id (a UUID,
// which Qdrant accepts natively), so upserts replace in place.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

// QdrantConfig holds connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// NewQdrantStore creates the client and ensures the collection exists
// with the configured dimension.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant: invalid dimension %d", cfg.Dimension)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s := &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}

	// Qdrant returns 200 when the collection already exists with the
	// same schema, so this is safe on every startup.
	body := map[string]any{
		"vectors": map[string]any{
			"size":     cfg.Dimension,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil); err != nil {
		return nil, fmt.Errorf("ensuring collection %s: %w", cfg.Collection, err)
	}
	return s, nil
}

func (s *QdrantStore) collectionURL(suffix string) string {
	return s.url + "/collections/" + s.collection + suffix
}

// Upsert writes the point with wait=true so the store has acknowledged
// the write before the caller deletes its staging entry.
func (s *QdrantStore) Upsert(ctx context.Context, e Entry) error {
	body := map[string]any{
		"points": []map[string]any{{
			"id":     e.ID,
			"vector": e.Vector,
			"payload": map[string]any{
				"checksum":     e.Payload.Checksum,
				"content_type": e.Payload.ContentType,
				"source_path":  e.Payload.SourcePath,
				"archive_path": e.Payload.ArchivePath,
				"excerpt":      e.Payload.Excerpt,
				"indexed_at":   e.Payload.IndexedAt.UTC().Format(time.RFC3339),
			},
		}},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), body, nil); err != nil {
		return fmt.Errorf("upserting %s: %w", e.ID, err)
	}
	return nil
}

// Query returns the top-K nearest points with payloads.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		h := Hit{Score: r.Score, Distance: 1 - r.Score}
		h.ID = fmt.Sprintf("%v", r.ID)
		h.Payload = payloadFromMap(r.Payload)
		hits = append(hits, h)
	}
	return hits, nil
}

func payloadFromMap(m map[string]any) Payload {
	var p Payload
	if v, ok := m["checksum"].(string); ok {
		p.Checksum = v
	}
	if v, ok := m["content_type"].(string); ok {
		p.ContentType = v
	}
	if v, ok := m["source_path"].(string); ok {
		p.SourcePath = v
	}
	if v, ok := m["archive_path"].(string); ok {
		p.ArchivePath = v
	}
	if v, ok := m["excerpt"].(string); ok {
		p.Excerpt = v
	}
	if v, ok := m["indexed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.IndexedAt = t
		}
	}
	return p
}

// Delete removes a point by id. Missing ids are a no-op on the Qdrant side.
func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	body := map[string]any{"points": []string{id}}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), body, nil); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), map[string]any{"exact": true}, &resp); err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return resp.Result.Count, nil
}

// Dimension reports the collection's configured vector size.
func (s *QdrantStore) Dimension(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return s.dimension, nil
}

// Ping checks that the collection is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
}

func (s *QdrantStore) do(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s: %s", method, url, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
