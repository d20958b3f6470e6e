package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant implements just enough of the Qdrant REST surface for the
// client to be exercised end to end.
type fakeQdrant struct {
	points map[string]map[string]any
}

func (f *fakeQdrant) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /collections/docs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /collections/docs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /collections/docs/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []map[string]any `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, p := range body.Points {
			f.points[p["id"].(string)] = p
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /collections/docs/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []string `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		for _, id := range body.Points {
			delete(f.points, id)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /collections/docs/points/count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"count": len(f.points)},
		})
	})
	mux.HandleFunc("POST /collections/docs/points/search", func(w http.ResponseWriter, r *http.Request) {
		results := []map[string]any{}
		for id, p := range f.points {
			results = append(results, map[string]any{
				"id":      id,
				"score":   0.9,
				"payload": p["payload"],
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"result": results})
	})
	return mux
}

func newFakeQdrant(t *testing.T) (*QdrantStore, *fakeQdrant) {
	t.Helper()
	fake := &fakeQdrant{points: map[string]map[string]any{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	store, err := NewQdrantStore(context.Background(), QdrantConfig{
		URL:        srv.URL,
		Collection: "docs",
		Dimension:  2,
	})
	require.NoError(t, err)
	return store, fake
}

func TestQdrant_UpsertQueryDelete(t *testing.T) {
	store, fake := newFakeQdrant(t)
	ctx := context.Background()

	e := testEntry("11111111-2222-3333-4444-555555555555", []float32{1, 0})
	require.NoError(t, store.Upsert(ctx, e))
	require.NoError(t, store.Upsert(ctx, e), "upsert must be idempotent")
	assert.Len(t, fake.points, 1)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := store.Query(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, e.ID, hits[0].ID)
	assert.Equal(t, e.Payload.Checksum, hits[0].Payload.Checksum)
	assert.InDelta(t, 0.1, hits[0].Distance, 1e-6)

	require.NoError(t, store.Delete(ctx, e.ID))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQdrant_InvalidDimension(t *testing.T) {
	_, err := NewQdrantStore(context.Background(), QdrantConfig{URL: "http://localhost:6333", Collection: "docs"})
	assert.Error(t, err)
}

func TestQdrant_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // immediately, so the port refuses connections

	_, err := NewQdrantStore(context.Background(), QdrantConfig{
		URL:        srv.URL,
		Collection: "docs",
		Dimension:  2,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}
