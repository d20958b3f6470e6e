// Package api exposes the vault over HTTP: semantic search, original
// file retrieval, health, and an OpenAI-compatible chat surface so
// off-the-shelf clients can talk to the archive.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vaultd/internal/index"
	"github.com/kalambet/vaultd/internal/ollama"
	"github.com/kalambet/vaultd/internal/vault"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultTopK = 5
	maxTopK     = 50
)

// Embedder turns a query into a vector in the same space as the index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine abstracts the local LLM used to phrase chat answers.
type Engine interface {
	Chat(ctx context.Context, model string, messages []ollama.Message) (string, error)
	IsRunning(ctx context.Context) bool
}

// Deps holds everything the handlers need.
type Deps struct {
	Layout   vault.Layout
	Store    index.Store
	Embedder Embedder
	Engine   Engine // optional; if nil, chat answers fall back to hit lists
	Model    string // chat model name passed to Engine
}

// NewHandler returns the vaultd HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/search", handleSearch(deps))
	r.Get("/file", handleFile(deps))
	r.Get("/v1/models", handleModels)
	r.Post("/v1/chat/completions", handleChatCompletions(deps))

	return r
}

type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type SearchHit struct {
	Score       float32 `json:"score"`
	Distance    float32 `json:"distance"`
	Path        string  `json:"path"`
	ViewURL     string  `json:"view_url"`
	ContentType string  `json:"content_type"`
	Excerpt     string  `json:"excerpt"`
}

type SearchResponse struct {
	Hits []SearchHit `json:"hits"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		hits, err := search(r.Context(), deps, req.Query, req.TopK)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SearchResponse{Hits: hits})
	}
}

// search runs embed+query and maps store hits onto the API shape.
// Shared by the search endpoint, the chat surface, and the MCP tools.
func search(ctx context.Context, deps Deps, query string, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vector, err := deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	found, err := deps.Store.Query(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]SearchHit, 0, len(found))
	for _, h := range found {
		path := h.Payload.ArchivePath
		if path == "" {
			path = h.Payload.SourcePath
		}
		hits = append(hits, SearchHit{
			Score:       h.Score,
			Distance:    h.Distance,
			Path:        path,
			ViewURL:     "/file?path=" + url.QueryEscape(path),
			ContentType: h.Payload.ContentType,
			Excerpt:     h.Payload.Excerpt,
		})
	}
	return hits, nil
}

// handleFile serves originals back out of the vault. Only root-relative
// paths under archive/ and active/ resolve; everything else is a 403 so
// probing requests cannot tell structure from containment.
func handleFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := r.URL.Query().Get("path")
		if rel == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		full, err := deps.Layout.Resolve(rel)
		if errors.Is(err, vault.ErrPathOutsideRoot) {
			httpError(w, http.StatusForbidden, "path_security_error", "path is outside the vault")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resolving path: %v", err)
			return
		}

		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			httpError(w, http.StatusNotFound, "not_found", "no such document")
			return
		}
		http.ServeFile(w, r, full)
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "index": "ok", "embedder": "ok"}
		code := http.StatusOK

		if err := deps.Store.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["index"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if deps.Engine != nil && !deps.Engine.IsRunning(r.Context()) {
			status["status"] = "degraded"
			status["embedder"] = "ollama is not reachable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
