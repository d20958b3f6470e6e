package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/vaultd/internal/ollama"
)

// chatModelID is the single model the OpenAI surface advertises. The
// real chat model behind it is configuration; clients only ever see
// this name.
const chatModelID = "vault-search"

const chatContextHits = 5

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

func handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       chatModelID,
				"object":   "model",
				"owned_by": "vaultd",
			},
		},
	})
}

func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		query := lastUserMessage(req.Messages)
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages must contain a user message")
			return
		}

		hits, err := search(r.Context(), deps, query, chatContextHits)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}

		answer := answerFromHits(r.Context(), deps, query, hits)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionResponse{
			ID:      "chatcmpl-" + uuid.New().String(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   chatModelID,
			Choices: []chatChoice{
				{
					Index:        0,
					Message:      chatMessage{Role: "assistant", Content: answer},
					FinishReason: "stop",
				},
			},
		})
	}
}

// answerFromHits phrases an answer with the local model when one is
// reachable, and falls back to a plain hit list otherwise. The fallback
// keeps chat clients useful when Ollama is down: search still works,
// only the prose does not.
func answerFromHits(ctx context.Context, deps Deps, query string, hits []SearchHit) string {
	if len(hits) == 0 {
		return "Nothing in the vault matches that."
	}

	if deps.Engine != nil && deps.Engine.IsRunning(ctx) {
		if answer, err := summarize(ctx, deps, query, hits); err == nil {
			return answer
		} else {
			slog.Warn("chat summarization failed, falling back to hit list", "error", err)
		}
	}
	return hitList(hits)
}

func summarize(ctx context.Context, deps Deps, query string, hits []SearchHit) (string, error) {
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n\n", i+1, h.Path, h.Excerpt)
	}

	messages := []ollama.Message{
		{
			Role: "system",
			Content: "You answer questions about a personal document archive. " +
				"Use only the numbered excerpts provided. Cite excerpts as [n]. " +
				"If the excerpts do not answer the question, say so.",
		},
		{
			Role:    "user",
			Content: fmt.Sprintf("Question: %s\n\nExcerpts:\n%s", query, sb.String()),
		},
	}
	return deps.Engine.Chat(ctx, deps.Model, messages)
}

// hitList renders a deterministic plain-text answer from search hits.
func hitList(hits []SearchHit) string {
	var sb strings.Builder
	sb.WriteString("Closest matches in the vault:\n")
	for _, h := range hits {
		excerpt := strings.Join(strings.Fields(h.Excerpt), " ")
		if utf8.RuneCountInString(excerpt) > 120 {
			excerpt = string([]rune(excerpt)[:120]) + "..."
		}
		fmt.Fprintf(&sb, "- %s (score %.3f): %s\n", h.Path, h.Score, excerpt)
	}
	return sb.String()
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			return messages[i].Content
		}
	}
	return ""
}
