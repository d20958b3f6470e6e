package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// recordedRequest captures what a command sent to the server.
type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// withTestServer points newAPIClient at an httptest server for the
// duration of a test.
func withTestServer(t *testing.T, handler http.HandlerFunc) *[]recordedRequest {
	t.Helper()
	var requests []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   string(body),
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	old := newAPIClient
	t.Cleanup(func() { newAPIClient = old })
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{
			baseURL:    srv.URL,
			httpClient: &http.Client{Timeout: 5 * time.Second},
		}, nil
	}
	return &requests
}

func TestSearchCommand(t *testing.T) {
	requests := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"hits":[{"score":0.91,"path":"archive/documents/tax.pdf","content_type":"pdf","excerpt":"tax return 2025"}]}`)
	})

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"search", "tax", "return", "--limit", "3"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("search command: %v", err)
	}

	if len(*requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*requests))
	}
	r := (*requests)[0]
	if r.Method != http.MethodPost || r.Path != "/search" {
		t.Errorf("request = %s %s, want POST /search", r.Method, r.Path)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["query"] != "tax return" {
		t.Errorf("body.query = %v, want %q", body["query"], "tax return")
	}
	if body["top_k"] != float64(3) {
		t.Errorf("body.top_k = %v, want 3", body["top_k"])
	}
}

func TestSearchCommand_ServerError(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":{"message":"search failed","type":"api_error"}}`)
	})

	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs([]string{"search", "anything"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want a 502 error", err)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "ok"); got != "ok" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "ok"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}
