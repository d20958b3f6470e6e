package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vaultd/internal/vault"
)

// maxFetchRunes caps what vault_fetch returns inline; MCP clients deal
// in context windows, not gigabyte scans.
const maxFetchRunes = 20000

// NewMCPServer creates an MCP server exposing the vault to agent
// clients: semantic search plus raw document fetch.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"vaultd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("vaultd — semantic search over a personal document archive."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("vault_search",
			mcp.WithDescription("Semantically search the document archive and return the closest matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("vault_fetch",
			mcp.WithDescription("Fetch a document from the archive by its vault-relative path, as returned by vault_search."),
			mcp.WithString("path", mcp.Description("Vault-relative path, e.g. archive/documents/letter.pdf"), mcp.Required()),
		),
		mcpFetch(deps),
	)

	return s
}

func mcpSearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultTopK)
		hits, err := search(ctx, deps, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFetch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rel, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		full, err := deps.Layout.Resolve(rel)
		if errors.Is(err, vault.ErrPathOutsideRoot) {
			return mcpError("path is outside the vault"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("resolving path: %v", err)), nil
		}

		body, err := os.ReadFile(full)
		if err != nil {
			return mcpError("no such document"), nil
		}

		text := string(body)
		if !utf8.ValidString(text) {
			return mcpError("document is binary; use the HTTP file endpoint"), nil
		}
		if utf8.RuneCountInString(text) > maxFetchRunes {
			runes := []rune(text)
			text = string(runes[:maxFetchRunes]) + "\n[truncated]"
		}
		return mcpText(text), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
