package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/vaultd/internal/config"
	"github.com/kalambet/vaultd/internal/librarian"
	"github.com/kalambet/vaultd/internal/ollama"
	"github.com/kalambet/vaultd/internal/reindex"
	"github.com/kalambet/vaultd/internal/vault"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the archive",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/search", map[string]any{
			"query": query,
			"top_k": limit,
		})
		if err != nil {
			return err
		}

		var result struct {
			Hits []struct {
				Score       float32 `json:"score"`
				Path        string  `json:"path"`
				ContentType string  `json:"content_type"`
				Excerpt     string  `json:"excerpt"`
			} `json:"hits"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}

		for i, h := range result.Hits {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, h.Path)), h.Score)
			excerpt := h.Excerpt
			if len(excerpt) > 300 {
				excerpt = excerpt[:300] + "..."
			}
			fmt.Printf("  %s\n", strings.Join(strings.Fields(excerpt), " "))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex [archive-dir]",
	Short: "Rebuild the vector index from archive sidecars",
	Long: `Rebuild the vector index from archive sidecars.

The archive plus its sidecar files is the system of record; the vector
index is derived state. Run this after losing the index, changing the
embedding model, or restoring the archive from backup. Without an
argument the configured archive directory is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		return runReindex(args, concurrency)
	},
}

func init() {
	reindexCmd.Flags().Int("concurrency", 4, "parallel embedding requests")
}

func runReindex(args []string, concurrency int) error {
	godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archiveRoot := vault.NewLayout(cfg.Vault.DataDir).Archive
	if len(args) == 1 {
		archiveRoot = args[0]
	}

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if !ollamaClient.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s; reindexing needs the embedding model", cfg.Ollama.BaseURL)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	embedder := &ollama.ModelEmbedder{Client: ollamaClient, Model: cfg.Ollama.EmbedModel}
	indexer := librarian.NewIndexer(store, embedder, cfg.Index.Dimension)
	indexer.SetEmbedTimeout(cfg.EmbedTimeout())

	runner := reindex.NewRunner(indexer, concurrency)
	report, err := runner.Run(ctx, archiveRoot)
	if err != nil {
		return err
	}

	printSuccess("Reindex complete")
	printStatus("Indexed", "%d", report.Processed)
	printStatus("Skipped", "%d", report.Skipped)
	printStatus("Failed", "%d", report.Failed)
	if report.Failed > 0 {
		for _, id := range report.FailedIDs {
			printWarning("failed: %s", id)
		}
		return fmt.Errorf("%d records failed to reindex", report.Failed)
	}
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vaultd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Data dir", "%s", cfg.Vault.DataDir)
	printStatus("Index", "%s (%d dimensions)", cfg.Index.Backend, cfg.Index.Dimension)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	return nil
}
