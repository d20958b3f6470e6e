package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vaultd/internal/api"
	"github.com/kalambet/vaultd/internal/config"
	"github.com/kalambet/vaultd/internal/extract"
	"github.com/kalambet/vaultd/internal/index"
	"github.com/kalambet/vaultd/internal/janitor"
	"github.com/kalambet/vaultd/internal/librarian"
	"github.com/kalambet/vaultd/internal/ollama"
	"github.com/kalambet/vaultd/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vaultd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vaultd version %s\n", version)

	godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layout := vault.NewLayout(cfg.Vault.DataDir)
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("preparing vault directories: %w", err)
	}
	slog.Info("vault ready", "data_dir", cfg.Vault.DataDir)

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if !ollamaClient.IsRunning(ctx) {
		printWarning("Ollama is not reachable at %s; search and indexing will stall until it is up", cfg.Ollama.BaseURL)
	} else {
		for _, model := range []string{cfg.Ollama.EmbedModel, cfg.Ollama.ChatModel} {
			if !ollamaClient.HasModel(ctx, model) {
				printWarning("model %q is not pulled; run: ollama pull %s", model, model)
			}
		}
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
	if err := indexer.VerifyDimension(ctx); err != nil {
		if errors.Is(err, librarian.ErrDimensionMismatch) {
			printError("The index holds vectors from a different embedding model.")
			printError("Either restore index.dimension in the config or run: vaultd reindex")
		}
		return err
	}

	jan := janitor.New(layout, extract.New(), cfg.JanitorPoll(), cfg.Janitor.MaxAttempts)
	stagingWorker := librarian.NewStagingWorker(layout, indexer, cfg.LibrarianPoll())
	activeWatcher := librarian.NewActiveWatcher(layout, indexer, cfg.ActiveRescan())

	apiDeps := api.Deps{
		Layout:   layout,
		Store:    store,
		Embedder: embedder,
		Engine:   ollamaClient,
		Model:    cfg.Ollama.ChatModel,
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: api.NewHandler(apiDeps),
	}

	// MCP over stdio, for agent clients started as a subprocess.
	stdioSrv := server.NewStdioServer(api.NewMCPServer(apiDeps))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jan.Run(gctx) })
	g.Go(func() error { return stagingWorker.Run(gctx) })
	g.Go(func() error { return activeWatcher.Run(gctx) })
	g.Go(func() error {
		slog.Info("vaultd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore builds the configured vector store backend.
func openStore(ctx context.Context, cfg config.Config) (index.Store, error) {
	switch cfg.Index.Backend {
	case "sqlite":
		return index.OpenSQLite(cfg.Vault.DataDir)
	case "qdrant":
		return index.NewQdrantStore(ctx, index.QdrantConfig{
			URL:        cfg.Index.Qdrant.URL,
			APIKey:     cfg.Index.Qdrant.APIKey,
			Collection: cfg.Index.Qdrant.Collection,
			Dimension:  cfg.Index.Dimension,
			Timeout:    cfg.QdrantTimeout(),
		})
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
