// Package config loads vaultd configuration from an optional YAML file
// with VAULTD_* environment overrides on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Vault     VaultConfig     `yaml:"vault"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Index     IndexConfig     `yaml:"index"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Librarian LibrarianConfig `yaml:"librarian"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type VaultConfig struct {
	// DataDir is the root under which inbox/, active/, archive/,
	// .staging/ and quarantine/ live.
	DataDir string `yaml:"data_dir"`
}

type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
	ChatModel  string `yaml:"chat_model"`
	// EmbedTimeoutSecs bounds a single embedding call so a hung
	// connection cannot stall a worker indefinitely.
	EmbedTimeoutSecs int `yaml:"embed_timeout_secs"`
}

type IndexConfig struct {
	// Backend selects the vector store: "sqlite" (embedded, default)
	// or "qdrant".
	Backend string `yaml:"backend"`
	// Dimension is the embedding width produced by the configured
	// embed model. It must match whatever the store already holds;
	// a mismatch halts ingestion at startup.
	Dimension int          `yaml:"dimension"`
	Qdrant    QdrantConfig `yaml:"qdrant"`
}

type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type JanitorConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs"`
	// MaxAttempts bounds extraction retries before a file is quarantined.
	MaxAttempts int `yaml:"max_attempts"`
}

type LibrarianConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs"`
	// RescanIntervalSecs is the periodic full rescan of the active
	// tree, a safety net for watcher events lost under load.
	RescanIntervalSecs int `yaml:"rescan_interval_secs"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8420},
		Vault:  VaultConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			BaseURL:          "http://localhost:11434",
			EmbedModel:       "nomic-embed-text",
			ChatModel:        "llama3.2",
			EmbedTimeoutSecs: 120,
		},
		Index: IndexConfig{
			Backend:   "sqlite",
			Dimension: 768,
			Qdrant: QdrantConfig{
				URL:         "http://localhost:6333",
				Collection:  "vault_documents",
				TimeoutSecs: 30,
			},
		},
		Janitor:   JanitorConfig{PollIntervalSecs: 5, MaxAttempts: 3},
		Librarian: LibrarianConfig{PollIntervalSecs: 5, RescanIntervalSecs: 300},
		Log:       LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./vault"
	}
	return filepath.Join(home, ".local", "share", "vaultd")
}

// Load reads configuration from path (or the default location when
// path is empty), applies VAULTD_* environment overrides, and
// validates the result. A missing config file is not an error: the
// defaults plus environment are a complete configuration.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		if base, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(base, "vaultd", "config.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
			// Fall through to defaults.
		default:
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	setInt := func(key string, target *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			}
		}
	}

	setInt("VAULTD_PORT", &cfg.Server.Port)
	setString("VAULTD_DATA_DIR", &cfg.Vault.DataDir)
	setString("VAULTD_OLLAMA_URL", &cfg.Ollama.BaseURL)
	setString("VAULTD_EMBED_MODEL", &cfg.Ollama.EmbedModel)
	setString("VAULTD_CHAT_MODEL", &cfg.Ollama.ChatModel)
	setInt("VAULTD_EMBED_TIMEOUT", &cfg.Ollama.EmbedTimeoutSecs)
	setString("VAULTD_INDEX_BACKEND", &cfg.Index.Backend)
	setInt("VAULTD_INDEX_DIMENSION", &cfg.Index.Dimension)
	setString("VAULTD_QDRANT_URL", &cfg.Index.Qdrant.URL)
	setString("VAULTD_QDRANT_API_KEY", &cfg.Index.Qdrant.APIKey)
	setString("VAULTD_QDRANT_COLLECTION", &cfg.Index.Qdrant.Collection)
	setInt("VAULTD_QDRANT_TIMEOUT", &cfg.Index.Qdrant.TimeoutSecs)
	setInt("VAULTD_POLL_INTERVAL", &cfg.Janitor.PollIntervalSecs)
	setInt("VAULTD_MAX_ATTEMPTS", &cfg.Janitor.MaxAttempts)
	setInt("VAULTD_LIBRARIAN_POLL_INTERVAL", &cfg.Librarian.PollIntervalSecs)
	setInt("VAULTD_RESCAN_INTERVAL", &cfg.Librarian.RescanIntervalSecs)
	setString("VAULTD_LOG_LEVEL", &cfg.Log.Level)
}

func (c Config) validate() error {
	if c.Vault.DataDir == "" {
		return fmt.Errorf("vault.data_dir must not be empty")
	}
	if c.Index.Backend != "sqlite" && c.Index.Backend != "qdrant" {
		return fmt.Errorf("index.backend must be sqlite or qdrant, got %q", c.Index.Backend)
	}
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Janitor.PollIntervalSecs <= 0 {
		return fmt.Errorf("janitor.poll_interval_secs must be positive")
	}
	if c.Janitor.MaxAttempts <= 0 {
		return fmt.Errorf("janitor.max_attempts must be positive")
	}
	if c.Ollama.EmbedTimeoutSecs <= 0 {
		return fmt.Errorf("ollama.embed_timeout_secs must be positive")
	}
	return nil
}

// JanitorPoll returns the janitor poll interval as a duration.
func (c Config) JanitorPoll() time.Duration {
	return time.Duration(c.Janitor.PollIntervalSecs) * time.Second
}

// LibrarianPoll returns the staging feed poll interval as a duration.
func (c Config) LibrarianPoll() time.Duration {
	return time.Duration(c.Librarian.PollIntervalSecs) * time.Second
}

// ActiveRescan returns the active tree rescan interval as a duration.
func (c Config) ActiveRescan() time.Duration {
	return time.Duration(c.Librarian.RescanIntervalSecs) * time.Second
}

// EmbedTimeout returns the per-call embedding deadline as a duration.
func (c Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Ollama.EmbedTimeoutSecs) * time.Second
}

// QdrantTimeout returns the Qdrant client timeout as a duration.
func (c Config) QdrantTimeout() time.Duration {
	return time.Duration(c.Index.Qdrant.TimeoutSecs) * time.Second
}
