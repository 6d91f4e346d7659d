package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultModelFilename is the GGUF file the server looks for when no
// explicit candidate list is configured.
const DefaultModelFilename = "phi-2.Q4_K_M.gguf"

// Retrieval configures the optional GraphRAG-style collaborator.
type Retrieval struct {
	Enabled        bool   `toml:"enabled"`
	Required       bool   `toml:"required"`
	QdrantURL      string `toml:"qdrant_url"`
	Collection     string `toml:"collection"`
	EmbeddingURL   string `toml:"embedding_url"`
	EmbeddingModel string `toml:"embedding_model"`
	TopK           int    `toml:"top_k"`
}

// Config holds application configuration.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	ModelPaths []string `toml:"model_paths"`
	ModelTypes []string `toml:"model_types"`

	ServerBin   string `toml:"llama_server_bin"`
	ServerPort  int    `toml:"llama_server_port"`
	ContextSize int    `toml:"context_size"`
	Threads     int    `toml:"threads"`

	MaxTokensDefault int `toml:"max_tokens_default"`

	StorePath         string `toml:"store_path"`
	SessionMaxAgeDays int    `toml:"session_max_age_days"`
	DisambiguateKeys  bool   `toml:"disambiguate_keys"`

	DocsDir string `toml:"docs_dir"`

	Retrieval Retrieval `toml:"retrieval"`
}

func defaults() Config {
	return Config{
		Host: "127.0.0.1",
		Port: 8080,
		ModelPaths: []string{
			DefaultModelFilename,
			"/home/cdsw/" + DefaultModelFilename,
			"/home/cdsw/models/" + DefaultModelFilename,
		},
		ModelTypes:        []string{"phi", "gpt2", "llama"},
		ServerBin:         "llama-server",
		ServerPort:        8091,
		ContextSize:       2048,
		Threads:           4,
		MaxTokensDefault:  512,
		StorePath:         "uatchat.db",
		SessionMaxAgeDays: 0,
		DocsDir:           "uat_documents",
		Retrieval: Retrieval{
			Enabled:        false,
			Required:       false,
			QdrantURL:      "http://localhost:6333",
			Collection:     "uat_documents",
			EmbeddingURL:   "http://localhost:8000/v1/embeddings",
			EmbeddingModel: "text-embedding-3-small",
			TopK:           3,
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, and
// environment overrides, in that order. The bind address comes from the
// CDSW_IP_ADDRESS and CDSW_APP_PORT environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	cfg.Host = envOrDefault("CDSW_IP_ADDRESS", cfg.Host)
	cfg.Port = envIntOrDefault("CDSW_APP_PORT", cfg.Port)
	cfg.StorePath = envOrDefault("UATCHAT_STORE_PATH", cfg.StorePath)
	cfg.ServerBin = envOrDefault("UATCHAT_LLAMA_SERVER_BIN", cfg.ServerBin)
	cfg.ServerPort = envIntOrDefault("UATCHAT_LLAMA_SERVER_PORT", cfg.ServerPort)
	cfg.SessionMaxAgeDays = envIntOrDefault("UATCHAT_SESSION_MAX_AGE_DAYS", cfg.SessionMaxAgeDays)
	if v := os.Getenv("UATCHAT_MODEL_PATHS"); v != "" {
		cfg.ModelPaths = splitList(v)
	}
	if v := os.Getenv("UATCHAT_MODEL_TYPES"); v != "" {
		cfg.ModelTypes = splitList(v)
	}
	if v := os.Getenv("UATCHAT_RETRIEVAL_ENABLED"); v != "" {
		cfg.Retrieval.Enabled = isTrue(v)
	}

	if cfg.Port <= 0 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}

// Addr returns the HTTP bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTrue(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
