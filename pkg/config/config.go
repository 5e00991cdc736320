// Package config holds the runtime configuration of a Muninn instance.
//
// Configuration comes from an options struct the embedder fills in, with
// LoadFromEnv as a convenience for MUNINN_* environment variables. The
// schema bundle itself is separate (see pkg/schema); this package only
// carries knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// OpenMode controls behavior when the base path does not exist yet.
type OpenMode string

const (
	CreateIfMissing OpenMode = "create_if_missing"
	RequireExisting OpenMode = "require_existing"
)

// EmbeddingBackend selects the embedding provider.
type EmbeddingBackend string

const (
	BackendAuto   EmbeddingBackend = "auto"
	BackendRemote EmbeddingBackend = "remote"
	BackendLocal  EmbeddingBackend = "local"
	BackendNull   EmbeddingBackend = "null"
)

// Config is the full runtime configuration.
type Config struct {
	// BasePath is the directory owning all persisted state. Required.
	BasePath string `validate:"required"`

	// SchemaPath is the YAML descriptor bundle. Required.
	SchemaPath string `validate:"required"`

	OpenMode OpenMode `validate:"oneof=create_if_missing require_existing"`

	EmbeddingBackend  EmbeddingBackend `validate:"oneof=auto remote local null"`
	EmbeddingAPIKey   string
	EmbeddingEndpoint string
	EmbeddingModel    string
	EmbeddingDim      int
	EmbeddingTimeout  time.Duration

	// HNSWEfSearch is the search-time candidate list size of the vector
	// index. Larger values trade latency for recall.
	HNSWEfSearch int `validate:"gt=0"`

	// BM25K1 and BM25B are the Okapi BM25 parameters.
	BM25K1 float64 `validate:"gt=0"`
	BM25B  float64 `validate:"gte=0,lte=1"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string
}

// Default returns the configuration defaults for a base path.
func Default(basePath, schemaPath string) *Config {
	return &Config{
		BasePath:         basePath,
		SchemaPath:       schemaPath,
		OpenMode:         CreateIfMissing,
		EmbeddingBackend: BackendAuto,
		EmbeddingTimeout: 30 * time.Second,
		HNSWEfSearch:     64,
		BM25K1:           1.2,
		BM25B:            0.75,
		LogLevel:         "info",
	}
}

// LoadFromEnv builds a Config from MUNINN_* environment variables on top of
// the defaults.
func LoadFromEnv() *Config {
	cfg := Default(
		getEnv("MUNINN_BASE_PATH", "./data"),
		getEnv("MUNINN_SCHEMA_PATH", "./schema.yaml"),
	)
	cfg.OpenMode = OpenMode(getEnv("MUNINN_OPEN_MODE", string(cfg.OpenMode)))
	cfg.EmbeddingBackend = EmbeddingBackend(getEnv("MUNINN_EMBEDDING_BACKEND", string(cfg.EmbeddingBackend)))
	cfg.EmbeddingAPIKey = getEnv("MUNINN_EMBEDDING_API_KEY", "")
	cfg.EmbeddingEndpoint = getEnv("MUNINN_EMBEDDING_ENDPOINT", "")
	cfg.EmbeddingModel = getEnv("MUNINN_EMBEDDING_MODEL", "")
	cfg.EmbeddingDim = getEnvInt("MUNINN_EMBEDDING_DIM", cfg.EmbeddingDim)
	cfg.HNSWEfSearch = getEnvInt("MUNINN_HNSW_EF_SEARCH", cfg.HNSWEfSearch)
	cfg.BM25K1 = getEnvFloat("MUNINN_BM25_K1", cfg.BM25K1)
	cfg.BM25B = getEnvFloat("MUNINN_BM25_B", cfg.BM25B)
	cfg.LogLevel = getEnv("MUNINN_LOG_LEVEL", cfg.LogLevel)
	return cfg
}

var validate = validator.New()

// Validate checks the configuration, returning the first problem found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.EmbeddingBackend == BackendRemote && c.EmbeddingAPIKey == "" {
		return fmt.Errorf("invalid configuration: remote embedding backend requires MUNINN_EMBEDDING_API_KEY")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
