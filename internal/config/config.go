package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel  slog.Level
	LogFormat string

	DBPath          string
	ObjectStorePath string

	VectorBackend          string // "qdrant" or "memory"
	QdrantURL              string
	QdrantCollectionPrefix string
	VectorSize             int

	EmbeddingProvider       string // "http" or "langchain"
	EmbeddingBaseURL        string
	EmbeddingModelName      string
	EmbeddingAPIKey         string
	EmbeddingRateLimit      float64 // requests per second, 0 disables pacing
	EmbeddingBatchSize      int
	EmbeddingMaxRetries     int
	EmbeddingMaxTokens      int
	EmbeddingRetryBaseDelay time.Duration

	ChunkSizeTokens   int
	ChunkOverlap      float64
	TokenizerEncoding string

	IndexMaxRetries int

	OutboxPollInterval    time.Duration
	OutboxBatchSize       int
	OutboxMaxAttempts     int
	OutboxLease           time.Duration
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration

	ProcessingTimeout    time.Duration
	ProcessingMaxRetries int
	ReconcileInterval    time.Duration
	WorkerPoolSize       int

	APIPort           string
	APIRequestTimeout time.Duration
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or project root, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	// Walk up a few levels so commands run from a subdirectory still see the project .env
	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", "text")),
		DBPath:                 getEnv("DB_PATH", "./data/docpipeline.db"),
		ObjectStorePath:        getEnv("OBJECT_STORE_PATH", "./data/objects"),
		VectorBackend:          strings.ToLower(getEnv("VECTOR_BACKEND", "qdrant")),
		QdrantURL:              getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantCollectionPrefix: getEnv("QDRANT_COLLECTION_PREFIX", "kb_"),
		EmbeddingProvider:      strings.ToLower(getEnv("EMBEDDING_PROVIDER", "http")),
		EmbeddingBaseURL:       getEnv("EMBEDDING_BASE_URL", "http://localhost:8081"),
		EmbeddingModelName:     getEnv("EMBEDDING_MODEL_NAME", "granite-embedding-278m-multilingual"),
		EmbeddingAPIKey:        getEnv("EMBEDDING_API_KEY", "dummy-key"),
		TokenizerEncoding:      getEnv("TOKENIZER_ENCODING", "cl100k_base"),
		APIPort:                getEnv("API_PORT", "9000"),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	if cfg.VectorBackend != "qdrant" && cfg.VectorBackend != "memory" {
		return nil, fmt.Errorf("VECTOR_BACKEND must be qdrant or memory, got %q", cfg.VectorBackend)
	}
	if cfg.EmbeddingProvider != "http" && cfg.EmbeddingProvider != "langchain" {
		return nil, fmt.Errorf("EMBEDDING_PROVIDER must be http or langchain, got %q", cfg.EmbeddingProvider)
	}

	// VECTOR_SIZE must match the output size of the embeddings model; changing it
	// requires recreating every knowledge base collection.
	vectorSizeStr := getEnv("VECTOR_SIZE", "")
	if vectorSizeStr == "" {
		return nil, fmt.Errorf("VECTOR_SIZE is required")
	}
	vectorSize, err := strconv.Atoi(vectorSizeStr)
	if err != nil {
		return nil, fmt.Errorf("VECTOR_SIZE must be a valid integer: %w", err)
	}
	if vectorSize <= 0 {
		return nil, fmt.Errorf("VECTOR_SIZE must be greater than 0")
	}
	cfg.VectorSize = vectorSize

	ints := []struct {
		key  string
		def  int
		dst  *int
		zero bool // zero allowed
	}{
		{"EMBEDDING_BATCH_SIZE", 20, &cfg.EmbeddingBatchSize, false},
		{"EMBEDDING_MAX_RETRIES", 5, &cfg.EmbeddingMaxRetries, true},
		{"EMBEDDING_MAX_TOKENS", 512, &cfg.EmbeddingMaxTokens, false},
		{"CHUNK_SIZE_TOKENS", 500, &cfg.ChunkSizeTokens, false},
		{"INDEX_MAX_RETRIES", 3, &cfg.IndexMaxRetries, true},
		{"OUTBOX_BATCH_SIZE", 50, &cfg.OutboxBatchSize, false},
		{"OUTBOX_MAX_ATTEMPTS", 5, &cfg.OutboxMaxAttempts, false},
		{"PROCESSING_MAX_RETRIES", 3, &cfg.ProcessingMaxRetries, true},
		{"WORKER_POOL_SIZE", 4, &cfg.WorkerPoolSize, false},
	}
	for _, it := range ints {
		v, err := getInt(it.key, it.def)
		if err != nil {
			return nil, err
		}
		if v < 0 || (v == 0 && !it.zero) {
			return nil, fmt.Errorf("%s must be greater than 0", it.key)
		}
		*it.dst = v
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"EMBEDDING_RETRY_BASE_DELAY", 500 * time.Millisecond, &cfg.EmbeddingRetryBaseDelay},
		{"OUTBOX_POLL_INTERVAL", 2 * time.Second, &cfg.OutboxPollInterval},
		{"OUTBOX_LEASE", time.Minute, &cfg.OutboxLease},
		{"OUTBOX_RETENTION", 7 * 24 * time.Hour, &cfg.OutboxRetention},
		{"OUTBOX_CLEANUP_INTERVAL", time.Hour, &cfg.OutboxCleanupInterval},
		{"PROCESSING_TIMEOUT", 10 * time.Minute, &cfg.ProcessingTimeout},
		{"RECONCILE_INTERVAL", 5 * time.Minute, &cfg.ReconcileInterval},
		{"API_REQUEST_TIMEOUT", 2 * time.Minute, &cfg.APIRequestTimeout},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration", d.key)
		}
		*d.dst = v
	}

	rateLimit, err := getFloat("EMBEDDING_RATE_LIMIT", 5)
	if err != nil {
		return nil, err
	}
	if rateLimit < 0 {
		return nil, fmt.Errorf("EMBEDDING_RATE_LIMIT must not be negative")
	}
	cfg.EmbeddingRateLimit = rateLimit

	overlap, err := getFloat("CHUNK_OVERLAP", 0.10)
	if err != nil {
		return nil, err
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("CHUNK_OVERLAP must be in [0, 1)")
	}
	cfg.ChunkOverlap = overlap

	// Create ./data directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ObjectStorePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return v, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", s)
	}
}
