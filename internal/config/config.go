/**
 * Configuration for the OCR pipeline worker.
 *
 * Loads configuration from environment variables.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// OCR provider configuration
	OCRProviderURL string // Remote positioned-text OCR service; empty selects the local Tesseract provider
	OCRLanguage    string
	TesseractDPI   int

	// VoyageAI embeddings for search indexing (optional)
	VoyageAPIKey string

	// Queue configuration
	QueueDriver string // "asynq" or "redis"
	QueueName   string

	// Worker configuration
	WorkerConcurrency int
	ChunkSize         int // Pages per OCR chunk (provider page-count limit)
	ChunkConcurrency  int // Parallel chunk OCR calls per document
	ChunkRetryLimit   int // Per-chunk retry budget for transient provider failures
	MaxFileSize       int64
	ProcessingTimeout int // Milliseconds

	// Temporary directory for page rendering
	TempDir string

	// Deployment environment
	Environment string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:       getEnvOrThrow("DATABASE_URL"),
		QdrantURL:         getEnvOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantCollection:  getEnvOrDefault("QDRANT_COLLECTION", "document_pages"),
		OCRProviderURL:    getEnvOrDefault("OCR_PROVIDER_URL", ""),
		OCRLanguage:       getEnvOrDefault("OCR_LANGUAGE", "eng"),
		TesseractDPI:      getEnvAsIntOrDefault("TESSERACT_DPI", 300),
		VoyageAPIKey:      getEnvOrDefault("VOYAGE_API_KEY", ""),
		QueueDriver:       getEnvOrDefault("QUEUE_DRIVER", "asynq"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "ocr:jobs"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ChunkSize:         getEnvAsIntOrDefault("OCR_CHUNK_SIZE", 25),
		ChunkConcurrency:  getEnvAsIntOrDefault("CHUNK_CONCURRENCY", 4),
		ChunkRetryLimit:   getEnvAsIntOrDefault("CHUNK_RETRY_LIMIT", 3),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 1073741824), // 1GB
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 1800000), // 30 minutes
		TempDir:           getEnvOrDefault("TEMP_DIR", "/tmp/ocr-worker"),
		Environment:       getEnvOrDefault("ENVIRONMENT", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueDriver != "asynq" && c.QueueDriver != "redis" {
		return fmt.Errorf("QUEUE_DRIVER must be \"asynq\" or \"redis\", got %q", c.QueueDriver)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 64 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 64, got %d", c.WorkerConcurrency)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("OCR_CHUNK_SIZE must be at least 1 page, got %d", c.ChunkSize)
	}

	if c.ChunkConcurrency < 1 || c.ChunkConcurrency > 32 {
		return fmt.Errorf("CHUNK_CONCURRENCY must be between 1 and 32, got %d", c.ChunkConcurrency)
	}

	if c.ChunkRetryLimit < 0 || c.ChunkRetryLimit > 10 {
		return fmt.Errorf("CHUNK_RETRY_LIMIT must be between 0 and 10, got %d", c.ChunkRetryLimit)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or panics when unset
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
