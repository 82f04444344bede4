/**
 * OCR pipeline worker - main entry point.
 *
 * Consumes document OCR jobs from a Redis-backed queue and runs the chunked
 * pipeline: split large scanned PDFs into bounded page-range chunks, OCR each
 * chunk, rebase chunk-relative pages to absolute ones, validate, persist to
 * PostgreSQL and index page text in Qdrant.
 *
 * Provider selection: OCR_PROVIDER_URL set selects the remote positioned-text
 * service; unset falls back to local Tesseract.
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lexatlas/ocr-worker/internal/config"
	"github.com/lexatlas/ocr-worker/internal/logging"
	"github.com/lexatlas/ocr-worker/internal/ocr"
	"github.com/lexatlas/ocr-worker/internal/processor"
	"github.com/lexatlas/ocr-worker/internal/queue"
	"github.com/lexatlas/ocr-worker/internal/storage"
)

func main() {
	logger := logging.NewLogger("main")

	if err := godotenv.Load(); err != nil {
		logger.Info(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	logger.Info("OCR worker starting",
		"queueDriver", cfg.QueueDriver, "queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency, "chunkSize", cfg.ChunkSize,
		"environment", cfg.Environment)

	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		logger.Fatal("Failed to initialize storage manager", "error", err)
	}
	defer storageManager.Close()
	logger.Info("Storage manager initialized", "qdrantCollection", cfg.QdrantCollection)

	provider, err := buildProvider(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize OCR provider", "error", err)
	}

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := provider.HealthCheck(healthCtx); err != nil {
		logger.Warn("OCR provider health check failed, continuing anyway",
			"provider", provider.Name(), "error", err)
	}
	healthCancel()
	logger.Info("OCR provider ready", "provider", provider.Name())

	var embedder processor.Embedder
	if cfg.VoyageAPIKey != "" {
		client, err := processor.NewEmbeddingClient(cfg.VoyageAPIKey)
		if err != nil {
			logger.Fatal("Failed to initialize embedding client", "error", err)
		}
		embedder = client
		logger.Info("Page embedding enabled")
	} else {
		logger.Info("VOYAGE_API_KEY not set, page indexing disabled")
	}

	proc := processor.NewDocumentProcessor(cfg, provider, storageManager, embedder)

	stop, err := startConsumer(cfg, proc)
	if err != nil {
		logger.Fatal("Failed to start queue consumer", "error", err)
	}
	logger.Info("Queue consumer started, waiting for jobs")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("Shutdown signal received, stopping", "signal", sig.String())

	if err := stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}

	logger.Info("Shutdown complete")
}

// buildProvider selects the chunk OCR provider from configuration.
func buildProvider(cfg *config.Config) (ocr.Provider, error) {
	if cfg.OCRProviderURL != "" {
		return ocr.NewRemoteProvider(cfg.OCRProviderURL, cfg.OCRLanguage), nil
	}

	return ocr.NewTesseractProvider(ocr.TesseractConfig{
		Language: cfg.OCRLanguage,
		DPI:      cfg.TesseractDPI,
		TempDir:  cfg.TempDir,
	})
}

// startConsumer starts the configured queue driver and returns its stop
// function.
func startConsumer(cfg *config.Config, proc processor.DocumentProcessorInterface) (func() error, error) {
	switch cfg.QueueDriver {
	case "redis":
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		if err := consumer.Start(); err != nil {
			return nil, err
		}
		return consumer.Stop, nil

	default: // asynq
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		if err := consumer.Start(context.Background()); err != nil {
			return nil, err
		}
		return func() error { return consumer.Stop(context.Background()) }, nil
	}
}
