/**
 * Asynq queue consumer for the OCR pipeline worker.
 *
 * Consumes document processing jobs from Redis and drives the pipeline.
 * Each task gets a timeout context; terminal failures land in the job record
 * with their structured error code.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
	"github.com/lexatlas/ocr-worker/internal/processor"
	"github.com/lexatlas/ocr-worker/internal/storage"
)

// TaskProcessDocument is the asynq task type for document OCR jobs.
const TaskProcessDocument = "ocr:process-document"

// JobData is the task payload enqueued by the API layer.
type JobData struct {
	JobID      string                 `json:"jobId"`
	DocumentID string                 `json:"documentId"`
	FileName   string                 `json:"fileName"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Consumer handles job consumption from the Redis-backed asynq queue.
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // Milliseconds; default 30 minutes
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("queue")

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Queue-level retries cover worker crashes and Redis hiccups;
			// per-chunk OCR retries happen inside the pipeline.
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskProcessDocument, consumer.handleProcessDocument)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			c.logger.Error("Queue consumer error", "error", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleProcessDocument processes one document OCR job.
func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var jobData JobData
	if err := json.Unmarshal(task.Payload(), &jobData); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	logger := c.logger.WithJob(jobData.JobID)
	logger.Info("Processing document job",
		"fileName", jobData.FileName, "fileSize", jobData.FileSize, "documentId", jobData.DocumentID)

	if err := c.processor.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:      jobData.JobID,
		DocumentID: jobData.DocumentID,
		Status:     "processing",
		Metadata:   jobData.Metadata,
	}); err != nil {
		logger.Warn("Failed to update status to processing", "error", err)
	}

	timeout := 30 * time.Minute
	if c.config.ProcessingTimeout > 0 {
		timeout = time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, &processor.ProcessRequest{
		JobID:      jobData.JobID,
		DocumentID: jobData.DocumentID,
		FileName:   jobData.FileName,
		FileURL:    jobData.FileURL,
		FileBuffer: jobData.FileBuffer,
		Metadata:   jobData.Metadata,
	})

	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			logger.Error("Processing timed out", "duration", duration, "timeout", timeout)

			timeoutErr := errors.NewProcessingTimeoutError(jobData.JobID, timeout, err)
			c.markFailed(ctx, &jobData, timeoutErr, duration)
			return fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		logger.Error("Processing failed", "duration", duration, "error", err)
		c.markFailed(ctx, &jobData, err, duration)
		return fmt.Errorf("document processing failed: %w", err)
	}

	logger.Info("Processing completed",
		"duration", duration, "confidence", result.Confidence,
		"pages", result.PageCount, "chunks", result.ChunkCount, "provider", result.ProviderUsed)

	if err := c.processor.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:            jobData.JobID,
		DocumentID:       result.DocumentID,
		Status:           "completed",
		Confidence:       result.Confidence,
		ProcessingTimeMs: result.ProcessingTimeMs,
		MergedResultID:   result.MergedResultID,
		ProviderUsed:     result.ProviderUsed,
		Metadata: map[string]interface{}{
			"pageCount":  result.PageCount,
			"chunkCount": result.ChunkCount,
			"boxCount":   result.BoxCount,
			"indexed":    result.Indexed,
		},
	}); err != nil {
		logger.Warn("Failed to update status to completed", "error", err)
	}

	return nil
}

// markFailed records a terminal failure on the job, carrying the structured
// error code when the error is a ProcessingError.
func (c *Consumer) markFailed(ctx context.Context, jobData *JobData, err error, duration time.Duration) {
	update := &storage.JobUpdate{
		JobID:            jobData.JobID,
		DocumentID:       jobData.DocumentID,
		Status:           "failed",
		ProcessingTimeMs: duration.Milliseconds(),
		ErrorMessage:     err.Error(),
	}

	if pe, ok := err.(*errors.ProcessingError); ok {
		update.ErrorCode = string(pe.Code)
		update.Metadata = pe.ToMap()
	}

	if updateErr := c.processor.UpdateJobStatus(ctx, update); updateErr != nil {
		c.logger.WithJob(jobData.JobID).Warn("Failed to update status to failed", "error", updateErr)
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
