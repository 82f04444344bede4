/**
 * Direct Redis list consumer for the OCR pipeline worker.
 *
 * Compatible with the enqueuing API's plain Redis LIST queue: job IDs on a
 * list, payloads in a hash, status sets per queue state, events on pub/sub.
 * Used where asynq is not available on the producing side.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
	"github.com/lexatlas/ocr-worker/internal/processor"
	"github.com/lexatlas/ocr-worker/internal/storage"
)

// RedisJobData represents a job envelope from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	DocumentID string                 `json:"documentId"`
	FileName   string                 `json:"fileName"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 // Set by UnmarshalJSON from base64
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes fileBuffer from the base64 string the enqueuing API
// sends; raw JSON byte arrays would bloat payloads 4x.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	if aux.FileBuffer != "" {
		decoded, err := base64.StdEncoding.DecodeString(aux.FileBuffer)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded
	}

	return nil
}

// RedisConsumer handles job consumption from a plain Redis list queue.
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // Milliseconds; default 30 minutes
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "ocr:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("queue-redis"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping Redis queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if err != errNoJobs {
					c.logger.Error("Worker error", "worker", id, "error", err)
				}
				time.Sleep(1 * time.Second)
			}
		}
	}
}

var errNoJobs = fmt.Errorf("no jobs available")

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	queueJobID := result[1]

	jobData, err := c.client.HGet(c.ctx, fmt.Sprintf("%s:data", c.config.QueueName), queueJobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	logger := c.logger.WithJob(job.Payload.JobID)

	// First status update creates the job row if the enqueuing API has not.
	if err := c.processor.UpdateJobStatus(c.ctx, &storage.JobUpdate{
		JobID:      job.Payload.JobID,
		DocumentID: job.Payload.DocumentID,
		Status:     "processing",
		Metadata: map[string]interface{}{
			"fileName": job.Payload.FileName,
			"fileSize": job.Payload.FileSize,
		},
	}); err != nil {
		logger.Warn("Could not update job status to processing", "error", err)
	}

	c.markQueueState(job.Payload.JobID, "processing", nil)

	logger.Info("Processing job", "fileName", job.Payload.FileName)

	processResult, err := c.processJob(&job)
	if err != nil {
		logger.Error("Job failed", "error", err)

		// Only transient failures go back on the queue; a document with an
		// unparseable PDF fails the same way every time.
		job.Attempts++
		if errors.IsRetryable(err) && job.Attempts < job.MaxRetries {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, fmt.Sprintf("%s:data", c.config.QueueName), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			logger.Info("Job re-queued for retry", "attempt", job.Attempts, "maxRetries", job.MaxRetries)
		} else {
			c.markQueueState(job.Payload.JobID, "failed", map[string]interface{}{
				"error":    err.Error(),
				"attempts": job.Attempts,
			})
			c.recordFailure(&job, err)
		}
	} else {
		c.markQueueState(job.Payload.JobID, "completed", processResult)
		c.recordSuccess(&job, processResult)
		logger.Info("Job completed")
	}

	return nil
}

// processJob handles the actual document processing
func (c *RedisConsumer) processJob(job *RedisJobData) (*processor.ProcessResult, error) {
	request := &processor.ProcessRequest{
		JobID:      job.Payload.JobID,
		DocumentID: job.Payload.DocumentID,
		FileName:   job.Payload.FileName,
		FileURL:    job.Payload.FileURL,
		FileBuffer: job.Payload.FileBuffer,
		Metadata:   job.Payload.Metadata,
	}

	timeout := 30 * time.Minute
	if c.config.ProcessingTimeout > 0 {
		timeout = time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(ctx, request)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err)
		}
		return nil, err
	}

	return result, nil
}

// recordSuccess persists the completed job record.
func (c *RedisConsumer) recordSuccess(job *RedisJobData, result *processor.ProcessResult) {
	if err := c.processor.UpdateJobStatus(c.ctx, &storage.JobUpdate{
		JobID:            job.Payload.JobID,
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
		c.logger.WithJob(job.Payload.JobID).Warn("Failed to record job completion", "error", err)
	}
}

// recordFailure persists the terminal failure with its structured error code.
func (c *RedisConsumer) recordFailure(job *RedisJobData, err error) {
	update := &storage.JobUpdate{
		JobID:        job.Payload.JobID,
		DocumentID:   job.Payload.DocumentID,
		Status:       "failed",
		ErrorMessage: err.Error(),
	}

	if pe, ok := err.(*errors.ProcessingError); ok {
		update.ErrorCode = string(pe.Code)
		update.Metadata = pe.ToMap()
	}

	if updateErr := c.processor.UpdateJobStatus(c.ctx, update); updateErr != nil {
		c.logger.WithJob(job.Payload.JobID).Warn("Failed to record job failure", "error", updateErr)
	}
}

// markQueueState maintains the queue's Redis bookkeeping sets and publishes
// a job event for listeners.
func (c *RedisConsumer) markQueueState(jobID string, status string, result interface{}) {
	switch status {
	case "processing":
		c.client.SAdd(c.ctx, fmt.Sprintf("%s:processing", c.config.QueueName), jobID)
	case "completed":
		c.client.SRem(c.ctx, fmt.Sprintf("%s:processing", c.config.QueueName), jobID)
		c.client.SAdd(c.ctx, fmt.Sprintf("%s:completed", c.config.QueueName), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, fmt.Sprintf("%s:results", c.config.QueueName), jobID, resultData)
		}
	case "failed":
		c.client.SRem(c.ctx, fmt.Sprintf("%s:processing", c.config.QueueName), jobID)
		c.client.SAdd(c.ctx, fmt.Sprintf("%s:failed", c.config.QueueName), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, fmt.Sprintf("%s:errors", c.config.QueueName), jobID, errorData)
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, fmt.Sprintf("%s:events", c.config.QueueName), eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats() (map[string]int64, error) {
	ctx := context.Background()

	waiting, _ := c.client.LLen(ctx, c.config.QueueName).Result()
	processing, _ := c.client.SCard(ctx, fmt.Sprintf("%s:processing", c.config.QueueName)).Result()
	completed, _ := c.client.SCard(ctx, fmt.Sprintf("%s:completed", c.config.QueueName)).Result()
	failed, _ := c.client.SCard(ctx, fmt.Sprintf("%s:failed", c.config.QueueName)).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}
