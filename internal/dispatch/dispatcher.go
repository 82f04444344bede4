/**
 * Dispatcher - fan-out/fan-in execution of chunk OCR tasks.
 *
 * Chunks are independent units of work with no shared mutable state, so they
 * run on a bounded worker pool. Results land in a fixed-size slice addressed
 * by chunk index, which makes the join step deterministic regardless of
 * completion timing. The merge acts as a join barrier: if any chunk fails
 * past its retry budget, or the document is cancelled, the whole document
 * aborts and nothing is merged.
 */

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
	"github.com/lexatlas/ocr-worker/internal/ocr"
)

// Config holds dispatcher tuning.
type Config struct {
	Concurrency    int           // Parallel chunk OCR calls (default 4)
	RetryLimit     int           // Retries per chunk after the first attempt (default 3)
	RetryBaseDelay time.Duration // First backoff step, doubles per attempt (default 1s)
}

// Dispatcher runs chunk OCR tasks against a provider.
type Dispatcher struct {
	provider ocr.Provider
	config   Config
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher over the given provider.
func NewDispatcher(provider ocr.Provider, cfg Config) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	return &Dispatcher{
		provider: provider,
		config:   cfg,
		logger:   logging.NewLogger("dispatch"),
	}
}

// Run processes every chunk and returns one result per chunk, ordered by
// chunk index. Transient provider failures are retried with exponential
// backoff up to the retry budget; the first permanent failure cancels the
// remaining work and aborts the document. A cancelled context aborts the run
// and discards any in-flight results.
func (d *Dispatcher) Run(ctx context.Context, jobID string, chunks []chunker.Chunk) ([]ocr.ChunkResult, error) {
	if len(chunks) == 0 {
		return nil, errors.NewMergeValidationError(jobID, "no chunks to dispatch", nil)
	}

	logger := d.logger.WithJob(jobID)
	logger.Info("Dispatching chunk OCR tasks",
		"chunks", len(chunks), "concurrency", d.config.Concurrency, "provider", d.provider.Name())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Index-addressed result slots; each worker writes only its own slot.
	results := make([]*ocr.ChunkResult, len(chunks))

	tasks := make(chan chunker.Chunk)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	workers := d.config.Concurrency
	if workers > len(chunks) {
		workers = len(chunks)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range tasks {
				result, err := d.processWithRetry(runCtx, jobID, chunk)
				if err != nil {
					fail(err)
					return
				}
				results[chunk.Index] = result
			}
		}()
	}

	// Feed tasks; stop early once the run is cancelled so not-yet-dispatched
	// chunks never start.
feed:
	for _, chunk := range chunks {
		select {
		case tasks <- chunk:
		case <-runCtx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Document cancelled: in-flight results are discarded, no merge.
		logger.Warn("Chunk dispatch cancelled, discarding results")
		return nil, err
	}

	mu.Lock()
	err := firstErr
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]ocr.ChunkResult, len(results))
	for i, res := range results {
		if res == nil {
			return nil, errors.NewMergeValidationError(jobID,
				"chunk finished without a result",
				map[string]interface{}{"chunk_index": i})
		}
		out[i] = *res
	}
	return out, nil
}

// processWithRetry runs one chunk with the per-chunk retry budget. Only
// errors the provider marks retryable (transient provider failures) are
// retried; parse or contract errors fail immediately.
func (d *Dispatcher) processWithRetry(ctx context.Context, jobID string, chunk chunker.Chunk) (*ocr.ChunkResult, error) {
	logger := d.logger.WithJob(jobID).WithField("chunkIndex", chunk.Index)

	var lastErr error
	attempts := d.config.RetryLimit + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := d.provider.ProcessChunk(ctx, jobID, chunk)
		if err == nil {
			logger.Debug("Chunk OCR complete",
				"attempt", attempt, "pages", result.PageCount, "boxes", len(result.Boxes))
			return result, nil
		}

		lastErr = err
		if !errors.IsRetryable(err) {
			return nil, err
		}

		if attempt < attempts {
			backoff := d.config.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			logger.Warn("Transient chunk OCR failure, retrying",
				"attempt", attempt, "maxAttempts", attempts, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	logger.Error("Chunk OCR failed past retry budget", "attempts", attempts, "error", lastErr)
	return nil, lastErr
}
