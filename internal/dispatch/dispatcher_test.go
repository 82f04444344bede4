package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/ocr"
)

// fakeProvider returns canned results, with optional per-chunk failure
// scripting and artificial latency.
type fakeProvider struct {
	mu       sync.Mutex
	calls    map[int]int // chunk index -> attempts seen
	failures map[int]int // chunk index -> number of failing attempts
	failWith func(jobID string, chunkIndex int) error
	delay    func(chunkIndex int) time.Duration
	total    int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:    make(map[int]int),
		failures: make(map[int]int),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeProvider) ProcessChunk(ctx context.Context, jobID string, chunk chunker.Chunk) (*ocr.ChunkResult, error) {
	atomic.AddInt32(&f.total, 1)

	f.mu.Lock()
	f.calls[chunk.Index]++
	attempt := f.calls[chunk.Index]
	failing := f.failures[chunk.Index]
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(chunk.Index)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if attempt <= failing {
		if f.failWith != nil {
			return nil, f.failWith(jobID, chunk.Index)
		}
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, fmt.Errorf("transient failure"))
	}

	pages := chunk.PageEnd - chunk.PageStart + 1
	return &ocr.ChunkResult{
		ChunkIndex: chunk.Index,
		PageStart:  chunk.PageStart,
		PageEnd:    chunk.PageEnd,
		PageCount:  pages,
		Confidence: 0.9,
		FullText:   fmt.Sprintf("chunk %d", chunk.Index),
		Provider:   "fake",
	}, nil
}

func makeChunks(t *testing.T, totalPages, chunkSize int) []chunker.Chunk {
	t.Helper()
	ranges, err := chunker.Plan(totalPages, chunkSize)
	require.NoError(t, err)

	chunks := make([]chunker.Chunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = chunker.Chunk{Index: r.Index, PageStart: r.PageStart, PageEnd: r.PageEnd}
	}
	return chunks
}

func TestRunReturnsResultsOrderedByChunkIndex(t *testing.T) {
	provider := newFakeProvider()
	// Earlier chunks finish later to exercise out-of-order completion.
	provider.delay = func(chunkIndex int) time.Duration {
		return time.Duration(50-chunkIndex*10) * time.Millisecond
	}

	d := NewDispatcher(provider, Config{Concurrency: 4, RetryBaseDelay: time.Millisecond})
	chunks := makeChunks(t, 100, 25)

	results, err := d.Run(context.Background(), "job-1", chunks)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, res := range results {
		assert.Equal(t, i, res.ChunkIndex)
		assert.Equal(t, chunks[i].PageStart, res.PageStart)
		assert.Equal(t, chunks[i].PageEnd, res.PageEnd)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	provider := newFakeProvider()
	provider.failures[1] = 2 // chunk 1 fails twice, then succeeds

	d := NewDispatcher(provider, Config{Concurrency: 2, RetryLimit: 3, RetryBaseDelay: time.Millisecond})
	chunks := makeChunks(t, 75, 25)

	results, err := d.Run(context.Background(), "job-1", chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 3, provider.calls[1])
}

func TestRunFailsWhenRetryBudgetExhausted(t *testing.T) {
	provider := newFakeProvider()
	provider.failures[0] = 10

	d := NewDispatcher(provider, Config{Concurrency: 2, RetryLimit: 2, RetryBaseDelay: time.Millisecond})
	chunks := makeChunks(t, 50, 25)

	_, err := d.Run(context.Background(), "job-1", chunks)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorOCRProvider, errors.CodeOf(err))
	// Initial attempt plus two retries.
	assert.Equal(t, 3, provider.calls[0])
}

func TestRunDoesNotRetryNonRetryableErrors(t *testing.T) {
	provider := newFakeProvider()
	provider.failures[0] = 10
	provider.failWith = func(jobID string, chunkIndex int) error {
		return errors.NewMergeValidationError(jobID, "contract violation", nil)
	}

	d := NewDispatcher(provider, Config{Concurrency: 1, RetryLimit: 5, RetryBaseDelay: time.Millisecond})
	chunks := makeChunks(t, 25, 25)

	_, err := d.Run(context.Background(), "job-1", chunks)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorMergeValidation, errors.CodeOf(err))
	assert.Equal(t, 1, provider.calls[0])
}

func TestRunAbortsRemainingWorkOnPermanentFailure(t *testing.T) {
	provider := newFakeProvider()
	// Chunk 0 fails immediately and permanently; later chunks are slow so the
	// cancellation lands before they are all dispatched.
	provider.failures[0] = 1
	provider.delay = func(chunkIndex int) time.Duration {
		if chunkIndex == 0 {
			return 0
		}
		return 30 * time.Millisecond
	}

	d := NewDispatcher(provider, Config{Concurrency: 1, RetryLimit: 0, RetryBaseDelay: time.Millisecond})
	chunks := makeChunks(t, 200, 25)

	_, err := d.Run(context.Background(), "job-1", chunks)
	require.Error(t, err)
	assert.Less(t, atomic.LoadInt32(&provider.total), int32(len(chunks)),
		"remaining chunks should not run after a permanent failure")
}

func TestRunDiscardsResultsOnCancellation(t *testing.T) {
	provider := newFakeProvider()
	provider.delay = func(int) time.Duration { return 20 * time.Millisecond }

	d := NewDispatcher(provider, Config{Concurrency: 2, RetryBaseDelay: time.Millisecond})
	chunks := makeChunks(t, 100, 25)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results, err := d.Run(ctx, "job-1", chunks)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
}

func TestRunRejectsEmptyChunkList(t *testing.T) {
	d := NewDispatcher(newFakeProvider(), Config{})
	_, err := d.Run(context.Background(), "job-1", nil)
	assert.Error(t, err)
}

func TestRunSingleChunk(t *testing.T) {
	provider := newFakeProvider()
	d := NewDispatcher(provider, Config{Concurrency: 8})
	chunks := makeChunks(t, 10, 25)

	results, err := d.Run(context.Background(), "job-1", chunks)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].PageStart)
	assert.Equal(t, 10, results[0].PageEnd)
}
