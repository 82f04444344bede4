/**
 * Document processor - the chunked OCR pipeline.
 *
 * One call = one document: split into bounded page-range chunks, OCR each
 * chunk through the provider, rebase chunk-relative pages to absolute ones,
 * validate, persist. Only a fully merged and validated result is ever
 * stored; any terminal failure leaves the job failed with a structured
 * error code and nothing partial behind.
 */

package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/config"
	"github.com/lexatlas/ocr-worker/internal/dispatch"
	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
	"github.com/lexatlas/ocr-worker/internal/merger"
	"github.com/lexatlas/ocr-worker/internal/ocr"
	"github.com/lexatlas/ocr-worker/internal/storage"
	"github.com/lexatlas/ocr-worker/internal/validator"
)

// Store is the persistence surface the processor needs.
type Store interface {
	StoreMergedResult(ctx context.Context, jobID string, result *merger.MergedResult) (string, error)
	IndexPages(ctx context.Context, documentID, jobID string, embeddings []storage.PageEmbedding) error
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Embedder generates one vector per input text.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentProcessorInterface defines the processing contract
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessRequest describes one document processing job.
type ProcessRequest struct {
	JobID      string                 `json:"jobId"`
	DocumentID string                 `json:"documentId"`
	FileName   string                 `json:"fileName"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ProcessResult summarizes a successfully processed document.
type ProcessResult struct {
	MergedResultID   string  `json:"mergedResultId"`
	DocumentID       string  `json:"documentId"`
	PageCount        int     `json:"pageCount"`
	ChunkCount       int     `json:"chunkCount"`
	BoxCount         int     `json:"boxCount"`
	Confidence       float64 `json:"confidence"`
	ProviderUsed     string  `json:"providerUsed"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
	Indexed          bool    `json:"indexed"`
}

// DocumentProcessor runs the pipeline against one OCR provider.
type DocumentProcessor struct {
	cfg        *config.Config
	splitter   *chunker.Splitter
	dispatcher *dispatch.Dispatcher
	provider   ocr.Provider
	store      Store
	embedder   Embedder
	httpClient *http.Client
	logger     *logging.Logger
}

// NewDocumentProcessor wires the pipeline. embedder may be nil, in which case
// page indexing is skipped.
func NewDocumentProcessor(cfg *config.Config, provider ocr.Provider, store Store, embedder Embedder) *DocumentProcessor {
	return &DocumentProcessor{
		cfg:      cfg,
		splitter: chunker.NewSplitter(),
		dispatcher: dispatch.NewDispatcher(provider, dispatch.Config{
			Concurrency: cfg.ChunkConcurrency,
			RetryLimit:  cfg.ChunkRetryLimit,
		}),
		provider: provider,
		store:    store,
		embedder: embedder,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: logging.NewLogger("processor"),
	}
}

// ProcessDocument runs the full pipeline for one document.
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	logger := p.logger.WithJob(req.JobID)

	documentID := req.DocumentID
	if documentID == "" {
		documentID = req.JobID
	}

	data, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, err
	}

	logger.Info("Processing document",
		"documentId", documentID, "fileName", req.FileName, "bytes", len(data))

	chunks, err := p.splitter.Split(ctx, req.JobID, data, p.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	ranges := make([]chunker.PageRange, len(chunks))
	for i, chunk := range chunks {
		ranges[i] = chunk.Range()
	}
	totalPages := ranges[len(ranges)-1].PageEnd

	results, err := p.dispatcher.Run(ctx, req.JobID, chunks)
	if err != nil {
		return nil, err
	}

	merged, err := merger.Merge(documentID, ranges, results)
	if err != nil {
		return nil, err
	}

	if err := validator.ValidateRange(merged.Boxes, totalPages); err != nil {
		pv, ok := err.(*validator.PageValidationError)
		if !ok {
			return nil, errors.NewPageValidationError(req.JobID, "", 0, totalPages, err)
		}
		return nil, errors.NewPageValidationError(req.JobID, pv.BoxID, pv.Page, pv.TotalPages, err)
	}

	if warnings := validator.ValidateBoundaries(merged.Boxes, ranges); len(warnings) > 0 {
		logger.Warn("Empty chunk boundary pages detected", "count", len(warnings))
	}

	resultID, err := p.store.StoreMergedResult(ctx, req.JobID, merged)
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}

	// Page indexing is best effort: search degrades, the document does not.
	indexed := p.indexPages(ctx, documentID, req.JobID, merged)

	result := &ProcessResult{
		MergedResultID:   resultID,
		DocumentID:       documentID,
		PageCount:        merged.PageCount,
		ChunkCount:       len(chunks),
		BoxCount:         len(merged.Boxes),
		Confidence:       merged.Confidence,
		ProviderUsed:     p.provider.Name(),
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
		Indexed:          indexed,
	}

	logger.Info("Document processed",
		"resultId", resultID, "pages", result.PageCount, "chunks", result.ChunkCount,
		"boxes", result.BoxCount, "confidence", result.Confidence,
		"durationMs", result.ProcessingTimeMs, "indexed", indexed)

	return result, nil
}

// UpdateJobStatus passes through to storage so queue consumers share one
// status path.
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	return p.store.UpdateJobStatus(ctx, update)
}

// loadFile resolves the document bytes from the request: an inline buffer
// wins, otherwise the file is downloaded. Oversized files fail before any
// PDF work starts.
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	var data []byte

	switch {
	case len(req.FileBuffer) > 0:
		data = req.FileBuffer
	case req.FileURL != "":
		downloaded, err := p.downloadFile(ctx, req.FileURL)
		if err != nil {
			return nil, errors.NewPDFParseError(req.JobID, fmt.Errorf("downloading %s: %w", req.FileURL, err))
		}
		data = downloaded
	default:
		return nil, errors.NewPDFParseError(req.JobID, fmt.Errorf("request carries neither file buffer nor file URL"))
	}

	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, errors.NewPDFParseError(req.JobID,
			fmt.Errorf("file size %d exceeds limit %d", len(data), p.cfg.MaxFileSize))
	}

	return data, nil
}

// downloadFile fetches the document with a small retry budget for transient
// network and 5xx failures.
func (p *DocumentProcessor) downloadFile(ctx context.Context, url string) ([]byte, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, retryable, err := p.tryDownload(ctx, url)
		if err == nil {
			return data, nil
		}

		lastErr = err
		if !retryable {
			return nil, err
		}
		if attempt < maxAttempts {
			delay := time.Duration(attempt) * time.Second
			p.logger.Warn("File download failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", maxAttempts, lastErr)
}

func (p *DocumentProcessor) tryDownload(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// LimitReader caps the read one byte past the limit so oversized files
	// are detected without buffering the whole thing.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxFileSize+1))
	if err != nil {
		return nil, true, err
	}

	return data, false, nil
}

// indexPages embeds per-page text and upserts it into the vector store.
// Returns false (and logs) on any failure; indexing never fails the job.
func (p *DocumentProcessor) indexPages(ctx context.Context, documentID, jobID string, merged *merger.MergedResult) bool {
	if p.embedder == nil {
		return false
	}

	pageTexts := merger.PageTexts(merged)
	if len(pageTexts) == 0 {
		return false
	}

	logger := p.logger.WithJob(jobID)

	texts := make([]string, len(pageTexts))
	for i, pt := range pageTexts {
		texts[i] = pt.Text
	}

	vectors, err := p.embedder.GenerateEmbeddings(ctx, texts)
	if err != nil {
		logger.Warn("Page embedding failed, document not indexed", "error", err)
		return false
	}

	embeddings := make([]storage.PageEmbedding, len(pageTexts))
	for i, pt := range pageTexts {
		embeddings[i] = storage.PageEmbedding{Page: pt.Page, Vector: vectors[i]}
	}

	if err := p.store.IndexPages(ctx, documentID, jobID, embeddings); err != nil {
		logger.Warn("Page indexing failed, document not indexed", "error", err)
		return false
	}

	return true
}
