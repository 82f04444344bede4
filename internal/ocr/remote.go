/**
 * Remote OCR provider - HTTP client for the positioned-text OCR service.
 *
 * The service accepts one chunk's sub-PDF and returns bounding boxes with
 * chunk-relative, 1-based pages and per-page reading order. The worker never
 * assumes any global numbering from the provider; rebasing happens in the
 * merger.
 */

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/errors"
	"github.com/lexatlas/ocr-worker/internal/logging"
)

// RemoteProvider talks to the external OCR service.
type RemoteProvider struct {
	baseURL    string
	language   string
	httpClient *http.Client
	logger     *logging.Logger
}

// ExtractRequest is the wire request for one chunk.
type ExtractRequest struct {
	Document  string                 `json:"document"` // Base64 encoded sub-PDF
	Format    string                 `json:"format"`   // Always "base64"
	PageCount int                    `json:"pageCount"`
	Language  string                 `json:"language,omitempty"`
	JobID     string                 `json:"jobId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ExtractResponse is the service's response envelope.
type ExtractResponse struct {
	Success bool        `json:"success"`
	Data    ExtractData `json:"data"`
	Message string      `json:"message"`
}

// ExtractData carries the chunk-relative positioned text.
type ExtractData struct {
	Boxes      []BoundingBox `json:"boundingBoxes"`
	FullText   string        `json:"fullText"`
	Confidence float64       `json:"overallConfidence"`
	PageCount  int           `json:"pageCount"`
	ModelUsed  string        `json:"modelUsed,omitempty"`
}

// NewRemoteProvider creates a client for the OCR service at baseURL.
func NewRemoteProvider(baseURL, language string) *RemoteProvider {
	return &RemoteProvider{
		baseURL:  baseURL,
		language: language,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // 25-page scans take a while
		},
		logger: logging.NewLogger("ocr-remote"),
	}
}

// Name identifies the provider in job records.
func (p *RemoteProvider) Name() string {
	return "remote"
}

// ProcessChunk submits one chunk and returns its chunk-relative result.
// Transport failures, 5xx and 429 responses come back as retryable
// OCR_PROVIDER_ERRORs; other 4xx responses mean the request itself is bad
// and fail permanently. The dispatch layer owns the retry budget.
func (p *RemoteProvider) ProcessChunk(ctx context.Context, jobID string, chunk chunker.Chunk) (*ChunkResult, error) {
	startTime := time.Now()

	reqBody := ExtractRequest{
		Document:  base64.StdEncoding.EncodeToString(chunk.Data),
		Format:    "base64",
		PageCount: chunk.Range().Pages(),
		Language:  p.language,
		JobID:     jobID,
		Metadata: map[string]interface{}{
			"chunkIndex": chunk.Index,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/ocr/extract", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
		if isClientError(resp.StatusCode) {
			return nil, errors.NewOCRProviderPermanentError(jobID, chunk.Index, cause)
		}
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, cause)
	}

	var extractResp ExtractResponse
	if err := json.Unmarshal(body, &extractResp); err != nil {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index, fmt.Errorf("parsing response: %w", err))
	}

	if !extractResp.Success {
		return nil, errors.NewOCRProviderError(jobID, chunk.Index,
			fmt.Errorf("provider rejected chunk: %s", extractResp.Message))
	}

	boxes := extractResp.Data.Boxes
	for i := range boxes {
		if boxes[i].ID == "" {
			boxes[i].ID = uuid.New().String()
		}
	}

	result := &ChunkResult{
		ChunkIndex: chunk.Index,
		PageStart:  chunk.PageStart,
		PageEnd:    chunk.PageEnd,
		Boxes:      boxes,
		FullText:   extractResp.Data.FullText,
		Confidence: extractResp.Data.Confidence,
		PageCount:  extractResp.Data.PageCount,
		Provider:   p.Name(),
		Duration:   time.Since(startTime),
	}

	p.logger.WithJob(jobID).Debug("Remote OCR chunk complete",
		"chunkIndex", chunk.Index, "boxes", len(result.Boxes),
		"confidence", result.Confidence, "duration", result.Duration)

	return result, nil
}

// isClientError reports whether the status marks the request itself as bad.
// 429 is the one 4xx worth retrying.
func isClientError(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// HealthCheck verifies the service is reachable.
func (p *RemoteProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OCR provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR provider health check returned status %d", resp.StatusCode)
	}

	return nil
}
