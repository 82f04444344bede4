/**
 * Embedding client for page-text search indexing.
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions), one per absolute
 * page of a merged document.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/lexatlas/ocr-worker/internal/logging"
)

// voyageBatchLimit is the VoyageAI API's inputs-per-request cap.
const voyageBatchLimit = 100

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

// VoyageEmbeddingRequest represents a batch request to the VoyageAI API
type VoyageEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// VoyageEmbeddingResponse represents the response from the VoyageAI API
type VoyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(apiKey string) (*EmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}

	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: "https://api.voyageai.com/v1/embeddings",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("embedding"),
	}, nil
}

// GenerateEmbeddings embeds the given texts in order, batching at the API
// limit. Output index i corresponds to input index i.
func (e *EmbeddingClient) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("at least one text is required")
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += voyageBatchLimit {
		end := start + voyageBatchLimit
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}

	return out, nil
}

func (e *EmbeddingClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	// VoyageAI enforces token limits per input; truncate instead of failing
	// the whole document over one dense page.
	const maxChars = 16000
	input := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > maxChars {
			text = truncateToRuneBoundary(text, maxChars)
		}
		if text == "" {
			text = " " // API rejects empty strings
		}
		input[i] = text
	}

	reqBody := VoyageEmbeddingRequest{
		Input: input,
		Model: "voyage-3",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp VoyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(voyageResp.Data) != len(input) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(input), len(voyageResp.Data))
	}

	// Responses carry an index per item; order by it rather than trusting
	// array position.
	embeddings := make([][]float32, len(input))
	for _, item := range voyageResp.Data {
		if item.Index < 0 || item.Index >= len(input) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		if len(item.Embedding) != 1024 {
			return nil, fmt.Errorf("unexpected embedding dimensions: got %d, expected 1024", len(item.Embedding))
		}
		embeddings[item.Index] = item.Embedding
	}

	e.logger.Debug("Embedding batch generated",
		"texts", len(input), "tokens", voyageResp.Usage.TotalTokens, "duration", time.Since(startTime))

	return embeddings, nil
}

// truncateToRuneBoundary cuts s to at most max bytes without splitting a
// multi-byte rune; the API rejects invalid UTF-8.
func truncateToRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
