package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/ocr-worker/internal/chunker"
	"github.com/lexatlas/ocr-worker/internal/errors"
)

func TestRemoteProcessChunkMapsResponse(t *testing.T) {
	var gotReq ExtractRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ocr/extract", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(ExtractResponse{
			Success: true,
			Data: ExtractData{
				Boxes: []BoundingBox{
					{ID: "box-1", Page: 1, ReadingOrder: 0, Text: "IN THE DISTRICT COURT", Confidence: 0.97},
					{Page: 2, ReadingOrder: 0, Text: "COMPLAINT", Confidence: 0.95},
				},
				FullText:   "IN THE DISTRICT COURT\n\nCOMPLAINT",
				Confidence: 0.96,
				PageCount:  2,
			},
		})
	}))
	defer server.Close()

	provider := NewRemoteProvider(server.URL, "eng")
	chunk := chunker.Chunk{Index: 2, PageStart: 51, PageEnd: 52, Data: []byte("%PDF-sub")}

	result, err := provider.ProcessChunk(context.Background(), "job-1", chunk)
	require.NoError(t, err)

	// Wire request carries the sub-PDF base64-encoded plus its page count.
	assert.Equal(t, base64.StdEncoding.EncodeToString(chunk.Data), gotReq.Document)
	assert.Equal(t, "base64", gotReq.Format)
	assert.Equal(t, 2, gotReq.PageCount)
	assert.Equal(t, "eng", gotReq.Language)

	// Result keeps chunk-relative pages; the planned range rides along for
	// the merger's offset arithmetic.
	assert.Equal(t, 2, result.ChunkIndex)
	assert.Equal(t, 51, result.PageStart)
	assert.Equal(t, 52, result.PageEnd)
	assert.Equal(t, 2, result.PageCount)
	require.Len(t, result.Boxes, 2)
	assert.Equal(t, 1, result.Boxes[0].Page)
	assert.Equal(t, 2, result.Boxes[1].Page)
	assert.Equal(t, "box-1", result.Boxes[0].ID)
	assert.NotEmpty(t, result.Boxes[1].ID, "boxes without IDs get one assigned")
	assert.Equal(t, "remote", result.Provider)
}

func TestRemoteProcessChunkServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider := NewRemoteProvider(server.URL, "eng")
	_, err := provider.ProcessChunk(context.Background(), "job-1", chunker.Chunk{Index: 0, PageStart: 1, PageEnd: 25})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorOCRProvider, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestRemoteProcessChunkClientErrorIsPermanent(t *testing.T) {
	// A 400 means the request itself is malformed; retrying it burns the
	// whole backoff budget for nothing.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	provider := NewRemoteProvider(server.URL, "eng")
	_, err := provider.ProcessChunk(context.Background(), "job-1", chunker.Chunk{Index: 0, PageStart: 1, PageEnd: 25})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorOCRProvider, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestRemoteProcessChunkRateLimitIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewRemoteProvider(server.URL, "eng")
	_, err := provider.ProcessChunk(context.Background(), "job-1", chunker.Chunk{Index: 0, PageStart: 1, PageEnd: 25})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestRemoteProcessChunkRejectionIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExtractResponse{Success: false, Message: "model overloaded"})
	}))
	defer server.Close()

	provider := NewRemoteProvider(server.URL, "eng")
	_, err := provider.ProcessChunk(context.Background(), "job-1", chunker.Chunk{Index: 1, PageStart: 26, PageEnd: 50})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestRemoteProcessChunkUnreachableHost(t *testing.T) {
	provider := NewRemoteProvider("http://127.0.0.1:1", "eng")
	_, err := provider.ProcessChunk(context.Background(), "job-1", chunker.Chunk{Index: 0, PageStart: 1, PageEnd: 1})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorOCRProvider, errors.CodeOf(err))
}

func TestRemoteHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := NewRemoteProvider(server.URL, "eng")
	assert.NoError(t, provider.HealthCheck(context.Background()))
}

func TestExpectedPageCount(t *testing.T) {
	res := ChunkResult{PageStart: 51, PageEnd: 60}
	assert.Equal(t, 10, res.ExpectedPageCount())

	single := ChunkResult{PageStart: 76, PageEnd: 76}
	assert.Equal(t, 1, single.ExpectedPageCount())
}
