package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/ocr-worker/internal/logging"
)

// embeddingServer echoes back one zero vector per input and records the
// request for inspection.
func embeddingServer(t *testing.T, gotReq *VoyageEmbeddingRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(gotReq))

		data := make([]map[string]interface{}, len(gotReq.Input))
		for i := range gotReq.Input {
			data[i] = map[string]interface{}{
				"embedding": make([]float32, 1024),
				"index":     i,
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":  data,
			"model": "voyage-3",
		})
	}))
}

func testEmbeddingClient(serverURL string) *EmbeddingClient {
	return &EmbeddingClient{
		apiKey:     "test-key",
		baseURL:    serverURL,
		httpClient: http.DefaultClient,
		logger:     logging.NewLogger("embedding"),
	}
}

func TestGenerateEmbeddingsTruncatesOnRuneBoundary(t *testing.T) {
	var gotReq VoyageEmbeddingRequest
	server := embeddingServer(t, &gotReq)
	defer server.Close()

	client := testEmbeddingClient(server.URL)

	// A two-byte rune straddles the 16000-byte truncation point; the cut
	// must back off so the wire payload stays valid UTF-8.
	text := strings.Repeat("a", 15999) + "é" + strings.Repeat("b", 100)

	vectors, err := client.GenerateEmbeddings(context.Background(), []string{text})
	require.NoError(t, err)
	require.Len(t, vectors, 1)

	require.Len(t, gotReq.Input, 1)
	sent := gotReq.Input[0]
	assert.True(t, utf8.ValidString(sent))
	assert.LessOrEqual(t, len(sent), 16000)
	assert.Equal(t, strings.Repeat("a", 15999), sent)
}

func TestGenerateEmbeddingsSubstitutesEmptyText(t *testing.T) {
	var gotReq VoyageEmbeddingRequest
	server := embeddingServer(t, &gotReq)
	defer server.Close()

	client := testEmbeddingClient(server.URL)

	vectors, err := client.GenerateEmbeddings(context.Background(), []string{""})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	require.Len(t, gotReq.Input, 1)
	assert.Equal(t, " ", gotReq.Input[0])
}

func TestGenerateEmbeddingsRejectsEmptyBatch(t *testing.T) {
	client := testEmbeddingClient("http://127.0.0.1:1")
	_, err := client.GenerateEmbeddings(context.Background(), nil)
	assert.Error(t, err)
}

func TestTruncateToRuneBoundary(t *testing.T) {
	assert.Equal(t, "abc", truncateToRuneBoundary("abc", 10))
	assert.Equal(t, "ab", truncateToRuneBoundary("abc", 2))
	// "é" is two bytes; cutting at 1 would split it.
	assert.Equal(t, "", truncateToRuneBoundary("é", 1))
	assert.Equal(t, "aé", truncateToRuneBoundary("aébc", 3))
}
