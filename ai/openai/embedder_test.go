package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poiesic/ingest/ai"
	"github.com/poiesic/ingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *ai.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return ai.NewConfig(ai.WithEmbeddingHost(srv.URL), ai.WithEmbeddingModel("test-model"))
}

func writeEmbeddings(t *testing.T, w http.ResponseWriter, vectors [][]float32) {
	t.Helper()
	data := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": v}
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  "test-model",
	}))
}

func TestEmbedder_EmbedTexts(t *testing.T) {
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		vectors := make([][]float32, len(req.Input))
		for i := range req.Input {
			vectors[i] = []float32{float32(i), 1, 2}
		}
		writeEmbeddings(t, w, vectors)
	})

	embedder, err := NewEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := embedder.EmbedTexts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 1, 2}, vectors[1])

	vector, err := embedder.EmbedText(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2}, vector)
}

func TestEmbedder_ClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, core.ErrRateLimited},
		{"server error", http.StatusServiceUnavailable, core.ErrTransientProvider},
		{"bad request", http.StatusBadRequest, core.ErrPermanentProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})

			embedder, err := NewEmbedder(cfg)
			require.NoError(t, err)

			_, err = embedder.EmbedText(context.Background(), "a")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEmbedder_EmptyInput(t *testing.T) {
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	embedder, err := NewEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := embedder.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestCheckVectors(t *testing.T) {
	assert.NoError(t, checkVectors([][]float32{{1}, {2}}, 2))
	assert.ErrorIs(t, checkVectors([][]float32{{1}}, 2), core.ErrMalformedResponse)
	assert.ErrorIs(t, checkVectors([][]float32{{1}, {}}, 2), core.ErrMalformedResponse)
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(&ai.Config{Provider: ai.ProviderOpenAI})
	require.Error(t, err)
}
