package embedding

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := NewClient(url, "test-key", "test-model")
	c.initialInterval = time.Millisecond
	return c
}

func writeEmbedding(t *testing.T, w http.ResponseWriter, vector []float32) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  []map[string]any{{"embedding": vector, "index": 0}},
		"model": "test-model",
	})
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:9999/", "test-key", "test-model")

	require.NotNil(t, client)
	assert.Equal(t, "test-key", client.apiKey)
	assert.Equal(t, "test-model", client.model)
	assert.Equal(t, "http://localhost:9999", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestGenerateEmbeddingSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "raw salmon", req.Input)

		writeEmbedding(t, w, []float32{0.1, 0.2, 0.3})
	}))
	defer server.Close()

	vector, err := newTestClient(server.URL).GenerateEmbedding(context.Background(), "raw salmon")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestGenerateEmbeddingRetriesWithBody(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NotEmpty(t, body, "request body must be resent on retry")

		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEmbedding(t, w, []float32{1})
	}))
	defer server.Close()

	vector, err := newTestClient(server.URL).GenerateEmbedding(context.Background(), "white rice")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vector)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestGenerateEmbeddingDoesNotRetryClientErrors(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth"}}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GenerateEmbedding(context.Background(), "cucumber")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestGenerateEmbeddingGivesUpAfterMaxRetries(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GenerateEmbedding(context.Background(), "cucumber")
	require.Error(t, err)
	assert.Equal(t, int32(defaultMaxRetries), atomic.LoadInt32(&requests))
}

func TestGenerateEmbeddingEmptyData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GenerateEmbedding(context.Background(), "sesame seeds")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding data")
}

func TestGenerateEmbeddingValidation(t *testing.T) {
	tests := []struct {
		name   string
		client *Client
		text   string
		want   string
	}{
		{"missing key", NewClient("http://x", "", "m"), "a", "api key is required"},
		{"missing url", NewClient("", "k", "m"), "a", "base URL is required"},
		{"missing model", NewClient("http://x", "k", ""), "a", "model is required"},
		{"empty text", NewClient("http://x", "k", "m"), "  ", "text cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.client.GenerateEmbedding(context.Background(), tt.text)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
