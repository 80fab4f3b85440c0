package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"food-ai/internal/metrics"
)

const defaultMaxRetries = 3

// Client is an HTTP client for an OpenAI-compatible embeddings API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	maxRetries      int
	initialInterval time.Duration
}

// NewClient creates a new embeddings client with the provided base URL.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		apiKey:          apiKey,
		model:           model,
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          &http.Client{Timeout: 60 * time.Second},
		maxRetries:      defaultMaxRetries,
		initialInterval: time.Second,
	}
}

// apiError is a non-200 reply from the embeddings API.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.status, e.message)
}

func (e *apiError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= http.StatusInternalServerError
}

// GenerateEmbedding generates an embedding vector for the given text.
// Transport errors, 429 and 5xx replies are retried with exponential backoff.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(c.model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if strings.TrimSpace(text) == "" {
		metrics.EmbeddingsFailedTotal.Add(1)
		return nil, fmt.Errorf("text cannot be empty")
	}

	jsonData, err := json.Marshal(EmbeddingRequest{
		Model: c.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries-1)), ctx)

	var vector []float32
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		v, err := c.do(ctx, jsonData)
		if err == nil {
			vector = v
			return nil
		}
		if apiErr, ok := err.(*apiError); ok && !apiErr.retryable() {
			return backoff.Permanent(err)
		}
		slog.Debug("Embedding request failed", "attempt", attempt, "error", err)
		return err
	}, policy)
	if err != nil {
		metrics.EmbeddingsFailedTotal.Add(1)
		return nil, fmt.Errorf("failed to generate embedding after %d attempts: %w", attempt, err)
	}

	metrics.EmbeddingsGeneratedTotal.Add(1)
	return vector, nil
}

func (c *Client) do(ctx context.Context, payload []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &apiError{status: resp.StatusCode, message: errResp.Error.Message}
		}
		return nil, &apiError{status: resp.StatusCode, message: string(body)}
	}

	var embeddingResp EmbeddingResponse
	if err := json.Unmarshal(body, &embeddingResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	if len(embeddingResp.Data) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("no embedding data in response"))
	}

	return embeddingResp.Data[0].Embedding, nil
}
