// internal/sampling/sampling.go
package sampling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sony/gobreaker"

	"food-ai/internal/metrics"
)

// Format selects between free text and a JSON object reply.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json_object"
)

// Request is one generative model invocation.
type Request struct {
	Model     string
	Prompt    string
	Image     []byte // optional, sent as a data URL image part
	MaxTokens int
	Format    Format
}

type ErrorKind string

const (
	ErrorTransport   ErrorKind = "transport"
	ErrorAPI         ErrorKind = "api"
	ErrorUnavailable ErrorKind = "unavailable"
	ErrorEmpty       ErrorKind = "empty_response"
)

// CallError is returned for every failed model invocation.
type CallError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model call failed (%s, status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("model call failed (%s): %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds a single invocation. Calls are never retried.
	Timeout time.Duration
}

// SamplingClient invokes an OpenAI-compatible chat completions endpoint.
type SamplingClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
}

func NewSamplingClient(cfg Config) *SamplingClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "model",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &SamplingClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		timeout:    timeout,
		breaker:    breaker,
	}
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete runs one invocation and returns the trimmed reply text. In
// FormatJSON mode the reply is a JSON object encoded as text.
func (s *SamplingClient) Complete(ctx context.Context, req Request) (string, error) {
	metrics.ModelCallsTotal.Add(1)

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.callGateway(ctx, req)
	})
	if err != nil {
		metrics.ModelCallsFailed.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &CallError{Kind: ErrorUnavailable, Err: err}
		}
		return "", err
	}
	return out.(string), nil
}

func (s *SamplingClient) callGateway(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = s.model
	}

	var content interface{} = req.Prompt
	if len(req.Image) > 0 {
		content = []chatContentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "image_url", ImageURL: &chatImageURL{URL: ImageDataURL(req.Image)}},
		}
	}

	body := chatRequest{
		Model:     model,
		Messages:  []chatMessage{{Role: "user", Content: content}},
		MaxTokens: req.MaxTokens,
	}
	if req.Format == FormatJSON {
		body.ResponseFormat = &chatResponseFormat{Type: string(FormatJSON)}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", &CallError{Kind: ErrorTransport, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CallError{Kind: ErrorTransport, Status: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	var completion chatResponse
	decodeErr := json.Unmarshal(respBody, &completion)

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if decodeErr == nil && completion.Error != nil && completion.Error.Message != "" {
			msg = completion.Error.Message
		}
		return "", &CallError{Kind: ErrorAPI, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if decodeErr != nil {
		return "", &CallError{Kind: ErrorAPI, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", decodeErr)}
	}
	if len(completion.Choices) == 0 {
		return "", &CallError{Kind: ErrorEmpty, Status: resp.StatusCode, Err: errors.New("no choices in response")}
	}

	slog.Debug("Model call completed",
		"model", model,
		"format", string(req.Format),
		"with_image", len(req.Image) > 0,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// ImageDataURL encodes image bytes as a base64 data URL, sniffing the media type.
func ImageDataURL(image []byte) string {
	mediaType := mimetype.Detect(image).String()
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/jpeg"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(image)
}
