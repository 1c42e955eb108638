package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultModelURL is the hosted text-to-speech model used when none is configured.
const DefaultModelURL = "https://api-inference.huggingface.co/models/espnet/kan-bayashi_ljspeech_vits"

// maxAudioSize caps the response body read from the inference API (50MB).
const maxAudioSize = 50 << 20

// ErrAudioTooLarge is returned when the inference API answers with more audio
// than the client accepts. The payload is discarded rather than stored cut short.
var ErrAudioTooLarge = errors.New("audio payload too large")

// HuggingFaceClient implements Synthesizer against the Hugging Face inference API.
// Calls are fail-fast: one attempt per generation.
type HuggingFaceClient struct {
	token      string
	modelURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxBytes   int64
}

// HuggingFaceOption configures the client.
type HuggingFaceOption func(*HuggingFaceClient)

// WithModelURL overrides the model endpoint.
func WithModelURL(url string) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if url != "" {
			c.modelURL = url
		}
	}
}

// WithTimeout sets the HTTP client timeout (default 60s).
func WithTimeout(d time.Duration) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit throttles outgoing calls to rps requests per second.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	}
}

// WithMaxAudioSize caps the accepted payload at n bytes (default 50MB).
func WithMaxAudioSize(n int64) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// NewHuggingFaceClient creates a new inference client.
func NewHuggingFaceClient(token string, opts ...HuggingFaceOption) *HuggingFaceClient {
	c := &HuggingFaceClient{
		token:    token,
		modelURL: DefaultModelURL,
		maxBytes: maxAudioSize,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

// APIError is a non-2xx answer from the inference API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is transient (rate limit, model
// loading, server errors). Retrying is left to the user.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// Synthesize posts {"inputs": text} and returns the audio payload.
func (c *HuggingFaceClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("huggingface: rate limit: %w", err)
		}
	}

	body, err := json.Marshal(inferenceRequest{Inputs: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/*")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	defer resp.Body.Close()

	// One byte past the cap tells an oversized payload from one that fits exactly.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}
	if int64(len(payload)) > c.maxBytes && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, fmt.Errorf("huggingface: %w: more than %d bytes", ErrAudioTooLarge, c.maxBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("huggingface: %w", &APIError{StatusCode: resp.StatusCode, Body: errorMessage(payload)})
	}

	// A JSON body on success is an error report, not audio.
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		return nil, fmt.Errorf("huggingface: unexpected JSON response: %s", errorMessage(payload))
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("huggingface: empty response")
	}
	return payload, nil
}

// errorMessage extracts {"error": "..."} from an error body when present.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
