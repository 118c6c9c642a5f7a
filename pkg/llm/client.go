// Package llm provides the chat-completion client used by the Map and
// Reduce stages. The transport is HTTP JSON; transient failures and
// malformed payloads are classified so callers can retry with backoff.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/design4music/sni-platform/pkg/config"
	"golang.org/x/sync/semaphore"
)

// Client is the interface the pipeline stages depend on. One call, one
// completion; retries are the caller's concern (see Retry).
type Client interface {
	// Complete sends a system+user prompt pair and returns the
	// assistant's text. Errors are classified: ErrTransient for
	// retryable transport failures, ErrMalformed for unusable payloads.
	Complete(ctx context.Context, req Request) (string, error)

	// Close releases the underlying transport.
	Close() error
}

// Request is one chat-completion exchange.
type Request struct {
	System string
	User   string
}

// HTTPClient talks to an OpenAI-style chat-completions endpoint.
// A global semaphore caps in-flight requests across all stages.
type HTTPClient struct {
	cfg      config.LLMConfig
	apiKey   string
	httpc    *http.Client
	inflight *semaphore.Weighted
}

// NewHTTPClient builds a client from configuration. maxInFlight bounds
// concurrent requests globally (Map + Reduce pool capacities combined).
func NewHTTPClient(cfg config.LLMConfig, maxInFlight int64) (*HTTPClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key env var %s is not set", cfg.APIKeyEnv)
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &HTTPClient{
		cfg:      cfg,
		apiKey:   apiKey,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		inflight: semaphore.NewWeighted(maxInFlight),
	}, nil
}

// chat-completions wire types (request and the fields we read back).
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer c.inflight.Release(1)

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		// Network errors, timeouts, and cancellation are all retryable
		// at this level; the run deadline stops the retry loop.
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return "", fmt.Errorf("%w: reading response body: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: %v", ErrTransient, statusErr)
		}
		return "", statusErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformed, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: no completion choices", ErrMalformed)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Close implements Client.
func (c *HTTPClient) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Client = (*HTTPClient)(nil)
