// Package anthropic is the paid-path client: direct API-key access to
// the Messages API. It is not embedded in the strategy client; callers
// that want a fallback after the free browser path construct one of
// these themselves, keeping the free and paid paths isolated.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"claudegate/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const apiVersion = "2023-06-01"

var (
	// ErrNoAPIKey means the paid strategy has no credential at all.
	ErrNoAPIKey = errors.New("anthropic: no api key configured")

	// ErrCircuitOpen is returned when the breaker has tripped and calls
	// are being shed without touching the network.
	ErrCircuitOpen = errors.New("anthropic: circuit breaker open")
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: api error %d: %s", e.StatusCode, e.Body)
}

// serverError marks 5xx responses as retryable breaker failures.
type serverError struct{ status int }

func (e *serverError) Error() string {
	return "anthropic: server error: " + http.StatusText(e.status)
}

// Usage is the token accounting the API reports for one message.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Message is a completed response from the Messages API.
type Message struct {
	Text  string
	Model string
	Usage Usage
}

// Client is a resilient API-key client: exponential-backoff retries on
// transient failures, circuit breaker against a failing upstream.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries uint64
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	log        *zap.Logger
}

// NewClient builds a client from configuration plus the resolved API
// key. A missing key is permitted; calls will fail with ErrNoAPIKey.
func NewClient(cfg *config.Config, apiKey string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	maxRetries := uint64(cfg.API.MaxRetries)
	if cfg.API.MaxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:    cfg.API.BaseURL,
		apiKey:     apiKey,
		model:      cfg.API.Model,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: cfg.APITimeout()},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name: "anthropic",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.5
			},
		}),
		log: log,
	}
}

// Available reports whether the paid strategy has a credential.
func (c *Client) Available() bool {
	return c.apiKey != ""
}

// Probe verifies that the API key is accepted by the service. It hits
// the models listing endpoint, which costs no tokens.
func (c *Client) Probe(ctx context.Context) error {
	if !c.Available() {
		return ErrNoAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Complete sends one prompt through the Messages API and returns the
// text plus the exact token usage the API reports.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (*Message, error) {
	if !c.Available() {
		return nil, ErrNoAPIKey
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	payload, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	msg := &Message{Model: parsed.Model, Usage: parsed.Usage}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			msg.Text += block.Text
		}
	}
	return msg, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// do executes a request through the circuit breaker with retries.
// 5xx responses and network errors retry with exponential backoff; 4xx
// responses return immediately, they will not improve on retry.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)

	var lastResp *http.Response
	operation := func() error {
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			attempt := req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, backoff.Permanent(err)
				}
				attempt.Body = body
			}
			r, err := c.httpClient.Do(attempt)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				return r, &serverError{status: r.StatusCode}
			}
			return r, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			if resp != nil {
				_ = resp.Body.Close()
				lastResp = nil
			}
			c.log.Debug("anthropic request retrying", zap.Error(err))
			return err
		}
		lastResp = resp
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return lastResp, nil
}
