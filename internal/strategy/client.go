package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"claudegate/internal/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Driver is the browser automation surface the client delegates to.
// The concrete implementation lives in internal/browser; tests supply
// fakes.
type Driver interface {
	Initialize(ctx context.Context) error
	Send(ctx context.Context, prompt string) (string, error)
	Probe(ctx context.Context) error
	Close() error
}

// Client owns the active AuthMethod for one session and the session
// bookkeeping around it. A Client is single-flight by contract: callers
// must serialize MakeRequest; GetStatus is safe to call concurrently.
type Client struct {
	mu      sync.Mutex
	log     *zap.Logger
	creds   config.CredentialSet
	runtime config.RuntimeEnvironment
	driver  Driver
	savings func(TokenUsage) float64

	state       SessionState
	initialized bool
	closed      bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSavings sets the function used to credit cost savings for
// requests served over the free browser path. Typically this is the
// cost analyzer's API-rate estimate: every free request saves what the
// paid path would have charged.
func WithSavings(fn func(TokenUsage) float64) Option {
	return func(c *Client) { c.savings = fn }
}

// NewClient builds a client over resolved credentials and runtime
// flags. The driver is only touched from Initialize onward.
func NewClient(creds config.CredentialSet, rt config.RuntimeEnvironment, driver Driver, opts ...Option) *Client {
	c := &Client{
		log:     zap.NewNop(),
		creds:   creds,
		runtime: rt,
		driver:  driver,
		state: SessionState{
			SessionID:    uuid.NewString(),
			ActiveMethod: MethodUnavailable,
			StartTime:    time.Now(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize attempts the browser strategy. It runs at most once per
// client: repeated calls without Close return the cached outcome.
//
// The browser is attempted only when both the session key and org ID
// are present and the runtime environment permits it. On skip or
// missing credentials the method settles on Unavailable with a recorded
// reason and a nil error; on a real driver failure the error is the
// normalized AuthAttemptError. This layer never falls back to OAuth or
// the API key itself.
func (c *Client) Initialize(ctx context.Context) (AuthMethod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return c.state.ActiveMethod, nil
	}
	c.initialized = true

	if !c.runtime.BrowserAllowed() {
		c.state.ActiveMethod = MethodUnavailable
		c.state.UnavailableReason = "browser disabled for this environment"
		c.log.Info("browser strategy skipped",
			zap.Bool("ci", c.runtime.IsCI),
			zap.String("session_id", c.state.SessionID))
		return MethodUnavailable, nil
	}

	if !c.creds.HasBrowserCredentials() {
		c.state.ActiveMethod = MethodUnavailable
		c.state.UnavailableReason = ErrMissingCredentials.Error()
		c.log.Info("browser strategy unavailable: no session credentials",
			zap.String("session_id", c.state.SessionID))
		return MethodUnavailable, nil
	}

	if err := c.driver.Initialize(ctx); err != nil {
		attemptErr := classify(err)
		c.state.ActiveMethod = MethodUnavailable
		c.state.UnavailableReason = attemptErr.Reason
		c.log.Warn("browser strategy failed",
			zap.String("reason", attemptErr.Reason),
			zap.Error(err))
		return MethodUnavailable, attemptErr
	}

	c.state.ActiveMethod = MethodBrowser
	c.state.UnavailableReason = ""
	c.log.Info("browser strategy active",
		zap.String("session_id", c.state.SessionID))
	return MethodBrowser, nil
}

// MakeRequest sends one prompt over the active strategy. Only the
// browser method is served here; anything else fails with
// ErrStrategyUnavailable so the caller can route to its own secondary
// client, or with ErrAllMethodsUnavailable when the credential set
// holds no API key to fall back to. Cancellation is cooperative: wrap
// ctx with a deadline to bound the whole call.
func (c *Client) MakeRequest(ctx context.Context, prompt string, opts Options) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrStrategyUnavailable
	}
	if c.state.ActiveMethod != MethodBrowser {
		noFallback := !c.creds.HasAPIKey()
		c.mu.Unlock()
		if noFallback {
			return nil, ErrAllMethodsUnavailable
		}
		return nil, ErrStrategyUnavailable
	}
	c.mu.Unlock()

	if opts.MaxChars > 0 && len(prompt) > opts.MaxChars {
		prompt = prompt[:opts.MaxChars]
	}

	transcript, err := c.driver.Send(ctx, prompt)
	if err != nil {
		return nil, classify(err)
	}

	resp, err := parseTranscript(transcript)
	if err != nil {
		return nil, err
	}
	resp.Usage = TokenUsage{
		Input:  estimateTokens(prompt),
		Output: estimateTokens(resp.Text),
	}

	c.mu.Lock()
	c.state.RequestCount++
	c.state.TokenUsage.Add(resp.Usage.Input, resp.Usage.Output)
	if c.savings != nil {
		c.state.CostSavingsUSD += c.savings(resp.Usage)
	}
	c.mu.Unlock()

	return resp, nil
}

// GetStatus returns a snapshot copy of the session state. Pure read; it
// keeps returning the last known state after Close.
func (c *Client) GetStatus() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the driver. Safe to call multiple times; the second
// call is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.driver == nil {
		return nil
	}
	if err := c.driver.Close(); err != nil {
		c.log.Warn("driver close failed", zap.Error(err))
		return err
	}
	return nil
}

// parseTranscript validates the raw browser transcript into the tagged
// Response shape. An empty or whitespace-only body is a malformed
// response, not a success with empty text.
func parseTranscript(transcript string) (*Response, error) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return nil, NewAttemptError(ReasonMalformedResponse, errors.New("empty transcript"))
	}
	return &Response{Kind: ResponseText, Text: text}, nil
}

// classify normalizes low-level driver failures into AuthAttemptError.
// Deadline expiry is a navigation timeout; everything else that is not
// already classified counts as a browser init failure.
func classify(err error) *AuthAttemptError {
	if ae, ok := AsAttemptError(err); ok {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAttemptError(ReasonNavigationTimeout, err)
	}
	return NewAttemptError(ReasonBrowserInit, err)
}
