// Package strategy orchestrates how a client obtains access to the
// completion service. It owns the active AuthMethod for a session and
// exposes a uniform request contract over the browser driver. Fallback
// to OAuth or the paid API key is deliberately left to the caller so
// the free path never silently spends money.
package strategy

import "time"

// AuthMethod identifies one credential strategy. Within a session the
// method only moves forward through the fallback order; a new session
// re-evaluates from the browser method.
type AuthMethod string

const (
	MethodBrowser     AuthMethod = "browser"
	MethodOAuth       AuthMethod = "oauth"
	MethodAPIKey      AuthMethod = "api_key"
	MethodUnavailable AuthMethod = "unavailable"
)

// FallbackOrder is the fixed preference sequence used when selecting
// which strategy to attempt.
var FallbackOrder = []AuthMethod{MethodBrowser, MethodOAuth, MethodAPIKey}

// TokenUsage accumulates token counters for a session. Counters are
// monotonically non-decreasing for the lifetime of the session.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Add accumulates one request's usage.
func (u *TokenUsage) Add(input, output int64) {
	u.Input += input
	u.Output += output
}

// Total returns input + output.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// SessionState is the per-client bookkeeping owned exclusively by the
// Client. Callers only ever see snapshot copies.
type SessionState struct {
	SessionID         string     `json:"session_id"`
	ActiveMethod      AuthMethod `json:"active_method"`
	RequestCount      int64      `json:"request_count"`
	TokenUsage        TokenUsage `json:"token_usage"`
	CostSavingsUSD    float64    `json:"cost_savings_usd"`
	StartTime         time.Time  `json:"start_time"`
	UnavailableReason string     `json:"unavailable_reason,omitempty"`
}

// ResponseKind tags the validated shape of a completion response.
type ResponseKind string

const (
	ResponseText  ResponseKind = "text"
	ResponseError ResponseKind = "error"
)

// Response is the structured result of a completion request. The raw
// browser transcript is validated into this shape at the boundary; no
// untyped payloads travel further into the system.
type Response struct {
	Kind  ResponseKind `json:"kind"`
	Text  string       `json:"text"`
	Usage TokenUsage   `json:"usage"`
}

// Options tunes a single request.
type Options struct {
	// MaxChars truncates the prompt before sending; zero means no limit.
	MaxChars int
}

// estimateTokens approximates token count from text length. The browser
// transcript carries no usage metadata, so the standard ~4 chars/token
// heuristic is the best available signal for cost accounting.
func estimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}
