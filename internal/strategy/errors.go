package strategy

import (
	"errors"
	"fmt"
)

var (
	// ErrStrategyUnavailable is returned by MakeRequest when no browser
	// strategy is active. The caller is expected to fall back to its
	// own secondary client (OAuth or API key).
	ErrStrategyUnavailable = errors.New("strategy unavailable: no active browser session")

	// ErrMissingCredentials marks a method unavailable for lack of
	// configuration. Local and recoverable; never a process failure.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrAllMethodsUnavailable is surfaced when no credential strategy
	// can serve a request at all.
	ErrAllMethodsUnavailable = errors.New("all authentication methods unavailable")
)

// Attempt failure reasons. Browser launch errors, navigation timeouts,
// and malformed response bodies are all normalized to AuthAttemptError
// at the client boundary.
const (
	ReasonBrowserInit       = "browser_init_failure"
	ReasonNavigationTimeout = "navigation_timeout"
	ReasonMalformedResponse = "malformed_response"
)

// AuthAttemptError is the single normalized failure for an attempt to
// use the browser strategy.
type AuthAttemptError struct {
	Reason string
	Err    error
}

func (e *AuthAttemptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth attempt failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth attempt failed (%s)", e.Reason)
}

func (e *AuthAttemptError) Unwrap() error {
	return e.Err
}

// NewAttemptError wraps a low-level failure with its classified reason.
func NewAttemptError(reason string, err error) *AuthAttemptError {
	return &AuthAttemptError{Reason: reason, Err: err}
}

// AsAttemptError extracts an AuthAttemptError from an error chain.
func AsAttemptError(err error) (*AuthAttemptError, bool) {
	var ae *AuthAttemptError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
