// Package oauth manages the OAuth credential strategy: token
// persistence, expiry tracking, and refresh. It backs the middle entry
// of the fallback order (browser, OAuth, API key); callers that hold a
// valid token can reach the service without either a browser session
// or a paid key.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"claudegate/internal/config"

	"go.uber.org/zap"
)

const (
	// Public OAuth client for the Claude console flow.
	ClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	TokenURL = "https://console.anthropic.com/v1/oauth/token"

	// refreshMargin renews tokens slightly before actual expiry so an
	// in-flight request never races the expiration.
	refreshMargin = 5 * time.Minute
)

// Token holds the OAuth token details.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Expiry       time.Time `json:"expiry"`
	Account      string    `json:"account,omitempty"`
}

// Valid reports whether the access token is still usable, with margin.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Now().Add(refreshMargin).Before(t.Expiry)
}

// TokenManager handles token storage and refresh.
type TokenManager struct {
	tokenFile  string
	tokenURL   string
	httpClient *http.Client
	log        *zap.Logger

	mu    sync.Mutex
	token *Token
}

// NewTokenManager creates a token manager over the configured token
// file. An existing token is loaded opportunistically; a missing or
// unreadable file just means no token yet.
func NewTokenManager(cfg *config.Config, log *zap.Logger) *TokenManager {
	if log == nil {
		log = zap.NewNop()
	}
	tm := &TokenManager{
		tokenFile:  cfg.OAuth.TokenFile,
		tokenURL:   TokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
	_ = tm.LoadToken()
	return tm
}

// Available reports whether any token is on hand, valid or refreshable.
func (tm *TokenManager) Available() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.token != nil && (tm.token.AccessToken != "" || tm.token.RefreshToken != "")
}

// LoadToken loads the token from disk.
func (tm *TokenManager) LoadToken() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	data, err := os.ReadFile(tm.tokenFile)
	if err != nil {
		return err
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	tm.token = &token
	return nil
}

// SetToken installs a freshly obtained token and persists it.
func (tm *TokenManager) SetToken(token *Token) error {
	tm.mu.Lock()
	tm.token = token
	tm.mu.Unlock()
	return tm.SaveToken()
}

// SaveToken saves the token to disk. Token files carry credentials, so
// they are written 0600.
func (tm *TokenManager) SaveToken() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token == nil {
		return nil
	}

	data, err := json.MarshalIndent(tm.token, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(tm.tokenFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(tm.tokenFile, data, 0600)
}

// GetToken returns a valid access token, refreshing if necessary.
func (tm *TokenManager) GetToken(ctx context.Context) (*Token, error) {
	tm.mu.Lock()
	if tm.token == nil {
		tm.mu.Unlock()
		return nil, fmt.Errorf("no token found, authentication required")
	}
	if tm.token.Valid() {
		token := *tm.token
		tm.mu.Unlock()
		return &token, nil
	}
	tm.mu.Unlock()

	tm.log.Debug("oauth token expired, refreshing")
	if err := tm.RefreshToken(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	tm.mu.Lock()
	token := *tm.token
	tm.mu.Unlock()
	return &token, nil
}

// RefreshToken exchanges the refresh token for a new access token and
// persists the result.
func (tm *TokenManager) RefreshToken(ctx context.Context) error {
	tm.mu.Lock()
	if tm.token == nil || tm.token.RefreshToken == "" {
		tm.mu.Unlock()
		return fmt.Errorf("no refresh token available")
	}
	refreshToken := tm.token.RefreshToken
	tm.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, body)
	}

	var refreshed Token
	if err := json.Unmarshal(body, &refreshed); err != nil {
		return fmt.Errorf("parse refreshed token: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	if refreshed.ExpiresIn > 0 {
		refreshed.Expiry = time.Now().Add(time.Duration(refreshed.ExpiresIn) * time.Second)
	}

	tm.mu.Lock()
	tm.token = &refreshed
	tm.mu.Unlock()

	if err := tm.SaveToken(); err != nil {
		tm.log.Warn("failed to persist refreshed token", zap.Error(err))
	}
	return nil
}
