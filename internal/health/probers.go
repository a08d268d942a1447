package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"claudegate/internal/anthropic"
	"claudegate/internal/browser"
	"claudegate/internal/config"
	"claudegate/internal/oauth"
	"claudegate/internal/strategy"
)

// BrowserProber drives a throwaway browser session to verify that the
// free chat path still works. Credentials are re-read from the
// environment on every probe so rotated session keys take effect
// without a restart; the runtime environment is fixed at construction
// and never re-queried.
type BrowserProber struct {
	cfg     *config.Config
	runtime config.RuntimeEnvironment
	log     *zap.Logger
	now     func() time.Time
}

// NewBrowserProber builds a browser prober.
func NewBrowserProber(cfg *config.Config, rt config.RuntimeEnvironment, log *zap.Logger) *BrowserProber {
	if log == nil {
		log = zap.NewNop()
	}
	return &BrowserProber{cfg: cfg, runtime: rt, log: log, now: time.Now}
}

// Method implements Prober.
func (p *BrowserProber) Method() strategy.AuthMethod {
	return strategy.MethodBrowser
}

// allowed gates the probe on the credentials and the runtime captured
// at construction.
func (p *BrowserProber) allowed(creds config.CredentialSet) bool {
	return creds.HasBrowserCredentials() && p.runtime.BrowserAllowed()
}

// Probe implements Prober. Each call builds a fresh driver and client
// and tears them down before returning.
func (p *BrowserProber) Probe(ctx context.Context) ProbeResult {
	creds := config.ResolveCredentialsFromEnv()

	res := ProbeResult{
		Method:             strategy.MethodBrowser,
		CredentialsPresent: p.allowed(creds),
	}
	if !res.CredentialsPresent {
		return res
	}

	driver := browser.NewDriver(p.cfg, creds, p.log)
	client := strategy.NewClient(creds, p.runtime, driver, strategy.WithLogger(p.log))
	defer func() {
		if err := client.Close(); err != nil {
			p.log.Warn("failed to close probe session", zap.Error(err))
		}
	}()

	start := p.now()
	method, err := client.Initialize(ctx)
	if err != nil || method != strategy.MethodBrowser {
		res.ResponseTime = p.now().Sub(start)
		res.Err = probeError(err, "browser session unavailable")
		return res
	}
	if err := driver.Probe(ctx); err != nil {
		res.ResponseTime = p.now().Sub(start)
		res.Err = err.Error()
		return res
	}
	res.ResponseTime = p.now().Sub(start)
	res.Succeeded = true
	return res
}

// APIKeyProber checks the paid API path with a zero-cost request.
type APIKeyProber struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time
}

// NewAPIKeyProber builds an API key prober.
func NewAPIKeyProber(cfg *config.Config, log *zap.Logger) *APIKeyProber {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIKeyProber{cfg: cfg, log: log, now: time.Now}
}

// Method implements Prober.
func (p *APIKeyProber) Method() strategy.AuthMethod {
	return strategy.MethodAPIKey
}

// Probe implements Prober.
func (p *APIKeyProber) Probe(ctx context.Context) ProbeResult {
	creds := config.ResolveCredentialsFromEnv()

	res := ProbeResult{
		Method:             strategy.MethodAPIKey,
		CredentialsPresent: creds.HasAPIKey(),
	}
	if !res.CredentialsPresent {
		return res
	}

	client := anthropic.NewClient(p.cfg, creds.APIKey, p.log)
	start := p.now()
	err := client.Probe(ctx)
	res.ResponseTime = p.now().Sub(start)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Succeeded = true
	return res
}

// OAuthProber verifies that a stored OAuth token is usable, refreshing
// it when expired. It never calls the completion API.
type OAuthProber struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time
}

// NewOAuthProber builds an OAuth prober.
func NewOAuthProber(cfg *config.Config, log *zap.Logger) *OAuthProber {
	if log == nil {
		log = zap.NewNop()
	}
	return &OAuthProber{cfg: cfg, log: log, now: time.Now}
}

// Method implements Prober.
func (p *OAuthProber) Method() strategy.AuthMethod {
	return strategy.MethodOAuth
}

// Probe implements Prober.
func (p *OAuthProber) Probe(ctx context.Context) ProbeResult {
	tm := oauth.NewTokenManager(p.cfg, p.log)

	res := ProbeResult{
		Method:             strategy.MethodOAuth,
		CredentialsPresent: tm.Available(),
	}
	if !res.CredentialsPresent {
		return res
	}

	start := p.now()
	_, err := tm.GetToken(ctx)
	res.ResponseTime = p.now().Sub(start)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Succeeded = true
	return res
}

func probeError(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
