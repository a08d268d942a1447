package config

import (
	"os"
	"strconv"
)

// Environment keys for the three credential strategies.
const (
	EnvSessionKey  = "CLAUDE_SESSION_KEY"
	EnvOrgID       = "CLAUDE_ORG_ID"
	EnvUserID      = "CLAUDE_USER_ID"
	EnvAPIKey      = "ANTHROPIC_API_KEY"
	EnvSkipBrowser = "SKIP_BROWSER"
	EnvCI          = "CI"
)

// CredentialSet holds the credentials for all strategies. Every field
// is optional-presence; an absent value is simply the empty string.
// A CredentialSet is immutable once resolved.
type CredentialSet struct {
	SessionKey string
	OrgID      string
	UserID     string
	APIKey     string
}

// HasBrowserCredentials reports whether the browser strategy can be
// attempted at all. Both the session key and the org scope are required.
func (c CredentialSet) HasBrowserCredentials() bool {
	return c.SessionKey != "" && c.OrgID != ""
}

// HasAPIKey reports whether the paid strategy has a credential.
func (c CredentialSet) HasAPIKey() bool {
	return c.APIKey != ""
}

// ResolveCredentials normalizes a key-value configuration source into a
// CredentialSet. Pure function: no I/O, never fails, absent keys yield
// empty fields.
func ResolveCredentials(lookup func(string) string) CredentialSet {
	return CredentialSet{
		SessionKey: lookup(EnvSessionKey),
		OrgID:      lookup(EnvOrgID),
		UserID:     lookup(EnvUserID),
		APIKey:     lookup(EnvAPIKey),
	}
}

// ResolveCredentialsFromEnv resolves credentials from the process
// environment. Called once at client construction and once per health
// probe cycle so rotated credentials are picked up.
func ResolveCredentialsFromEnv() CredentialSet {
	return ResolveCredentials(os.Getenv)
}

// RuntimeEnvironment captures the execution-environment flags that gate
// the browser strategy. Resolved once at process entry and threaded
// through constructors; business logic never re-queries these flags.
type RuntimeEnvironment struct {
	IsCI        bool
	SkipBrowser bool
}

// BrowserAllowed reports whether the browser strategy may be attempted.
func (r RuntimeEnvironment) BrowserAllowed() bool {
	return !r.SkipBrowser
}

// ResolveRuntime derives the runtime environment from a key-value
// source. CI always forces the browser path off: headless runners have
// no usable browser profile.
func ResolveRuntime(lookup func(string) string) RuntimeEnvironment {
	isCI := parseBool(lookup(EnvCI))
	return RuntimeEnvironment{
		IsCI:        isCI,
		SkipBrowser: isCI || parseBool(lookup(EnvSkipBrowser)),
	}
}

// ResolveRuntimeFromEnv resolves the runtime environment from the
// process environment.
func ResolveRuntimeFromEnv() RuntimeEnvironment {
	return ResolveRuntime(os.Getenv)
}

func parseBool(v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// Any nonempty unparseable value ("yes", "on") counts as set.
		return true
	}
	return b
}
