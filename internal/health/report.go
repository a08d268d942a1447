// Package health runs point-in-time probes of each credential
// strategy, aggregates them into a rated report, and persists the
// result for external dashboards.
package health

import (
	"time"

	"claudegate/internal/cost"
	"claudegate/internal/strategy"
)

// Overall health ratings.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Per-method probe statuses.
const (
	MethodOperational = "operational"
	MethodSlow        = "slow"
	MethodFailed      = "failed"
	MethodUnavailable = "unavailable"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Threshold table. These values are contractual for consumers of the
// persisted reports; change them and every dashboard shifts.
const (
	ResponseTimeWarning  = 30 * time.Second
	ResponseTimeCritical = 60 * time.Second
	FailureRateWarning   = 0.20
	FailureRateCritical  = 0.50

	// minFailureSamples is the number of recent cycles required before
	// failure-rate alerts fire; a single bad probe is not a trend.
	minFailureSamples = 5
)

// MethodHealth is the probe outcome for one credential strategy.
type MethodHealth struct {
	Status         string `json:"status"`
	Available      bool   `json:"available"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// Alert is actionable guidance derived from a probe cycle. Alerts only
// live inside reports; they are never persisted independently.
type Alert struct {
	Severity        string `json:"severity"`
	Message         string `json:"message"`
	SuggestedAction string `json:"suggested_action"`
}

// Report is the full outcome of one probe cycle. Read-only to
// consumers; a new cycle produces a new report.
type Report struct {
	SessionID       string                               `json:"session_id"`
	Timestamp       time.Time                            `json:"timestamp"`
	Methods         map[strategy.AuthMethod]MethodHealth `json:"methods"`
	CostAnalysis    cost.Analysis                        `json:"cost_analysis"`
	Alerts          []Alert                              `json:"alerts"`
	Recommendations []string                             `json:"recommendations"`
	OverallHealth   string                               `json:"overall_health"`
}

// ProbeResult is the raw outcome of probing one strategy. Probers catch
// their own failures; a result is always produced.
type ProbeResult struct {
	Method             strategy.AuthMethod
	Succeeded          bool
	CredentialsPresent bool
	ResponseTime       time.Duration
	Err                string
}

// health converts a probe result to its report entry.
func (r ProbeResult) health() MethodHealth {
	mh := MethodHealth{
		Available:      r.Succeeded,
		ResponseTimeMs: r.ResponseTime.Milliseconds(),
		Error:          r.Err,
	}
	switch {
	case !r.CredentialsPresent:
		mh.Status = MethodUnavailable
	case !r.Succeeded:
		mh.Status = MethodFailed
	case r.ResponseTime > ResponseTimeWarning:
		mh.Status = MethodSlow
	default:
		mh.Status = MethodOperational
	}
	return mh
}
