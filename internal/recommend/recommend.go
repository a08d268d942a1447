// Package recommend turns health reports into plain-language setup and
// remediation advice. Rules are pure functions of the report so the
// same report always yields the same advice.
package recommend

import (
	"claudegate/internal/health"
	"claudegate/internal/strategy"
)

// Advice strings. Stable values; dashboards key off them.
const (
	RefreshBrowserSession = "refresh browser session credentials"
	ConfigureBrowserAuth  = "configure browser authentication for zero-cost usage"
	InvestigateLatency    = "investigate network connectivity and latency"
	ConfigureAnyMethod    = "configure at least one authentication method immediately"
	PrioritizeBrowserAuth = "prioritize browser-based authentication to maximize cost savings"
)

type rule func(*health.Report) (string, bool)

var rules = []rule{
	browserSessionStale,
	browserAuthMissing,
	slowResponses,
	nothingConfigured,
	lowEfficiency,
}

// Derive applies every rule to the report and returns the advice that
// fired, deduplicated, in rule order.
func Derive(report *health.Report) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, r := range rules {
		advice, ok := r(report)
		if !ok || seen[advice] {
			continue
		}
		seen[advice] = true
		out = append(out, advice)
	}
	return out
}

// browserSessionStale fires when browser credentials exist but the
// probe failed, which almost always means the session key expired.
func browserSessionStale(r *health.Report) (string, bool) {
	mh, ok := r.Methods[strategy.MethodBrowser]
	if ok && mh.Status == health.MethodFailed {
		return RefreshBrowserSession, true
	}
	return "", false
}

// browserAuthMissing fires whenever the free browser path has never
// been configured, regardless of how the other strategies are doing.
func browserAuthMissing(r *health.Report) (string, bool) {
	br, ok := r.Methods[strategy.MethodBrowser]
	if ok && br.Status == health.MethodUnavailable {
		return ConfigureBrowserAuth, true
	}
	return "", false
}

func slowResponses(r *health.Report) (string, bool) {
	for _, mh := range r.Methods {
		if mh.Status == health.MethodSlow {
			return InvestigateLatency, true
		}
	}
	return "", false
}

func nothingConfigured(r *health.Report) (string, bool) {
	if r.OverallHealth == health.StatusCritical {
		return ConfigureAnyMethod, true
	}
	return "", false
}

// lowEfficiency fires when some traffic already rides the free path but
// the majority of spend still goes to the API key.
func lowEfficiency(r *health.Report) (string, bool) {
	ca := r.CostAnalysis
	if ca.BrowserSavingsUSD > 0 && ca.EfficiencyPercent < 50 {
		return PrioritizeBrowserAuth, true
	}
	return "", false
}
