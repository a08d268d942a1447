// Package cost estimates the monetary cost and savings of each
// credential strategy and keeps a rolling history for trend reporting.
// The free browser path is credited with what the same usage would have
// cost at API list rates.
package cost

import (
	"time"

	"claudegate/internal/config"
	"claudegate/internal/strategy"

	"go.uber.org/zap"
)

// Analysis is one point-in-time cost comparison between the free and
// paid strategies. Recomputed each probe cycle.
type Analysis struct {
	Timestamp            time.Time           `json:"timestamp"`
	CurrentMethod        strategy.AuthMethod `json:"current_method"`
	BrowserSavingsUSD    float64             `json:"browser_savings_usd"`
	APIKeyCostUSD        float64             `json:"api_key_cost_usd"`
	EfficiencyPercent    float64             `json:"efficiency_percent"`
	MonthlyProjectionUSD float64             `json:"monthly_projection_usd"`
}

// Analyzer computes per-method cost estimates. Rates come from
// configuration; there is no hardcoded price in the logic below.
type Analyzer struct {
	inputPerMTok  float64
	outputPerMTok float64
	history       *History
	log           *zap.Logger
	now           func() time.Time
}

// NewAnalyzer builds an analyzer over the configured rates and history
// file.
func NewAnalyzer(cfg *config.Config, log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	retention := time.Duration(cfg.Cost.RetentionDays) * 24 * time.Hour
	if cfg.Cost.RetentionDays <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Analyzer{
		inputPerMTok:  cfg.Cost.InputPerMTok,
		outputPerMTok: cfg.Cost.OutputPerMTok,
		history:       NewHistory(cfg.Cost.HistoryPath, retention, log),
		log:           log,
		now:           time.Now,
	}
}

// apiRateCost prices usage at the configured per-million-token rates.
func (a *Analyzer) apiRateCost(usage strategy.TokenUsage) float64 {
	return float64(usage.Input)/1e6*a.inputPerMTok +
		float64(usage.Output)/1e6*a.outputPerMTok
}

// Estimate returns the monetary cost the given usage incurs under the
// given method. Browser and OAuth sessions are free; only the API key
// method spends money.
func (a *Analyzer) Estimate(method strategy.AuthMethod, usage strategy.TokenUsage) float64 {
	switch method {
	case strategy.MethodAPIKey:
		return a.apiRateCost(usage)
	default:
		return 0
	}
}

// Savings returns what the given usage would have cost on the paid
// path. Credited to sessions served over a free strategy.
func (a *Analyzer) Savings(usage strategy.TokenUsage) float64 {
	return a.apiRateCost(usage)
}

// CompareMethods derives the cost picture for one probe cycle. The two
// usage accumulators are independent: browserUsage is the traffic that
// rode the free path (credited at API rates as savings), apiKeyUsage is
// the traffic that actually spent money. Efficiency is the share of
// total potential cost actually saved; both sides zero is defined as
// 0%, never a division by zero.
func (a *Analyzer) CompareMethods(browserOK, apiKeyOK bool, browserUsage, apiKeyUsage strategy.TokenUsage) Analysis {
	analysis := Analysis{
		Timestamp:         a.now(),
		CurrentMethod:     strategy.MethodUnavailable,
		BrowserSavingsUSD: a.apiRateCost(browserUsage),
		APIKeyCostUSD:     a.apiRateCost(apiKeyUsage),
	}

	switch {
	case browserOK:
		analysis.CurrentMethod = strategy.MethodBrowser
	case apiKeyOK:
		analysis.CurrentMethod = strategy.MethodAPIKey
	}

	total := analysis.BrowserSavingsUSD + analysis.APIKeyCostUSD
	if total > 0 {
		analysis.EfficiencyPercent = analysis.BrowserSavingsUSD / total * 100
	}

	return analysis
}

// Record appends the analysis to the rolling history, prunes entries
// older than the retention window, and fills in the monthly projection
// derived from the retained window. Persistence failures are logged and
// reported but never fabricate history.
func (a *Analyzer) Record(analysis Analysis) (Analysis, error) {
	entries, err := a.history.Append(analysis)
	if err != nil {
		return analysis, err
	}
	analysis.MonthlyProjectionUSD = projectMonthly(entries, a.now())
	return analysis, nil
}

// projectMonthly extrapolates the retained window's total monetary
// movement (savings plus spend, both priced at API rates) to 30 days.
func projectMonthly(entries []Analysis, now time.Time) float64 {
	if len(entries) == 0 {
		return 0
	}

	var total float64
	oldest := now
	for _, e := range entries {
		total += e.BrowserSavingsUSD + e.APIKeyCostUSD
		if e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
	}

	days := now.Sub(oldest).Hours() / 24
	if days < 1 {
		days = 1
	}
	return total / days * 30
}
