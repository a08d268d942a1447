package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claudegate/internal/config"
	"claudegate/internal/cost"
	"claudegate/internal/strategy"
)

// Phase names for the probe cycle. Exposed so operators can see where a
// long-running cycle is stuck.
const (
	PhaseIdle           = "idle"
	PhaseProbingBrowser = "probing_browser"
	PhaseProbingAPIKey  = "probing_api_key"
	PhaseAggregating    = "aggregating"
	PhasePersisted      = "persisted"
)

// Prober checks one credential strategy end to end. Implementations
// must build fresh state per call so a wedged session from an earlier
// cycle cannot poison this one.
type Prober interface {
	Method() strategy.AuthMethod
	Probe(ctx context.Context) ProbeResult
}

// Monitor runs probe cycles and persists the resulting reports. It is
// safe for a single caller; overlapping Run calls are serialized.
type Monitor struct {
	cfg      *config.Config
	browser  Prober
	apiKey   Prober
	extras   []Prober
	analyzer *cost.Analyzer
	log      *zap.Logger

	recommend func(*Report) []string
	usage     UsageSource
	now       func() time.Time

	mu    sync.Mutex
	phase string
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithRecommender installs the recommendation rules applied to each
// finished report.
func WithRecommender(fn func(*Report) []string) Option {
	return func(m *Monitor) { m.recommend = fn }
}

// UsageSource reports the cumulative token usage split by the path it
// rode: traffic served over the free browser session, and traffic that
// spent money on the API key.
type UsageSource func() (browser, apiKey strategy.TokenUsage)

// WithUsage supplies the session token usage folded into the cycle's
// cost analysis. Without it the analysis reflects zero traffic.
func WithUsage(fn UsageSource) Option {
	return func(m *Monitor) { m.usage = fn }
}

// WithExtraProbers adds probers whose results are recorded in the
// report but do not influence the overall rating. Only the browser and
// API key paths decide that; an expired OAuth token should show up, not
// page anyone.
func WithExtraProbers(probers ...Prober) Option {
	return func(m *Monitor) { m.extras = append(m.extras, probers...) }
}

func withClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor builds a Monitor over the given probers.
func NewMonitor(cfg *config.Config, browser, apiKey Prober, analyzer *cost.Analyzer, log *zap.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		cfg:      cfg,
		browser:  browser,
		apiKey:   apiKey,
		analyzer: analyzer,
		log:      log,
		now:      time.Now,
		phase:    PhaseIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase reports the current cycle phase.
func (m *Monitor) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Monitor) setPhase(p string) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// Run executes one full probe cycle: probe browser, probe API key,
// aggregate, persist. Probe failures are recorded in the report, never
// returned; only a cancelled context aborts the cycle.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	if m.phase != PhaseIdle && m.phase != PhasePersisted {
		m.mu.Unlock()
		return nil, fmt.Errorf("health: probe cycle already in progress (%s)", m.phase)
	}
	m.phase = PhaseProbingBrowser
	m.mu.Unlock()
	defer m.setPhase(PhaseIdle)

	br := m.probe(ctx, m.browser)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.setPhase(PhaseProbingAPIKey)
	ak := m.probe(ctx, m.apiKey)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extras := make([]ProbeResult, 0, len(m.extras))
	for _, p := range m.extras {
		extras = append(extras, m.probe(ctx, p))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	m.setPhase(PhaseAggregating)
	report := m.aggregate(br, ak, extras)

	if err := m.persist(report); err != nil {
		// Persistence failure keeps the in-memory report usable.
		m.log.Warn("failed to persist health report", zap.Error(err))
	} else {
		m.setPhase(PhasePersisted)
	}
	return report, nil
}

// probe runs one prober under the configured timeout.
func (m *Monitor) probe(ctx context.Context, p Prober) ProbeResult {
	if p == nil {
		return ProbeResult{}
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout())
	defer cancel()

	m.log.Debug("probing strategy", zap.String("method", string(p.Method())))
	res := p.Probe(pctx)
	res.Method = p.Method()
	m.log.Info("probe finished",
		zap.String("method", string(res.Method)),
		zap.Bool("succeeded", res.Succeeded),
		zap.Duration("response_time", res.ResponseTime))
	return res
}

func (m *Monitor) aggregate(br, ak ProbeResult, extras []ProbeResult) *Report {
	report := &Report{
		SessionID: uuid.NewString(),
		Timestamp: m.now().UTC(),
		Methods: map[strategy.AuthMethod]MethodHealth{
			strategy.MethodBrowser: br.health(),
			strategy.MethodAPIKey:  ak.health(),
		},
		Alerts: []Alert{},
	}
	for _, res := range extras {
		report.Methods[res.Method] = res.health()
	}
	report.OverallHealth = rate(br, ak)
	report.Alerts = m.deriveAlerts(br, ak)

	var browserUsage, apiKeyUsage strategy.TokenUsage
	if m.usage != nil {
		browserUsage, apiKeyUsage = m.usage()
	}
	if m.analyzer != nil {
		analysis := m.analyzer.CompareMethods(br.Succeeded, ak.Succeeded, browserUsage, apiKeyUsage)
		recorded, err := m.analyzer.Record(analysis)
		if err != nil {
			m.log.Warn("failed to record cost analysis", zap.Error(err))
			recorded = analysis
		}
		report.CostAnalysis = recorded
	}

	if m.recommend != nil {
		report.Recommendations = m.recommend(report)
	}
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}
	return report
}

// rate folds two probe results into an overall rating. A working
// browser session dominates: it is the zero-cost path, so as long as it
// responds promptly the service is healthy regardless of the API key.
func rate(br, ak ProbeResult) string {
	switch {
	case !br.Succeeded && !ak.Succeeded:
		return StatusCritical
	case br.Succeeded && br.ResponseTime <= ResponseTimeWarning:
		return StatusHealthy
	default:
		// Browser slow, or browser down with the API key carrying.
		return StatusDegraded
	}
}

func (m *Monitor) deriveAlerts(br, ak ProbeResult) []Alert {
	alerts := []Alert{}

	for _, res := range []ProbeResult{br, ak} {
		if a, ok := responseTimeAlert(res); ok {
			alerts = append(alerts, a)
		}
		if res.CredentialsPresent && !res.Succeeded {
			alerts = append(alerts, Alert{
				Severity:        SeverityWarning,
				Message:         fmt.Sprintf("%s probe failed: %s", res.Method, res.Err),
				SuggestedAction: "verify credentials and service reachability",
			})
		}
	}

	if !br.Succeeded && !ak.Succeeded {
		alerts = append(alerts, Alert{
			Severity:        SeverityCritical,
			Message:         "no authentication method is currently available",
			SuggestedAction: "configure at least one authentication method immediately",
		})
	}

	if a, ok := m.failureRateAlert(br); ok {
		alerts = append(alerts, a)
	}
	return alerts
}

func responseTimeAlert(res ProbeResult) (Alert, bool) {
	if !res.Succeeded || res.ResponseTime <= ResponseTimeWarning {
		return Alert{}, false
	}
	severity := SeverityWarning
	if res.ResponseTime > ResponseTimeCritical {
		severity = SeverityCritical
	}
	return Alert{
		Severity: severity,
		Message: fmt.Sprintf("%s response time %.1fs exceeds %.0fs threshold",
			res.Method, res.ResponseTime.Seconds(), ResponseTimeWarning.Seconds()),
		SuggestedAction: "investigate network connectivity and upstream latency",
	}, true
}

// failureRateAlert inspects the browser outcome across recent persisted
// cycles, including the one in flight. Unavailable cycles (no
// credentials) do not count as failures.
func (m *Monitor) failureRateAlert(br ProbeResult) (Alert, bool) {
	recent := m.recentSnapshots(m.cfg.Health.FailureRateWindow - 1)

	total, failed := 0, 0
	count := func(available, credentialed bool) {
		if !credentialed {
			return
		}
		total++
		if !available {
			failed++
		}
	}
	count(br.Succeeded, br.CredentialsPresent)
	for _, r := range recent {
		mh, ok := r.Methods[strategy.MethodBrowser]
		if !ok {
			continue
		}
		count(mh.Available, mh.Status != MethodUnavailable)
	}

	if total < minFailureSamples {
		return Alert{}, false
	}
	ratio := float64(failed) / float64(total)
	if ratio < FailureRateWarning {
		return Alert{}, false
	}
	severity := SeverityWarning
	if ratio >= FailureRateCritical {
		severity = SeverityCritical
	}
	return Alert{
		Severity: severity,
		Message: fmt.Sprintf("browser failure rate %.0f%% over last %d cycles",
			ratio*100, total),
		SuggestedAction: "refresh browser session credentials",
	}, true
}

// recentSnapshots loads up to n of the most recent persisted reports.
// Unreadable snapshots are skipped; history gaps must not block a
// cycle.
func (m *Monitor) recentSnapshots(n int) []*Report {
	if n <= 0 {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.Health.SnapshotDir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// Snapshot names embed an RFC 3339 timestamp, so lexical order is
	// chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > n {
		names = names[:n]
	}

	reports := make([]*Report, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(m.cfg.Health.SnapshotDir, name))
		if err != nil {
			continue
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			m.log.Warn("skipping corrupt health snapshot", zap.String("file", name), zap.Error(err))
			continue
		}
		reports = append(reports, &r)
	}
	return reports
}

// persist writes the latest-report file and a timestamped snapshot.
func (m *Monitor) persist(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}

	if dir := filepath.Dir(m.cfg.Health.ReportPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(m.cfg.Health.ReportPath, data, 0644); err != nil {
		return fmt.Errorf("write health report: %w", err)
	}

	if err := os.MkdirAll(m.cfg.Health.SnapshotDir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	name := fmt.Sprintf("health-%s.json", report.Timestamp.Format("2006-01-02T15-04-05Z"))
	if err := os.WriteFile(filepath.Join(m.cfg.Health.SnapshotDir, name), data, 0644); err != nil {
		return fmt.Errorf("write health snapshot: %w", err)
	}
	return nil
}

// LoadLatest reads the most recently persisted report. A corrupt file
// is an error the caller must surface, never silently replaced.
func LoadLatest(cfg *config.Config) (*Report, error) {
	data, err := os.ReadFile(cfg.Health.ReportPath)
	if err != nil {
		return nil, fmt.Errorf("read health report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse health report %s: %w", cfg.Health.ReportPath, err)
	}
	return &r, nil
}
