package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"claudegate/internal/config"
	"claudegate/internal/cost"
	"claudegate/internal/strategy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubProber struct {
	method strategy.AuthMethod
	result ProbeResult
	calls  int
}

func (s *stubProber) Method() strategy.AuthMethod { return s.method }

func (s *stubProber) Probe(ctx context.Context) ProbeResult {
	s.calls++
	return s.result
}

func okProbe(rt time.Duration) ProbeResult {
	return ProbeResult{Succeeded: true, CredentialsPresent: true, ResponseTime: rt}
}

func failedProbe(errMsg string) ProbeResult {
	return ProbeResult{CredentialsPresent: true, Err: errMsg}
}

func unavailableProbe() ProbeResult {
	return ProbeResult{}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Health.ReportPath = filepath.Join(dir, "health-report.json")
	cfg.Health.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Cost.HistoryPath = filepath.Join(dir, "cost-history.json")
	return cfg
}

func newTestMonitor(t *testing.T, br, ak ProbeResult, opts ...Option) (*Monitor, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	analyzer := cost.NewAnalyzer(cfg, zap.NewNop())
	m := NewMonitor(cfg,
		&stubProber{method: strategy.MethodBrowser, result: br},
		&stubProber{method: strategy.MethodAPIKey, result: ak},
		analyzer, zap.NewNop(), opts...)
	return m, cfg
}

func TestRate(t *testing.T) {
	tests := []struct {
		name string
		br   ProbeResult
		ak   ProbeResult
		want string
	}{
		{"browser ok dominates", okProbe(2 * time.Second), failedProbe("boom"), StatusHealthy},
		{"browser ok api key ok", okProbe(2 * time.Second), okProbe(time.Second), StatusHealthy},
		{"browser ok api key unavailable", okProbe(2 * time.Second), unavailableProbe(), StatusHealthy},
		{"browser down api key carries", failedProbe("boom"), okProbe(time.Second), StatusDegraded},
		{"browser unavailable api key carries", unavailableProbe(), okProbe(time.Second), StatusDegraded},
		{"browser slow", okProbe(40 * time.Second), okProbe(time.Second), StatusDegraded},
		{"both down", failedProbe("boom"), failedProbe("denied"), StatusCritical},
		{"both unavailable", unavailableProbe(), unavailableProbe(), StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rate(tt.br, tt.ak))
		})
	}
}

func TestProbeResultHealth(t *testing.T) {
	t.Run("operational", func(t *testing.T) {
		mh := okProbe(3 * time.Second).health()
		assert.Equal(t, MethodOperational, mh.Status)
		assert.True(t, mh.Available)
		assert.Equal(t, int64(3000), mh.ResponseTimeMs)
	})

	t.Run("slow", func(t *testing.T) {
		mh := okProbe(31 * time.Second).health()
		assert.Equal(t, MethodSlow, mh.Status)
		assert.True(t, mh.Available)
	})

	t.Run("failed keeps error", func(t *testing.T) {
		mh := failedProbe("navigation timeout").health()
		assert.Equal(t, MethodFailed, mh.Status)
		assert.False(t, mh.Available)
		assert.Equal(t, "navigation timeout", mh.Error)
	})

	t.Run("unavailable without credentials", func(t *testing.T) {
		mh := unavailableProbe().health()
		assert.Equal(t, MethodUnavailable, mh.Status)
		assert.False(t, mh.Available)
	})
}

func TestRunAPIKeyOnlyEnvironment(t *testing.T) {
	// No browser credentials, working API key.
	m, _ := newTestMonitor(t, unavailableProbe(), okProbe(800*time.Millisecond),
		WithRecommender(func(r *Report) []string {
			return []string{"configure browser authentication for zero-cost usage"}
		}))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, report.OverallHealth)
	assert.Equal(t, MethodUnavailable, report.Methods[strategy.MethodBrowser].Status)
	assert.Equal(t, MethodOperational, report.Methods[strategy.MethodAPIKey].Status)
	assert.Contains(t, report.Recommendations, "configure browser authentication for zero-cost usage")
	assert.Empty(t, report.Alerts, "missing credentials are not alert-worthy")
}

func TestRunHealthyBrowserEnvironment(t *testing.T) {
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	m, _ := newTestMonitor(t, okProbe(2*time.Second), unavailableProbe(),
		withClock(func() time.Time { return fixed }))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusHealthy, report.OverallHealth)
	assert.Empty(t, report.Alerts)
	assert.NotEmpty(t, report.SessionID)
	assert.Equal(t, fixed, report.Timestamp)
}

func TestRunSlowBrowserRaisesWarning(t *testing.T) {
	m, _ := newTestMonitor(t, okProbe(40*time.Second), okProbe(time.Second))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, report.OverallHealth)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, SeverityWarning, report.Alerts[0].Severity)
	assert.Contains(t, report.Alerts[0].Message, "40.0s")
}

func TestRunVerySlowBrowserIsCriticalAlert(t *testing.T) {
	m, _ := newTestMonitor(t, okProbe(65*time.Second), unavailableProbe())

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Alerts, 1)
	assert.Equal(t, SeverityCritical, report.Alerts[0].Severity)
}

func TestRunBothMethodsDown(t *testing.T) {
	m, _ := newTestMonitor(t, failedProbe("session expired"), failedProbe("401"))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCritical, report.OverallHealth)

	var critical *Alert
	for i := range report.Alerts {
		if report.Alerts[i].Severity == SeverityCritical {
			critical = &report.Alerts[i]
		}
	}
	require.NotNil(t, critical)
	assert.Equal(t, "configure at least one authentication method immediately", critical.SuggestedAction)
}

func TestRunPersistsLatestAndSnapshot(t *testing.T) {
	m, cfg := newTestMonitor(t, okProbe(2*time.Second), okProbe(time.Second))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	loaded, err := LoadLatest(cfg)
	require.NoError(t, err)
	assert.Equal(t, report.SessionID, loaded.SessionID)
	assert.Equal(t, report.OverallHealth, loaded.OverallHealth)
	assert.Len(t, loaded.Alerts, len(report.Alerts))
	assert.Equal(t, report.Methods[strategy.MethodBrowser].Status,
		loaded.Methods[strategy.MethodBrowser].Status)

	entries, err := os.ReadDir(cfg.Health.SnapshotDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunSurvivesPersistenceFailure(t *testing.T) {
	m, cfg := newTestMonitor(t, okProbe(time.Second), unavailableProbe())
	// Park the report path under a regular file so directory creation fails.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.Health.ReportPath = filepath.Join(blocker, "sub", "report.json")

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.OverallHealth)
}

func TestRunRespectsCancelledContext(t *testing.T) {
	m, _ := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailureRateAlert(t *testing.T) {
	seed := func(t *testing.T, cfg *config.Config, failures, successes int) {
		t.Helper()
		require.NoError(t, os.MkdirAll(cfg.Health.SnapshotDir, 0755))
		write := func(i int, available bool) {
			status := MethodOperational
			if !available {
				status = MethodFailed
			}
			r := Report{
				SessionID: fmt.Sprintf("seed-%02d", i),
				Timestamp: time.Now().Add(-time.Duration(i) * time.Hour),
				Methods: map[strategy.AuthMethod]MethodHealth{
					strategy.MethodBrowser: {Status: status, Available: available},
					strategy.MethodAPIKey:  {Status: MethodOperational, Available: true},
				},
				OverallHealth: StatusHealthy,
			}
			data, err := json.Marshal(r)
			require.NoError(t, err)
			name := fmt.Sprintf("health-%s.json", r.Timestamp.UTC().Format("2006-01-02T15-04-05Z"))
			require.NoError(t, os.WriteFile(filepath.Join(cfg.Health.SnapshotDir, name), data, 0644))
		}
		i := 0
		for ; i < failures; i++ {
			write(i, false)
		}
		for ; i < failures+successes; i++ {
			write(i, true)
		}
	}

	t.Run("warning above 20 percent", func(t *testing.T) {
		m, cfg := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second))
		seed(t, cfg, 3, 6) // 3 failures in 10 cycles counting this one

		report, err := m.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Alerts, 1)
		assert.Equal(t, SeverityWarning, report.Alerts[0].Severity)
		assert.Contains(t, report.Alerts[0].Message, "failure rate")
	})

	t.Run("critical at 50 percent", func(t *testing.T) {
		m, cfg := newTestMonitor(t, failedProbe("session expired"), okProbe(time.Second))
		seed(t, cfg, 4, 3) // 5 failures in 8 cycles counting this one

		report, err := m.Run(context.Background())
		require.NoError(t, err)

		var found bool
		for _, a := range report.Alerts {
			if a.Severity == SeverityCritical && a.SuggestedAction == "refresh browser session credentials" {
				found = true
			}
		}
		assert.True(t, found, "expected critical failure-rate alert, got %+v", report.Alerts)
	})

	t.Run("too few samples stays quiet", func(t *testing.T) {
		m, cfg := newTestMonitor(t, failedProbe("boom"), okProbe(time.Second))
		seed(t, cfg, 1, 1)

		report, err := m.Run(context.Background())
		require.NoError(t, err)
		for _, a := range report.Alerts {
			assert.NotContains(t, a.Message, "failure rate")
		}
	})

	t.Run("corrupt snapshots are skipped", func(t *testing.T) {
		m, cfg := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second))
		require.NoError(t, os.MkdirAll(cfg.Health.SnapshotDir, 0755))
		require.NoError(t, os.WriteFile(
			filepath.Join(cfg.Health.SnapshotDir, "health-garbage.json"), []byte("{nope"), 0644))

		report, err := m.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusHealthy, report.OverallHealth)
	})
}

func TestRunExtraProbersRecordedButNotRated(t *testing.T) {
	oauthProber := &stubProber{method: strategy.MethodOAuth, result: failedProbe("refresh failed")}
	m, _ := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second),
		WithExtraProbers(oauthProber))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, oauthProber.calls)
	assert.Equal(t, MethodFailed, report.Methods[strategy.MethodOAuth].Status)
	assert.Equal(t, StatusHealthy, report.OverallHealth, "extra probers must not change the rating")
}

func TestPhaseTransitions(t *testing.T) {
	m, _ := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second))
	assert.Equal(t, PhaseIdle, m.Phase())

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, m.Phase())
}

func TestLoadLatestCorruptFileErrors(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Health.ReportPath), 0755))
	require.NoError(t, os.WriteFile(cfg.Health.ReportPath, []byte("not json"), 0644))

	_, err := LoadLatest(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse health report")
}

func TestLoadLatestMissingFileErrors(t *testing.T) {
	cfg := testConfig(t)
	_, err := LoadLatest(cfg)
	assert.Error(t, err)
}

func TestRunRecordsCostAnalysis(t *testing.T) {
	browserUsage := strategy.TokenUsage{Input: 1_000_000, Output: 1_000_000}
	m, cfg := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second),
		WithUsage(func() (strategy.TokenUsage, strategy.TokenUsage) {
			return browserUsage, strategy.TokenUsage{}
		}))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, strategy.MethodBrowser, report.CostAnalysis.CurrentMethod)
	assert.InDelta(t, 18.0, report.CostAnalysis.BrowserSavingsUSD, 0.001)
	assert.InDelta(t, 100.0, report.CostAnalysis.EfficiencyPercent, 0.001)

	// The cycle also appends to the cost history file.
	data, err := os.ReadFile(cfg.Cost.HistoryPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "browser_savings_usd")
}

func TestRunMixedUsageYieldsIntermediateEfficiency(t *testing.T) {
	// $18 saved on the free path against $54 spent on the paid one.
	m, _ := newTestMonitor(t, okProbe(time.Second), okProbe(time.Second),
		WithUsage(func() (strategy.TokenUsage, strategy.TokenUsage) {
			return strategy.TokenUsage{Input: 1_000_000, Output: 1_000_000},
				strategy.TokenUsage{Input: 3_000_000, Output: 3_000_000}
		}))

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 25.0, report.CostAnalysis.EfficiencyPercent, 0.001)
	assert.Greater(t, report.CostAnalysis.EfficiencyPercent, 0.0)
	assert.Less(t, report.CostAnalysis.EfficiencyPercent, 100.0)
}
