package cost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"claudegate/internal/config"
	"claudegate/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cost.HistoryPath = filepath.Join(t.TempDir(), "cost-history.json")
	return NewAnalyzer(cfg, nil)
}

func TestEstimate(t *testing.T) {
	a := newAnalyzer(t)
	usage := strategy.TokenUsage{Input: 1_000_000, Output: 1_000_000}

	t.Run("api key usage priced at configured rates", func(t *testing.T) {
		// Defaults: $3/MTok in, $15/MTok out.
		assert.InDelta(t, 18.0, a.Estimate(strategy.MethodAPIKey, usage), 1e-9)
	})

	t.Run("free paths cost nothing", func(t *testing.T) {
		assert.Zero(t, a.Estimate(strategy.MethodBrowser, usage))
		assert.Zero(t, a.Estimate(strategy.MethodOAuth, usage))
		assert.Zero(t, a.Estimate(strategy.MethodUnavailable, usage))
	})

	t.Run("savings equals paid-path price", func(t *testing.T) {
		assert.InDelta(t, 18.0, a.Savings(usage), 1e-9)
	})
}

func TestCompareMethods(t *testing.T) {
	a := newAnalyzer(t)
	usage := strategy.TokenUsage{Input: 2_000_000, Output: 0} // $6 at default rates
	none := strategy.TokenUsage{}

	t.Run("browser available dominates", func(t *testing.T) {
		got := a.CompareMethods(true, true, usage, none)
		assert.Equal(t, strategy.MethodBrowser, got.CurrentMethod)
		assert.InDelta(t, 6.0, got.BrowserSavingsUSD, 1e-9)
		assert.Zero(t, got.APIKeyCostUSD)
		assert.InDelta(t, 100.0, got.EfficiencyPercent, 1e-9)
	})

	t.Run("api key fallback", func(t *testing.T) {
		got := a.CompareMethods(false, true, none, usage)
		assert.Equal(t, strategy.MethodAPIKey, got.CurrentMethod)
		assert.InDelta(t, 6.0, got.APIKeyCostUSD, 1e-9)
		assert.Zero(t, got.BrowserSavingsUSD)
		assert.Zero(t, got.EfficiencyPercent)
	})

	t.Run("mixed traffic lands between the extremes", func(t *testing.T) {
		// $18 saved on the free path, $54 spent on the paid one.
		browserUsage := strategy.TokenUsage{Input: 1_000_000, Output: 1_000_000}
		apiUsage := strategy.TokenUsage{Input: 3_000_000, Output: 3_000_000}

		got := a.CompareMethods(true, true, browserUsage, apiUsage)
		assert.InDelta(t, 18.0, got.BrowserSavingsUSD, 1e-9)
		assert.InDelta(t, 54.0, got.APIKeyCostUSD, 1e-9)
		assert.InDelta(t, 25.0, got.EfficiencyPercent, 1e-9)
	})

	t.Run("neither available", func(t *testing.T) {
		got := a.CompareMethods(false, false, none, none)
		assert.Equal(t, strategy.MethodUnavailable, got.CurrentMethod)
	})

	t.Run("zero usage on both sides yields zero efficiency, not NaN", func(t *testing.T) {
		got := a.CompareMethods(true, true, none, none)
		assert.Zero(t, got.EfficiencyPercent)
		assert.False(t, got.EfficiencyPercent != got.EfficiencyPercent, "must not be NaN")
	})

	t.Run("efficiency stays within bounds", func(t *testing.T) {
		for _, in := range []int64{0, 1, 999, 5_000_000} {
			got := a.CompareMethods(true, false, strategy.TokenUsage{Input: in}, strategy.TokenUsage{Input: in / 2})
			assert.GreaterOrEqual(t, got.EfficiencyPercent, 0.0)
			assert.LessOrEqual(t, got.EfficiencyPercent, 100.0)
		}
	})
}

func TestHistoryPruning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cost-history.json")
	h := NewHistory(path, 30*24*time.Hour, nil)

	stale := Analysis{
		Timestamp:         time.Now().Add(-31 * 24 * time.Hour),
		CurrentMethod:     strategy.MethodBrowser,
		BrowserSavingsUSD: 1.0,
	}
	fresh := Analysis{
		Timestamp:         time.Now().Add(-time.Hour),
		CurrentMethod:     strategy.MethodBrowser,
		BrowserSavingsUSD: 2.0,
	}

	_, err := h.Append(stale)
	require.NoError(t, err)
	entries, err := h.Append(fresh)
	require.NoError(t, err)

	// The 31-day-old entry is gone after the next write cycle.
	require.Len(t, entries, 1)
	assert.InDelta(t, 2.0, entries[0].BrowserSavingsUSD, 1e-9)

	// And gone from disk, not just from memory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file historyFile
	require.NoError(t, json.Unmarshal(data, &file))
	require.Len(t, file.History, 1)
}

func TestHistoryCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cost-history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	h := NewHistory(path, 30*24*time.Hour, nil)

	_, err := h.Load()
	assert.Error(t, err)

	// Appending recovers by starting a fresh history.
	entries, err := h.Append(Analysis{Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordProjection(t *testing.T) {
	a := newAnalyzer(t)

	// Two cycles a day apart, $3 each.
	old := a.CompareMethods(true, false, strategy.TokenUsage{Input: 1_000_000}, strategy.TokenUsage{})
	old.Timestamp = time.Now().Add(-24 * time.Hour)
	_, err := a.Record(old)
	require.NoError(t, err)

	current := a.CompareMethods(true, false, strategy.TokenUsage{Input: 1_000_000}, strategy.TokenUsage{})
	recorded, err := a.Record(current)
	require.NoError(t, err)

	assert.InDelta(t, 180.0, recorded.MonthlyProjectionUSD, 1.0)
}
