package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"claudegate/internal/config"
	"claudegate/internal/health"
	"claudegate/internal/strategy"
)

func testCommand() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	return cmd, &buf
}

func seedReport(t *testing.T) *health.Report {
	t.Helper()
	report := &health.Report{
		SessionID: "11111111-2222-3333-4444-555555555555",
		Timestamp: time.Now().UTC(),
		Methods: map[strategy.AuthMethod]health.MethodHealth{
			strategy.MethodBrowser: {Status: health.MethodOperational, Available: true, ResponseTimeMs: 2100},
			strategy.MethodAPIKey:  {Status: health.MethodUnavailable},
		},
		Alerts:          []health.Alert{},
		Recommendations: []string{},
		OverallHealth:   health.StatusHealthy,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Health.ReportPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.Health.ReportPath, data, 0644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return report
}

func setupConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	logger = zap.NewNop()
	runtimeEnv = config.RuntimeEnvironment{}
	cfg = config.DefaultConfig()
	cfg.Health.ReportPath = filepath.Join(dir, "health-report.json")
	cfg.Health.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Cost.HistoryPath = filepath.Join(dir, "cost-history.json")
}

func TestRunSummaryPrintsLastReport(t *testing.T) {
	setupConfig(t)
	report := seedReport(t)

	cmd, buf := testCommand()
	if err := runSummary(cmd, nil); err != nil {
		t.Fatalf("runSummary returned error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, report.SessionID) {
		t.Fatalf("expected session id in output, got: %s", out)
	}
	if !strings.Contains(out, `"overall_health": "healthy"`) {
		t.Fatalf("expected overall health in output, got: %s", out)
	}
}

func TestRunSummaryMissingReport(t *testing.T) {
	setupConfig(t)

	cmd, _ := testCommand()
	if err := runSummary(cmd, nil); err == nil {
		t.Fatal("expected error for missing report")
	}
}

func TestRunSummaryCorruptReport(t *testing.T) {
	setupConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.Health.ReportPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.Health.ReportPath, []byte("{broken"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmd, _ := testCommand()
	err := runSummary(cmd, nil)
	if err == nil {
		t.Fatal("expected error for corrupt report")
	}
	if !strings.Contains(err.Error(), "parse health report") {
		t.Fatalf("expected parse error, got: %v", err)
	}
}

func TestRunHealthCheckWithoutAnyCredentials(t *testing.T) {
	setupConfig(t)
	timeout = time.Minute
	runtimeEnv = config.RuntimeEnvironment{SkipBrowser: true}
	t.Setenv(config.EnvSessionKey, "")
	t.Setenv(config.EnvOrgID, "")
	t.Setenv(config.EnvAPIKey, "")

	cmd, buf := testCommand()
	err := runHealthCheck(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "critical") {
		t.Fatalf("expected critical health error, got: %v", err)
	}
	if !strings.Contains(buf.String(), `"overall_health": "critical"`) {
		t.Fatalf("expected critical report printed, got: %s", buf.String())
	}
}
