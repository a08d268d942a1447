package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"claudegate/internal/config"
	"claudegate/internal/cost"
	"claudegate/internal/health"
	"claudegate/internal/recommend"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	skipBrowser bool
	timeout     time.Duration

	// Loaded in PersistentPreRunE
	cfg        *config.Config
	runtimeEnv config.RuntimeEnvironment
	logger     *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "claudegate",
	Short: "claudegate - authentication-resilient gateway for AI completions",
	Long: `claudegate routes AI completion traffic over the cheapest working
authentication strategy: a free browser session when one is configured,
falling back to OAuth tokens or a paid API key.

It probes each strategy on demand, rates overall health, tracks the
money the free path saves, and persists reports for dashboards.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Resolved once here and threaded through constructors; no
		// component re-queries these flags.
		runtimeEnv = config.ResolveRuntimeFromEnv()
		if skipBrowser {
			runtimeEnv.SkipBrowser = true
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// healthCheckCmd runs one full probe cycle and prints the report.
var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe every authentication strategy and report overall health",
	Long: `Runs one probe cycle: checks the browser session end to end, checks
the API key with a zero-cost request, aggregates the results, and
persists the report.

Exits 0 when overall health is healthy or degraded, 1 when critical.`,
	RunE: runHealthCheck,
}

// summaryCmd prints the most recently persisted report.
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the last persisted health report",
	RunE:  runSummary,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "claudegate.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&skipBrowser, "skip-browser", false, "Skip the browser strategy for this run")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(healthCheckCmd)
	rootCmd.AddCommand(summaryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	analyzer := cost.NewAnalyzer(cfg, logger)
	monitor := health.NewMonitor(cfg,
		health.NewBrowserProber(cfg, runtimeEnv, logger),
		health.NewAPIKeyProber(cfg, logger),
		analyzer, logger,
		health.WithExtraProbers(health.NewOAuthProber(cfg, logger)),
		health.WithRecommender(recommend.Derive))

	report, err := monitor.Run(ctx)
	if err != nil {
		return fmt.Errorf("probe cycle failed: %w", err)
	}

	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if report.OverallHealth == health.StatusCritical {
		return fmt.Errorf("overall health is critical")
	}
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	report, err := health.LoadLatest(cfg)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
