package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ethanolivertroy/cvechain/internal/logging"
	"github.com/ethanolivertroy/cvechain/internal/metrics"
	"github.com/ethanolivertroy/cvechain/internal/models"
	"github.com/ethanolivertroy/cvechain/internal/pipeline"
	"github.com/ethanolivertroy/cvechain/internal/reporter"
)

var (
	flagConfig     string
	flagLogLevel   string
	flagLogFormat  string
	flagMetricsOut string
)

// state built once per invocation by the persistent pre-run
var (
	config *models.Config
	logger *zap.Logger
	runID  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cvechain",
	Short: "Retrieve CVEs and correlate them across weakness and attack taxonomies",
	Long: `cvechain pages through the NVD CVE catalog and enriches each CVE with
the taxonomy chain behind its weaknesses:

  weakness (CWE) -> attack pattern (CAPEC) -> technique (ATT&CK)
                 -> defensive technique (D3FEND)
  weakness (CWE) -> risk category (OWASP Top 10)

Retrieval is rate limited, retried and checkpointed, so an interrupted run
resumes where it stopped. Correlation reads taxonomy tables produced by an
external loader and writes one NDJSON line per CVE.

Examples:
  # Retrieve everything published in 2024 and correlate it
  cvechain run --pub-start 2024-01-01T00:00:00.000 --pub-end 2024-12-31T23:59:59.999

  # Correlate an existing record stream
  cvechain correlate input.jsonl --output results/enriched.jsonl

  # Show the state of an interrupted retrieval
  cvechain status

  # Refresh technique -> defensive technique mappings
  cvechain defend-sync`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// A fatal error exits with status 1; partial results do not.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "TOML config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log encoding: console, json")
	rootCmd.PersistentFlags().StringVar(&flagMetricsOut, "metrics-out", "", "Write prometheus metrics to this textfile when done")
}

// setup loads the config, applies global flag overrides and builds the logger
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := models.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Encoding = flagLogFormat
	}
	if flagMetricsOut != "" {
		cfg.Output.MetricsOut = flagMetricsOut
	}

	l, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		return err
	}

	runID = uuid.NewString()
	config = cfg
	logger = l.With(zap.String("run_id", runID))
	return nil
}

// revalidate checks the config again after command-specific flag overrides
func revalidate() error {
	return config.Validate()
}

// signalContext is cancelled on SIGINT or SIGTERM so the retrieval loop can
// save its checkpoint before exiting
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newPipeline() *pipeline.Pipeline {
	return pipeline.New(config, logger, metrics.New(), pipeline.WithRunID(runID))
}

// writeMetrics exports the run's metrics when a textfile path is configured
func writeMetrics(p *pipeline.Pipeline) {
	if config.Output.MetricsOut == "" {
		return
	}
	if err := p.Metrics().WriteTextfile(config.Output.MetricsOut); err != nil {
		logger.Warn("Failed to write metrics", zap.String("path", config.Output.MetricsOut), zap.Error(err))
	}
}

// report prints the run summary to stdout in the configured format
func report(s models.Summary) error {
	output, err := reporter.Get(config.Output.Format).Report(s)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	fmt.Print(string(output))
	return nil
}
