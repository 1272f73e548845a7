package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagOutput    string
	flagFormat    string
	flagWorkers   int
	flagBatchSize int
)

var correlateCmd = &cobra.Command{
	Use:   "correlate [input]",
	Short: "Enrich a CVE record stream with taxonomy correlations",
	Long: `correlate reads newline-delimited input records (.jsonl/.ndjson) or an NVD
JSON feed (.json), expands each CVE across the taxonomy tables and writes one
enriched line per CVE, sorted by CVE id. Without an argument the retrieval
spool is used.

Malformed input lines and CVEs whose correlation fails part way are counted
in the summary; they do not fail the command.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCorrelate,
}

func init() {
	addOutputFlags(correlateCmd)
	rootCmd.AddCommand(correlateCmd)
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output NDJSON path")
	cmd.Flags().StringVarP(&flagFormat, "format", "f", "", "Summary format: terminal, json")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "Maximum concurrent correlation chunks")
	cmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "Records per correlation chunk")
}

func applyOutputFlags() error {
	if flagOutput != "" {
		config.Output.Path = flagOutput
	}
	if flagFormat != "" {
		config.Output.Format = flagFormat
	}
	if flagWorkers > 0 {
		config.Processing.MaxWorkers = flagWorkers
	}
	if flagBatchSize > 0 {
		config.Processing.BatchSize = flagBatchSize
	}
	return revalidate()
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	if err := applyOutputFlags(); err != nil {
		return err
	}

	input := config.Retrieval.SpoolPath
	if len(args) == 1 {
		input = args[0]
	}

	ctx, stop := signalContext()
	defer stop()

	p := newPipeline()
	defer writeMetrics(p)

	summary, err := p.Correlate(ctx, input)
	if err != nil {
		return fmt.Errorf("correlation failed: %w", err)
	}
	return report(summary)
}
