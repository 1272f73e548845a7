package cmd

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Retrieve the catalog, then correlate the retrieved records",
	Args:  cobra.NoArgs,
	RunE:  runPipeline,
}

func init() {
	addRetrievalFlags(runCmd)
	addOutputFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	if err := applyRetrievalFlags(); err != nil {
		return err
	}
	if err := applyOutputFlags(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	p := newPipeline()
	defer writeMetrics(p)

	summary, err := p.Run(ctx, flagRestart)
	if err != nil {
		return err
	}
	return report(summary)
}
