package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var defendSyncCmd = &cobra.Command{
	Use:   "defend-sync",
	Short: "Refresh defensive technique mappings from D3FEND",
	Long: `defend-sync asks the D3FEND API for the defensive techniques mapped to
every technique in taxonomy.techniques_file and writes the table back with
the results. Lookups that fail keep their previous mappings; an open circuit
aborts the sync without touching the file.`,
	Args: cobra.NoArgs,
	RunE: runDefendSync,
}

func init() {
	rootCmd.AddCommand(defendSyncCmd)
}

func runDefendSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	p := newPipeline()
	defer writeMetrics(p)

	res, err := p.SyncDefenses(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d techniques: %d mapped, %d failed\n",
		res.Techniques, res.Mapped, res.Failed)
	return nil
}
