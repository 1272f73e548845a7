package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethanolivertroy/cvechain/internal/retrieval"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint of an interrupted retrieval",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	store := retrieval.NewCheckpointStore(config.Retrieval.CheckpointPath)
	cp, err := store.Load()
	if err != nil {
		return fmt.Errorf("checkpoint %s is unreadable (retrieve --restart discards it): %w", store.Path(), err)
	}

	out := cmd.OutOrStdout()
	if cp == nil {
		fmt.Fprintln(out, "No retrieval in progress.")
		return nil
	}

	saved := cp.Time()
	fmt.Fprintf(out, "Retrieval in progress (%s)\n", store.Path())
	fmt.Fprintf(out, "   Resume index:    %d\n", cp.LastIndex)
	fmt.Fprintf(out, "   Retrieved:       %d\n", cp.TotalRetrieved)
	fmt.Fprintf(out, "   Request delay:   %s\n", cp.Delay())
	fmt.Fprintf(out, "   Saved:           %s (%s ago)\n",
		saved.Format(time.RFC3339), time.Since(saved).Round(time.Second))
	return nil
}
