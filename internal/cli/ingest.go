package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cost-anomaly-alerts/internal/app"
)

var (
	ingestFrom      string
	ingestTo        string
	ingestDryRun    bool
	ingestChunkDays int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Copy daily costs from the billing API into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFrom == "" {
			return fmt.Errorf("--from must be provided")
		}

		from, err := parseDay("from", ingestFrom, defaultAsOf())
		if err != nil {
			return err
		}
		to, err := parseDay("to", ingestTo, defaultAsOf())
		if err != nil {
			return err
		}
		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.IngestOptions{
			From:      from,
			To:        to,
			DryRun:    ingestDryRun,
			ChunkDays: ingestChunkDays,
		}
		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	ingestCmd.Flags().StringVar(&ingestTo, "to", "", "Last day (YYYY-MM-DD, inclusive, defaults to now minus scheduler.lag)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Fetch without writing to storage")
	ingestCmd.Flags().IntVar(&ingestChunkDays, "chunk-days", 31, "Days requested per billing API call")
}
