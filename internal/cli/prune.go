package cli

import (
	"time"

	"github.com/spf13/cobra"

	"cost-anomaly-alerts/internal/app"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete anomaly reports older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: pruneOlderThan,
			DryRun:    pruneDryRun,
		})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 90*24*time.Hour, "Retention window")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Only print the cutoff")
}
