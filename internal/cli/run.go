package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var runInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily detection service",
	Long:  "Run detects once per scheduler interval on the most recent complete billing day, persists the reports and dispatches alerts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runInterval > 0 {
			a.Config.Scheduler.Interval = runInterval
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Override scheduler.interval")
}
