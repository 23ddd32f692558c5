package cli

import (
	"github.com/spf13/cobra"

	"cost-anomaly-alerts/internal/app"
)

var (
	detectAsOf    string
	detectJSON    bool
	detectPersist bool
	detectNotify  bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run detection once for the window ending on --as-of",
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseDay("as-of", detectAsOf, defaultAsOf())
		if err != nil {
			return err
		}

		opts := app.DetectOptions{
			AsOf:    asOf,
			JSON:    detectJSON,
			Persist: detectPersist,
			Notify:  detectNotify,
		}
		return getApp().Detect(cmd.Context(), opts)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectAsOf, "as-of", "", "Last day of the window (YYYY-MM-DD, defaults to now minus scheduler.lag)")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Print the run as JSON")
	detectCmd.Flags().BoolVar(&detectPersist, "persist", false, "Append the run and its reports to the database")
	detectCmd.Flags().BoolVar(&detectNotify, "notify", false, "Send alerts through the configured channels")
}
