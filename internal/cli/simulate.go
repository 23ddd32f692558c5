package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"cost-anomaly-alerts/internal/app"
)

var (
	simulateDays     int
	simulateBaseline float64
	simulateSpike    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run detection over a synthetic window with a spike and send the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBaseline <= 0 || simulateSpike <= 1 {
			return errors.New("--baseline must be > 0 and --spike must be > 1")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Days:     simulateDays,
			Baseline: simulateBaseline,
			Spike:    simulateSpike,
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateDays, "days", 30, "Length of the synthetic window")
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 100, "Typical daily cost")
	simulateCmd.Flags().Float64Var(&simulateSpike, "spike", 4, "Last-day cost as a multiple of the baseline")
}
