package cli

import (
	"github.com/spf13/cobra"

	"cost-anomaly-alerts/internal/app"
)

var (
	exportAsOf     string
	exportPNGPath  string
	exportCSVPath  string
	exportJSONPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a detection window as CSV, PNG chart and/or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseDay("as-of", exportAsOf, defaultAsOf())
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			AsOf:     asOf,
			PNGPath:  exportPNGPath,
			CSVPath:  exportCSVPath,
			JSONPath: exportJSONPath,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAsOf, "as-of", "", "Last day of the window (YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportJSONPath, "json", "", "Path to write the run report as JSON")
}
