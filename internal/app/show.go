package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/storage"
)

// Show prints recently appended anomaly reports.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show reports")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reports, err := store.ListRecentReports(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return a.printReports(reports)
}

func (a *App) printReports(reports []storage.ReportRecord) error {
	if len(reports) == 0 {
		fmt.Fprintln(a.Out, "no anomaly reports found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Day\tKind\tSeverity\tTotal\tMedian\tZ\tTop contributor\tDegraded\tDetected (UTC)\tRun")

	for _, rep := range reports {
		top := "-"
		if len(rep.Contributions) > 0 {
			c := rep.Contributions[0]
			top = fmt.Sprintf("%s (%s)", c.Name, c.Delta.StringFixed(2))
		}
		degraded := ""
		if rep.Degraded {
			degraded = sanitizeInline(rep.DegradedReason)
			if degraded == "" {
				degraded = "yes"
			}
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			rep.Day.Format(detector.DateLayout),
			rep.Kind,
			rep.Severity,
			rep.Total.StringFixed(2),
			rep.Median.StringFixed(2),
			rep.ZScore,
			top,
			degraded,
			rep.DetectedAt.UTC().Format(time.RFC3339),
			rep.RunID,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
