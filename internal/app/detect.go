package app

import (
	"context"
	"errors"
	"fmt"

	"cost-anomaly-alerts/internal/alerting"
	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/service"
	"cost-anomaly-alerts/internal/storage"
)

// Detect runs a single detection for the window ending on opts.AsOf and
// prints the result.
func (a *App) Detect(ctx context.Context, opts DetectOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var reportStore storage.ReportStore
	if opts.Persist {
		if store == nil {
			return errors.New("database not configured; cannot persist reports")
		}
		reportStore = store
	}

	var notifier alerting.Notifier
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			a.Logger.Warn().Msg("alerting disabled; --notify ignored")
		}
		notifier = a.newNotifier()
	}

	window, prior, closeSources, err := a.sources(ctx, store)
	if err != nil {
		return err
	}
	defer closeSources()

	svc := service.New(a.Config, nil, window, prior, reportStore, notifier, a.Logger)

	var run detector.Run
	if opts.Persist || opts.Notify {
		run, err = svc.ProcessDay(ctx, opts.AsOf)
	} else {
		run, err = svc.Detect(ctx, opts.AsOf)
	}
	if err != nil {
		return err
	}

	return a.printRun(run, opts.JSON)
}

func (a *App) printRun(run detector.Run, asJSON bool) error {
	if asJSON {
		return writeRunJSON(a.Out, run)
	}
	if len(run.Reports) == 0 {
		s := run.Summary
		if !s.Baseline.Computed() {
			_, err := fmt.Fprintf(a.Out, "insufficient history (%d observations, need %d, run %s)\n",
				s.Observations, a.Config.Detection.MinObservations, s.RunID)
			return err
		}
		_, err := fmt.Fprintf(a.Out, "no anomalies (%d observations, median %s, run %s)\n",
			s.Observations, formatMoney(s.Baseline.Median), s.RunID)
		return err
	}
	_, err := fmt.Fprint(a.Out, alerting.Render(alerting.Notification{
		Summary:  run.Summary,
		Reports:  run.Reports,
		TopN:     a.Config.Detection.TopContributors,
		Currency: a.Config.Billing.Currency,
	}))
	return err
}
