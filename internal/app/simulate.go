package app

import (
	"context"
	"errors"
	"math"
	"time"

	"cost-anomaly-alerts/internal/billing"
	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/service"
)

// SimulateAlert 用合成的成本窗口走一遍完整的检测与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	asOf := detector.Day(time.Now().UTC())
	observations := syntheticWindow(asOf, opts)
	lookup := billing.NewWindowFetcher(observations)

	svc := service.New(a.Config, nil, staticWindow(observations), lookup, nil, notifier, a.Logger)
	run, err := svc.ProcessDay(ctx, asOf)
	if err != nil {
		return err
	}
	if len(run.Reports) == 0 {
		return errors.New("synthetic window produced no anomaly; increase --spike")
	}
	a.Logger.Info().Str("run_id", run.Summary.RunID).Int("anomalies", len(run.Reports)).Msg("simulated alert dispatched")
	return nil
}

// syntheticWindow builds opts.Days days ending on asOf that oscillate around
// opts.Baseline, with a compute-driven spike of opts.Spike times the baseline
// on the last day.
func syntheticWindow(asOf time.Time, opts SimulateOptions) []detector.CostObservation {
	days := opts.Days
	if days <= 0 {
		days = 30
	}
	baseline := opts.Baseline
	if baseline <= 0 {
		baseline = 100
	}
	spike := opts.Spike
	if spike <= 1 {
		spike = 4
	}

	observations := make([]detector.CostObservation, days)
	for i := 0; i < days; i++ {
		day := asOf.AddDate(0, 0, i-days+1)
		total := baseline * (1 + 0.05*math.Sin(float64(i)))
		contributors := map[string]float64{
			"compute":  round2(total * 0.6),
			"database": round2(total * 0.3),
			"storage":  round2(total * 0.1),
		}
		if i == days-1 {
			contributors["compute"] = round2(total*0.6 + baseline*(spike-1))
			contributors["gpu"] = round2(baseline * 0.5)
		}
		sum := 0.0
		for _, v := range contributors {
			sum += v
		}
		observations[i] = detector.NewObservation(day, round2(sum), contributors)
	}
	return observations
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
