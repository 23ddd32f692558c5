package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/service"
)

// Export renders the detection window ending on opts.AsOf as CSV, PNG and/or JSON.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.JSONPath == "" {
		return errors.New("at least one of --csv, --png or --json must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	window, prior, closeSources, err := a.sources(ctx, store)
	if err != nil {
		return err
	}
	defer closeSources()

	start, end := a.Config.Window(opts.AsOf)
	observations, err := window.FetchWindow(ctx, start, end)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	svc := service.New(a.Config, nil, staticWindow(observations), prior, nil, nil, a.Logger)
	run, err := svc.Detect(ctx, opts.AsOf)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("observations", len(observations)).Int("anomalies", len(run.Reports)).Msg("exporting window")

	if opts.CSVPath != "" {
		if err := writeWindowCSV(opts.CSVPath, observations, run); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeWindowPNG(opts.PNGPath, observations, run, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
			return err
		}
	}

	if opts.JSONPath != "" {
		if err := writeJSONFile(opts.JSONPath, run); err != nil {
			return err
		}
	}

	return nil
}

// staticWindow serves a fixed set of observations.
type staticWindow []detector.CostObservation

func (w staticWindow) FetchWindow(_ context.Context, from, to time.Time) ([]detector.CostObservation, error) {
	from, to = detector.Day(from), detector.Day(to)
	out := make([]detector.CostObservation, 0, len(w))
	for _, o := range w {
		day := detector.Day(o.Date)
		if day.Before(from) || day.After(to) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func anomalyIndex(run detector.Run) map[time.Time]detector.AnomalyRecord {
	idx := make(map[time.Time]detector.AnomalyRecord, len(run.Reports))
	for _, rep := range run.Reports {
		idx[detector.Day(rep.Anomaly.Date)] = rep.Anomaly
	}
	return idx
}

func writeWindowCSV(path string, observations []detector.CostObservation, run detector.Run) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "total", "median", "z_score", "anomaly", "kind", "severity"}
	if err := writer.Write(header); err != nil {
		return err
	}

	baseline := run.Summary.Baseline
	anomalies := anomalyIndex(run)
	for _, obs := range observations {
		z, median := "", ""
		if baseline.Computed() {
			z = decimal.NewFromFloat(detector.ZScore(obs.Total, baseline)).StringFixed(4)
			median = formatMoney(baseline.Median)
		}
		a, flagged := anomalies[detector.Day(obs.Date)]
		record := []string{
			obs.Date.Format(detector.DateLayout),
			formatMoney(obs.Total),
			median,
			z,
			strconv.FormatBool(flagged),
			string(a.Kind),
			string(a.Severity),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeWindowPNG(path string, observations []detector.CostObservation, run detector.Run, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	x := make([]time.Time, len(observations))
	totals := make([]float64, len(observations))
	median := make([]float64, len(observations))
	for i, obs := range observations {
		x[i] = obs.Date
		totals[i] = obs.Total
		median[i] = run.Summary.Baseline.Median
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Daily cost",
			XValues: x,
			YValues: totals,
		},
		chart.TimeSeries{
			Name:    "Median",
			XValues: x,
			YValues: median,
			Style: chart.Style{
				StrokeDashArray: []float64{5.0, 5.0},
			},
		},
	}

	if len(run.Reports) > 0 {
		ax := make([]time.Time, 0, len(run.Reports))
		ay := make([]float64, 0, len(run.Reports))
		for _, rep := range run.Reports {
			ax = append(ax, rep.Anomaly.Date)
			ay = append(ay, rep.Anomaly.Total)
		}
		series = append(series, chart.TimeSeries{
			Name:    "Anomalies",
			XValues: ax,
			YValues: ay,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    6,
			},
		})
	}

	moneyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Daily cost",
			ValueFormatter: moneyFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeJSONFile(path string, run detector.Run) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeRunJSON(file, run)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatMoney(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
