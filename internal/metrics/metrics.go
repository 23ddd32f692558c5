// Package metrics exposes Prometheus instruments for detection runs. All
// metrics use the "costwatch" namespace and register with the default
// registry via promauto.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"cost-anomaly-alerts/internal/detector"
)

const namespace = "costwatch"

// Run outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient_history"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
)

var (
	// RunsTotal counts detection runs by outcome.
	// outcome: success | insufficient_history | failed | skipped
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "runs_total",
			Help:      "Total number of detection runs by outcome.",
		},
		[]string{"outcome"},
	)

	// AnomaliesTotal counts reported anomalies by kind and severity.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "anomalies_total",
			Help:      "Total number of anomalies reported by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	// DegradedAttributionsTotal counts reports whose prior-day lookup failed.
	DegradedAttributionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "degraded_attributions_total",
			Help:      "Total number of anomaly reports with degraded root-cause attribution.",
		},
	)

	// SinkFailuresTotal counts persistence and notification failures.
	// sink: store | notifier
	SinkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "sink_failures_total",
			Help:      "Total number of report sink failures by sink.",
		},
		[]string{"sink"},
	)

	// RunDurationSeconds tracks end-to-end detection latency.
	RunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "run_duration_seconds",
			Help:      "Duration of detection runs in seconds.",
			// 10ms → 20ms → ... → ~82s
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// LastRunTimestamp is the unix time of the last completed run.
	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix timestamp of the last completed detection run.",
		},
	)
)

// ObserveRun records the outcome and latency of one run.
func ObserveRun(outcome string, started time.Time, finished time.Time) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDurationSeconds.Observe(finished.Sub(started).Seconds())
	if outcome != OutcomeSkipped {
		LastRunTimestamp.Set(float64(finished.Unix()))
	}
}

// ObserveReports records the anomalies of one run.
func ObserveReports(reports []detector.AnomalyReport) {
	for _, rep := range reports {
		AnomaliesTotal.WithLabelValues(string(rep.Anomaly.Kind), string(rep.Anomaly.Severity)).Inc()
		if rep.Degraded {
			DegradedAttributionsTotal.Inc()
		}
	}
}

// SinkFailed records a failed store or notifier call.
func SinkFailed(sink string) {
	SinkFailuresTotal.WithLabelValues(sink).Inc()
}

// Serve exposes the default registry on addr/path until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, logger zerolog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger = logger.With().Str("component", "metrics").Logger()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("path", path).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
