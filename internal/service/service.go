package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"cost-anomaly-alerts/internal/alerting"
	"cost-anomaly-alerts/internal/billing"
	"cost-anomaly-alerts/internal/config"
	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/metrics"
	"cost-anomaly-alerts/internal/scheduler"
	"cost-anomaly-alerts/internal/storage"
)

var tracer = otel.Tracer("costwatch/service")

// Service orchestrates window fetching, detection, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	window    billing.WindowSource
	prior     billing.DayFetcher
	store     storage.ReportStore
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	cfg      *config.Config
	params   detector.Params
	alertsOn bool
	channels []string
	lockKey  int64

	now      func() time.Time
	newRunID func() string
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRunIDs overrides the run identifier generator.
func WithRunIDs(next func() string) Option {
	return func(s *Service) { s.newRunID = next }
}

// New constructs the detection service. prior serves previous-day lookups
// for days outside the fetched window and is wrapped in the configured retry
// policy; it may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, window billing.WindowSource, prior billing.DayFetcher, store storage.ReportStore, notifier alerting.Notifier, logger zerolog.Logger, opts ...Option) *Service {
	logger = logger.With().Str("component", "service").Logger()

	if prior != nil {
		prior = billing.NewRetryingFetcher(prior, billing.RetryOptions{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		}, logger)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	s := &Service{
		scheduler: sched,
		window:    window,
		prior:     prior,
		store:     store,
		notifier:  notifier,
		locker:    locker,
		logger:    logger,
		cfg:       cfg,
		params:    cfg.Detection.Params(),
		alertsOn:  cfg.Alerting.Enabled,
		channels:  cfg.Alerting.Channels,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		now:       time.Now,
		newRunID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run begins the aligned detection loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.ProcessDay(ctx, bucket.Add(-s.cfg.Scheduler.Lag))
		return err
	})
}

// Detect runs the full pipeline for the window ending on asOf. It performs
// no persistence and sends no alerts.
func (s *Service) Detect(ctx context.Context, asOf time.Time) (detector.Run, error) {
	ctx, span := tracer.Start(ctx, "service.Detect", trace.WithAttributes(
		attribute.String("as_of", detector.Day(asOf).Format(detector.DateLayout)),
	))
	defer span.End()

	run, err := s.detect(ctx, asOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return detector.Run{}, err
	}
	span.SetAttributes(
		attribute.String("run_id", run.Summary.RunID),
		attribute.Int("observations", run.Summary.Observations),
		attribute.Int("anomalies", len(run.Reports)),
	)
	return run, nil
}

func (s *Service) detect(ctx context.Context, asOf time.Time) (detector.Run, error) {
	if err := s.params.Validate(); err != nil {
		return detector.Run{}, err
	}
	if s.window == nil {
		return detector.Run{}, fmt.Errorf("window source not configured")
	}

	start, end := s.cfg.Window(asOf)
	observations, err := s.window.FetchWindow(ctx, start, end)
	if err != nil {
		return detector.Run{}, fmt.Errorf("fetch window %s..%s: %w", start.Format(detector.DateLayout), end.Format(detector.DateLayout), err)
	}

	runID := s.newRunID()
	detectedAt := s.now().UTC()
	log := s.logger.With().Str("run_id", runID).Time("as_of", end).Logger()

	// Corrupt or empty windows fail the run even when they are short.
	if err := detector.ValidateWindow(observations); err != nil {
		return detector.Run{}, err
	}

	if len(observations) < s.cfg.Detection.MinObservations {
		log.Warn().
			Int("observations", len(observations)).
			Int("min_observations", s.cfg.Detection.MinObservations).
			Msg("insufficient history, skipping detection")
		summary := detector.Summarize(runID, detectedAt, observations, detector.Baseline{}, nil)
		summary.WindowStart, summary.WindowEnd = start, end
		return detector.Run{Summary: summary, Reports: []detector.AnomalyReport{}}, nil
	}

	baseline, err := detector.EstimateBaseline(detector.Totals(observations), s.params.MADFloor)
	if err != nil {
		return detector.Run{}, err
	}
	anomalies, err := detector.Classify(observations, baseline, s.params.Threshold, s.params.SeverityMultiplier)
	if err != nil {
		return detector.Run{}, err
	}

	reports, err := s.attribute(ctx, observations, anomalies, log)
	if err != nil {
		return detector.Run{}, err
	}

	summary := detector.Summarize(runID, detectedAt, observations, baseline, reports)
	log.Info().
		Int("observations", summary.Observations).
		Float64("median", baseline.Median).
		Float64("mad", baseline.MAD).
		Int("anomalies", summary.AnomalyCount).
		Msg("detection complete")
	return detector.Run{Summary: summary, Reports: reports}, nil
}

// attribute runs the prior-day lookups concurrently. Results are written by
// index so the report order matches the classifier order.
func (s *Service) attribute(ctx context.Context, observations []detector.CostObservation, anomalies []detector.AnomalyRecord, log zerolog.Logger) ([]detector.AnomalyReport, error) {
	lookup := billing.Fallback{billing.NewWindowFetcher(observations), s.prior}
	reports := make([]detector.AnomalyReport, len(anomalies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Detection.Concurrency)
	for i, anomaly := range anomalies {
		i, anomaly := i, anomaly
		g.Go(func() error {
			prior := s.lookupPrior(gctx, lookup, anomaly.Date, log)
			rep, err := detector.Assemble(anomaly, detector.Analyze(anomaly, prior, s.params.NewContributorSentinel))
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Service) lookupPrior(ctx context.Context, lookup billing.DayFetcher, day time.Time, log zerolog.Logger) detector.PriorDay {
	prevDay := detector.Day(day).AddDate(0, 0, -1)
	ctx, span := tracer.Start(ctx, "service.lookupPrior", trace.WithAttributes(
		attribute.String("day", prevDay.Format(detector.DateLayout)),
	))
	defer span.End()

	costs, err := lookup.FetchDay(ctx, prevDay)
	if err == nil {
		err = detector.ValidateCosts(costs)
	}
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Time("day", prevDay).Msg("previous day lookup failed, attribution degraded")
		return detector.Unavailable(fmt.Sprintf("previous day %s unavailable: %v", prevDay.Format(detector.DateLayout), err))
	}
	return detector.Prior(costs)
}

// ProcessDay 执行单日检测：加锁、检测、落库并发送告警。
func (s *Service) ProcessDay(ctx context.Context, day time.Time) (detector.Run, error) {
	started := s.now()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		metrics.ObserveRun(metrics.OutcomeFailed, started, s.now())
		return detector.Run{}, err
	}
	if !proceed {
		s.logger.Debug().Time("day", day).Msg("skip day because advisory lock held elsewhere")
		metrics.ObserveRun(metrics.OutcomeSkipped, started, s.now())
		return detector.Run{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	run, err := s.Detect(ctx, day)
	if err != nil {
		metrics.ObserveRun(metrics.OutcomeFailed, started, s.now())
		s.recordFailure(ctx, day, err)
		return detector.Run{}, fmt.Errorf("detect %s: %w", detector.Day(day).Format(detector.DateLayout), err)
	}

	outcome, status := metrics.OutcomeSuccess, storage.RunStatusComplete
	if s.insufficient(run) {
		outcome, status = metrics.OutcomeInsufficient, storage.RunStatusInsufficient
	}

	s.persist(ctx, run, status)
	s.notify(ctx, run)

	metrics.ObserveReports(run.Reports)
	metrics.ObserveRun(outcome, started, s.now())
	return run, nil
}

func (s *Service) insufficient(run detector.Run) bool {
	return run.Summary.Observations < s.cfg.Detection.MinObservations
}

// persist appends the run and its reports. Failures are logged only.
func (s *Service) persist(ctx context.Context, run detector.Run, status string) {
	if s.store == nil {
		return
	}
	log := s.logger.With().Str("run_id", run.Summary.RunID).Logger()

	if err := s.store.InsertRun(ctx, storage.NewRunRecord(run.Summary, status, nil)); err != nil {
		metrics.SinkFailed("store")
		log.Error().Err(err).Msg("failed to persist run")
		return
	}
	for _, rep := range run.Reports {
		rec := storage.NewReportRecord(run.Summary.RunID, run.Summary.DetectedAt, rep)
		if _, err := s.store.InsertReport(ctx, rec); err != nil {
			metrics.SinkFailed("store")
			log.Error().Err(err).Time("day", rep.Anomaly.Date).Msg("failed to persist anomaly report")
		}
	}
}

func (s *Service) recordFailure(ctx context.Context, day time.Time, runErr error) {
	if s.store == nil {
		return
	}
	start, end := s.cfg.Window(day)
	summary := detector.RunSummary{
		RunID:       s.newRunID(),
		DetectedAt:  s.now().UTC(),
		WindowStart: start,
		WindowEnd:   end,
	}
	if err := s.store.InsertRun(ctx, storage.NewRunRecord(summary, storage.RunStatusFailed, runErr)); err != nil {
		metrics.SinkFailed("store")
		s.logger.Error().Err(err).Time("day", day).Msg("failed to persist failed run")
	}
}

// notify sends one alert per run with anomalies. Failures are logged only.
func (s *Service) notify(ctx context.Context, run detector.Run) {
	if !s.alertsOn || s.notifier == nil || len(run.Reports) == 0 {
		return
	}
	note := alerting.Notification{
		Summary:  run.Summary,
		Reports:  run.Reports,
		TopN:     s.cfg.Detection.TopContributors,
		Currency: s.cfg.Billing.Currency,
		Channels: s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		metrics.SinkFailed("notifier")
		s.logger.Error().Err(err).Str("run_id", run.Summary.RunID).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
