package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-anomaly-alerts/internal/alerting"
	"cost-anomaly-alerts/internal/billing"
	"cost-anomaly-alerts/internal/config"
	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/storage"
)

var (
	asOf       = time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC)
	detectedAt = time.Date(2024, 1, 31, 6, 0, 0, 0, time.UTC)
)

func testConfig() *config.Config {
	return &config.Config{
		Detection: config.DetectionConfig{
			Threshold:              detector.DefaultThreshold,
			SeverityMultiplier:     detector.DefaultSeverityMultiplier,
			MADFloorEpsilon:        detector.DefaultMADFloor,
			WindowLengthDays:       30,
			NewContributorSentinel: detector.DefaultNewContributorSentinel,
			MinObservations:        7,
			Concurrency:            4,
			TopContributors:        5,
		},
		Retry: config.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		Alerting: config.AlertingConfig{Enabled: true, Channels: []string{"webhook"}},
		Billing:  config.BillingConfig{Currency: "USD"},
	}
}

func testDay(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n-1)
}

var scenarioTotals = []float64{
	95, 97, 99, 101, 103, 105, 107, 109, 110, 96,
	98, 100, 102, 104, 106, 108, 102, 103, 101, 100,
	104, 102, 99, 105, 103,
	487,
	98, 101, 105, 103,
}

// window builds one observation per total starting on 2024-01-01. RDS is a
// flat 20 and EC2 carries the rest.
func window(totals []float64) []detector.CostObservation {
	obs := make([]detector.CostObservation, len(totals))
	for i, total := range totals {
		obs[i] = detector.NewObservation(testDay(i+1), total, map[string]float64{"EC2": total - 20, "RDS": 20})
	}
	return obs
}

type fakeWindow struct {
	obs   []detector.CostObservation
	err   error
	calls atomic.Int32
}

func (f *fakeWindow) FetchWindow(_ context.Context, from, to time.Time) ([]detector.CostObservation, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]detector.CostObservation, 0, len(f.obs))
	for _, o := range f.obs {
		if !o.Date.Before(from) && !o.Date.After(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeStore struct {
	mu       sync.Mutex
	runs     []storage.RunRecord
	reports  []storage.ReportRecord
	fail     error
	lockHeld bool
	locked   bool
}

func (f *fakeStore) InsertRun(_ context.Context, run storage.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) InsertReport(_ context.Context, rep storage.ReportRecord) (storage.ReportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return storage.ReportRecord{}, f.fail
	}
	rep.ID = int64(len(f.reports) + 1)
	f.reports = append(f.reports, rep)
	return rep, nil
}

func (f *fakeStore) ListRecentReports(context.Context, int) ([]storage.ReportRecord, error) {
	return f.reports, nil
}

func (f *fakeStore) DeleteReportsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.lockHeld {
		return nil, false, nil
	}
	f.locked = true
	return func() { f.locked = false }, true, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return f.err
}

func newTestService(cfg *config.Config, w billing.WindowSource, prior billing.DayFetcher, store storage.ReportStore, notifier alerting.Notifier) *Service {
	ids := 0
	return New(cfg, nil, w, prior, store, notifier, zerolog.Nop(),
		WithClock(func() time.Time { return detectedAt }),
		WithRunIDs(func() string {
			ids++
			return "run-" + string(rune('0'+ids))
		}),
	)
}

func TestDetectScenario(t *testing.T) {
	var remoteCalls atomic.Int32
	remote := billing.DayFetcherFunc(func(context.Context, time.Time) (map[string]float64, error) {
		remoteCalls.Add(1)
		return nil, errors.New("should not be needed")
	})

	svc := newTestService(testConfig(), &fakeWindow{obs: window(scenarioTotals)}, remote, nil, nil)
	run, err := svc.Detect(context.Background(), asOf)
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.Summary.RunID)
	assert.Equal(t, detectedAt, run.Summary.DetectedAt)
	assert.Equal(t, 30, run.Summary.Observations)
	assert.Equal(t, 1, run.Summary.AnomalyCount)
	assert.InDelta(t, 102.5, run.Summary.Baseline.Median, 1e-9)
	assert.InDelta(t, 2.5, run.Summary.Baseline.MAD, 1e-9)

	require.Len(t, run.Reports, 1)
	rep := run.Reports[0]
	assert.Equal(t, testDay(26), rep.Anomaly.Date)
	assert.Equal(t, detector.KindSpike, rep.Anomaly.Kind)
	assert.Equal(t, detector.SeverityCritical, rep.Anomaly.Severity)
	assert.False(t, rep.Degraded)

	require.Len(t, rep.Contributions, 2)
	assert.Equal(t, "EC2", rep.Contributions[0].Name)
	assert.InDelta(t, 384, rep.Contributions[0].Delta, 1e-9)
	assert.Equal(t, "RDS", rep.Contributions[1].Name)
	assert.Zero(t, rep.Contributions[1].Delta)

	assert.Zero(t, remoteCalls.Load(), "previous day inside the window must not hit the remote source")
}

func TestDetectConcurrentMatchesSequential(t *testing.T) {
	totals := append([]float64(nil), scenarioTotals...)
	totals[9] = 300
	totals[19] = 350
	totals[4] = 20

	run := func(concurrency int) detector.Run {
		cfg := testConfig()
		cfg.Detection.Concurrency = concurrency
		svc := newTestService(cfg, &fakeWindow{obs: window(totals)}, nil, nil, nil)
		out, err := svc.Detect(context.Background(), asOf)
		require.NoError(t, err)
		return out
	}

	sequential := run(1)
	require.Len(t, sequential.Reports, 4)
	assert.Equal(t, testDay(26), sequential.Reports[0].Anomaly.Date)
	assert.Equal(t, testDay(20), sequential.Reports[1].Anomaly.Date)

	for i := 0; i < 5; i++ {
		assert.Equal(t, sequential, run(8))
	}
}

func TestDetectDegradedWhenLookupFails(t *testing.T) {
	totals := append([]float64(nil), scenarioTotals...)
	totals[0], totals[25] = 487, 103

	var remoteCalls atomic.Int32
	remote := billing.DayFetcherFunc(func(context.Context, time.Time) (map[string]float64, error) {
		remoteCalls.Add(1)
		return nil, errors.New("billing api timeout")
	})

	svc := newTestService(testConfig(), &fakeWindow{obs: window(totals)}, remote, nil, nil)
	run, err := svc.Detect(context.Background(), asOf)
	require.NoError(t, err, "a failed lookup must not fail the run")

	require.Len(t, run.Reports, 1)
	rep := run.Reports[0]
	assert.Equal(t, testDay(1), rep.Anomaly.Date)
	assert.True(t, rep.Degraded)
	assert.Contains(t, rep.DegradedReason, "2023-12-31")
	assert.Equal(t, int32(2), remoteCalls.Load(), "lookups are retried up to max_attempts")

	require.Len(t, rep.Contributions, 2)
	assert.Equal(t, "EC2", rep.Contributions[0].Name)
	assert.InDelta(t, 467, rep.Contributions[0].Delta, 1e-9)
	assert.Equal(t, detector.DefaultNewContributorSentinel, rep.Contributions[0].DeltaPercent)
}

func TestDetectDegradedOnInvalidPrior(t *testing.T) {
	totals := append([]float64(nil), scenarioTotals...)
	totals[0], totals[25] = 487, 103

	remote := billing.DayFetcherFunc(func(context.Context, time.Time) (map[string]float64, error) {
		return map[string]float64{"EC2": -5}, nil
	})

	svc := newTestService(testConfig(), &fakeWindow{obs: window(totals)}, remote, nil, nil)
	run, err := svc.Detect(context.Background(), asOf)
	require.NoError(t, err)
	require.Len(t, run.Reports, 1)
	assert.True(t, run.Reports[0].Degraded)
}

func TestDetectUsesRemoteForPriorOutsideWindow(t *testing.T) {
	totals := append([]float64(nil), scenarioTotals...)
	totals[0], totals[25] = 487, 103

	remote := billing.DayFetcherFunc(func(_ context.Context, day time.Time) (map[string]float64, error) {
		assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), day)
		return map[string]float64{"EC2": 80, "RDS": 20}, nil
	})

	svc := newTestService(testConfig(), &fakeWindow{obs: window(totals)}, remote, nil, nil)
	run, err := svc.Detect(context.Background(), asOf)
	require.NoError(t, err)
	require.Len(t, run.Reports, 1)
	assert.False(t, run.Reports[0].Degraded)
	assert.InDelta(t, 387, run.Reports[0].Contributions[0].Delta, 1e-9)
}

func TestDetectInsufficientHistory(t *testing.T) {
	w := &fakeWindow{obs: window([]float64{100, 101, 500, 99, 100})}
	svc := newTestService(testConfig(), w, nil, nil, nil)

	run, err := svc.Detect(context.Background(), testDay(5))
	require.NoError(t, err)
	assert.Empty(t, run.Reports)
	assert.Equal(t, 5, run.Summary.Observations)
	assert.Zero(t, run.Summary.AnomalyCount)
}

func TestDetectRejectsEmptyWindow(t *testing.T) {
	svc := newTestService(testConfig(), &fakeWindow{}, nil, nil, nil)
	run, err := svc.Detect(context.Background(), asOf)
	require.ErrorIs(t, err, detector.ErrInput)
	assert.Empty(t, run.Reports)
	assert.Zero(t, run.Summary.Observations)
}

func TestDetectRejectsCorruptShortWindow(t *testing.T) {
	tests := []struct {
		name string
		obs  []detector.CostObservation
	}{
		{name: "negative total", obs: window([]float64{100, -50, 99})},
		{name: "nan total", obs: []detector.CostObservation{
			detector.NewObservation(testDay(1), 100, nil),
			detector.NewObservation(testDay(2), math.NaN(), nil),
		}},
		{name: "negative contributor", obs: []detector.CostObservation{
			detector.NewObservation(testDay(1), 100, map[string]float64{"EC2": -1}),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(testConfig(), &fakeWindow{obs: tt.obs}, nil, nil, nil)
			run, err := svc.Detect(context.Background(), testDay(3))
			require.ErrorIs(t, err, detector.ErrInput)
			assert.Empty(t, run.Reports)
		})
	}
}

func TestDetectFailsClosedOnInvalidWindow(t *testing.T) {
	obs := window(scenarioTotals)
	obs[3].Total = -1

	svc := newTestService(testConfig(), &fakeWindow{obs: obs}, nil, nil, nil)
	run, err := svc.Detect(context.Background(), asOf)
	assert.ErrorIs(t, err, detector.ErrInput)
	assert.Empty(t, run.Reports)
}

func TestDetectRejectsInvalidParams(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Threshold = 0
	svc := newTestService(cfg, &fakeWindow{obs: window(scenarioTotals)}, nil, nil, nil)
	_, err := svc.Detect(context.Background(), asOf)
	assert.ErrorIs(t, err, detector.ErrInput)
}

func TestProcessDayPersistsAndNotifies(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42

	svc := newTestService(cfg, &fakeWindow{obs: window(scenarioTotals)}, nil, store, notifier)
	run, err := svc.ProcessDay(context.Background(), asOf)
	require.NoError(t, err)
	require.Len(t, run.Reports, 1)

	require.Len(t, store.runs, 1)
	assert.Equal(t, storage.RunStatusComplete, store.runs[0].Status)
	assert.Equal(t, "run-1", store.runs[0].RunID)
	require.Len(t, store.reports, 1)
	assert.Equal(t, "spike", store.reports[0].Kind)
	assert.Equal(t, "run-1", store.reports[0].RunID)
	assert.False(t, store.locked, "advisory lock should be released")

	require.Len(t, notifier.notes, 1)
	assert.Len(t, notifier.notes[0].Reports, 1)
	assert.Equal(t, 5, notifier.notes[0].TopN)
	assert.Equal(t, []string{"webhook"}, notifier.notes[0].Channels)
}

func TestProcessDaySinkFailuresDoNotFailRun(t *testing.T) {
	store := &fakeStore{fail: errors.New("database down")}
	notifier := &fakeNotifier{err: errors.New("webhook down")}

	svc := newTestService(testConfig(), &fakeWindow{obs: window(scenarioTotals)}, nil, store, notifier)
	run, err := svc.ProcessDay(context.Background(), asOf)
	require.NoError(t, err)
	assert.Len(t, run.Reports, 1)
	assert.Len(t, notifier.notes, 1)
}

func TestProcessDayNoAlertWithoutAnomalies(t *testing.T) {
	totals := append([]float64(nil), scenarioTotals...)
	totals[25] = 103
	notifier := &fakeNotifier{}
	store := &fakeStore{}

	svc := newTestService(testConfig(), &fakeWindow{obs: window(totals)}, nil, store, notifier)
	run, err := svc.ProcessDay(context.Background(), asOf)
	require.NoError(t, err)
	assert.Empty(t, run.Reports)
	assert.Empty(t, notifier.notes)
	require.Len(t, store.runs, 1)
	assert.Empty(t, store.reports)
}

func TestProcessDayRecordsInsufficientHistory(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(testConfig(), &fakeWindow{obs: window([]float64{100, 101, 99})}, nil, store, &fakeNotifier{})

	_, err := svc.ProcessDay(context.Background(), testDay(3))
	require.NoError(t, err)
	require.Len(t, store.runs, 1)
	assert.Equal(t, storage.RunStatusInsufficient, store.runs[0].Status)
	assert.False(t, store.runs[0].Median.Valid, "no baseline was computed")
	assert.False(t, store.runs[0].MAD.Valid, "no baseline was computed")
}

func TestProcessDayFailsOnCorruptShortWindow(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	svc := newTestService(testConfig(), &fakeWindow{obs: window([]float64{100, -50, 99})}, nil, store, notifier)

	run, err := svc.ProcessDay(context.Background(), testDay(3))
	require.ErrorIs(t, err, detector.ErrInput)
	assert.Empty(t, run.Reports)
	assert.Empty(t, notifier.notes)
	require.Len(t, store.runs, 1)
	assert.Equal(t, storage.RunStatusFailed, store.runs[0].Status)
	require.NotNil(t, store.runs[0].Error)
	assert.Empty(t, store.reports)
}

func TestProcessDaySkipsWhenLockHeld(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	w := &fakeWindow{obs: window(scenarioTotals)}

	svc := newTestService(cfg, w, nil, &fakeStore{lockHeld: true}, nil)
	run, err := svc.ProcessDay(context.Background(), asOf)
	require.NoError(t, err)
	assert.Empty(t, run.Reports)
	assert.Zero(t, w.calls.Load())
}

func TestProcessDayRecordsFailedRun(t *testing.T) {
	store := &fakeStore{}
	w := &fakeWindow{err: errors.New("billing api down")}

	svc := newTestService(testConfig(), w, nil, store, nil)
	_, err := svc.ProcessDay(context.Background(), asOf)
	require.Error(t, err)
	require.Len(t, store.runs, 1)
	assert.Equal(t, storage.RunStatusFailed, store.runs[0].Status)
	require.NotNil(t, store.runs[0].Error)
	assert.Contains(t, *store.runs[0].Error, "billing api down")
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := newTestService(testConfig(), &fakeWindow{}, nil, nil, nil)
	assert.Error(t, svc.Run(context.Background()))
}
