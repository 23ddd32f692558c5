package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-anomaly-alerts/internal/alerting"
	"cost-anomaly-alerts/internal/config"
	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/storage"
)

var scenarioTotals = []float64{
	95, 97, 99, 101, 103, 105, 107, 109, 110, 96,
	98, 100, 102, 104, 106, 108, 102, 103, 101, 100,
	104, 102, 99, 105, 103,
	487,
	98, 101, 105, 103,
}

var asOf = time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC)

// billingServer serves scenarioTotals from 2024-01-01 on. RDS is a flat 20
// and EC2 carries the rest.
func billingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, err := time.Parse(detector.DateLayout, r.URL.Query().Get("start"))
		if err != nil {
			http.Error(w, `{"error":"bad start"}`, http.StatusBadRequest)
			return
		}
		end, err := time.Parse(detector.DateLayout, r.URL.Query().Get("end"))
		if err != nil {
			http.Error(w, `{"error":"bad end"}`, http.StatusBadRequest)
			return
		}

		days := make([]map[string]any, 0)
		for i, total := range scenarioTotals {
			day := time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC)
			if day.Before(start) || day.After(end) {
				continue
			}
			days = append(days, map[string]any{
				"date":  day.Format(detector.DateLayout),
				"total": decimal.NewFromFloat(total).String(),
				"contributors": map[string]string{
					"EC2": decimal.NewFromFloat(total - 20).String(),
					"RDS": "20",
				},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"currency": "USD", "days": days})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Detection: config.DetectionConfig{
			Threshold:              detector.DefaultThreshold,
			SeverityMultiplier:     detector.DefaultSeverityMultiplier,
			MADFloorEpsilon:        detector.DefaultMADFloor,
			WindowLengthDays:       30,
			NewContributorSentinel: detector.DefaultNewContributorSentinel,
			MinObservations:        7,
			Concurrency:            2,
			TopContributors:        5,
		},
		Billing: config.BillingConfig{
			Source:         "api",
			BaseURL:        baseURL,
			Currency:       "USD",
			RequestTimeout: time.Second,
		},
		Retry: config.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		Cache: config.CacheConfig{Type: "memory", TTL: time.Hour, LocalMaxSize: 16, KeyPrefix: "test"},
		Scheduler: config.SchedulerConfig{
			Interval: 24 * time.Hour,
		},
	}
}

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestDetectPrintsJSON(t *testing.T) {
	srv := billingServer(t)
	a, out := newTestApp(testConfig(srv.URL))

	require.NoError(t, a.Detect(context.Background(), DetectOptions{AsOf: asOf, JSON: true}))

	var doc runDocument
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, 30, doc.Observations)
	assert.Equal(t, "2024-01-01", doc.WindowStart)
	require.NotNil(t, doc.Median)
	assert.Equal(t, "102.5", doc.Median.String())
	require.NotNil(t, doc.MAD)
	assert.Equal(t, "2.5", doc.MAD.String())
	require.Len(t, doc.Anomalies, 1)

	anomaly := doc.Anomalies[0]
	assert.Equal(t, "2024-01-26", anomaly.Date)
	assert.Equal(t, "spike", anomaly.Kind)
	assert.Equal(t, "critical", anomaly.Severity)
	assert.Equal(t, "384.5", anomaly.Deviation.String())
	assert.False(t, anomaly.Degraded)
	require.Len(t, anomaly.Contributors, 2)
	assert.Equal(t, "EC2", anomaly.Contributors[0].Name)
	assert.Equal(t, "384", anomaly.Contributors[0].Delta.String())
}

func TestDetectPrintsAlertText(t *testing.T) {
	srv := billingServer(t)
	a, out := newTestApp(testConfig(srv.URL))

	require.NoError(t, a.Detect(context.Background(), DetectOptions{AsOf: asOf}))
	assert.Contains(t, out.String(), "[costwatch] CRITICAL cost anomaly")
	assert.Contains(t, out.String(), "#1 2024-01-26 spike (critical)")
}

func TestDetectQuietWindow(t *testing.T) {
	srv := billingServer(t)
	a, out := newTestApp(testConfig(srv.URL))

	require.NoError(t, a.Detect(context.Background(), DetectOptions{AsOf: time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)}))
	assert.True(t, strings.HasPrefix(out.String(), "no anomalies (25 observations"), out.String())
}

func TestDetectShortWindowOmitsBaseline(t *testing.T) {
	srv := billingServer(t)
	cfg := testConfig(srv.URL)
	a, out := newTestApp(cfg)

	day := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.Detect(context.Background(), DetectOptions{AsOf: day}))
	assert.True(t, strings.HasPrefix(out.String(), "insufficient history (3 observations, need 7"), out.String())
	assert.NotContains(t, out.String(), "MAD")

	out.Reset()
	require.NoError(t, a.Detect(context.Background(), DetectOptions{AsOf: day, JSON: true}))
	var doc runDocument
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, 3, doc.Observations)
	assert.Nil(t, doc.Median)
	assert.Nil(t, doc.MAD)
	assert.NotContains(t, out.String(), `"mad"`)
}

func TestDetectPersistRequiresDatabase(t *testing.T) {
	srv := billingServer(t)
	a, _ := newTestApp(testConfig(srv.URL))
	assert.Error(t, a.Detect(context.Background(), DetectOptions{AsOf: asOf, Persist: true}))
}

func TestDatabaseSourceRequiresDSN(t *testing.T) {
	cfg := testConfig("")
	cfg.Billing.Source = "database"
	a, _ := newTestApp(cfg)
	assert.Error(t, a.Detect(context.Background(), DetectOptions{AsOf: asOf}))
}

func TestExportWritesFiles(t *testing.T) {
	srv := billingServer(t)
	a, _ := newTestApp(testConfig(srv.URL))
	dir := t.TempDir()

	opts := ExportOptions{
		AsOf:     asOf,
		CSVPath:  filepath.Join(dir, "out", "window.csv"),
		PNGPath:  filepath.Join(dir, "out", "window.png"),
		JSONPath: filepath.Join(dir, "out", "run.json"),
	}
	require.NoError(t, a.Export(context.Background(), opts))

	f, err := os.Open(opts.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 31)
	assert.Equal(t, []string{"date", "total", "median", "z_score", "anomaly", "kind", "severity"}, rows[0])
	assert.Equal(t, []string{"2024-01-26", "487.00", "102.50", "103.7381", "true", "spike", "critical"}, rows[26])
	assert.Equal(t, "false", rows[1][4])

	png, err := os.Stat(opts.PNGPath)
	require.NoError(t, err)
	assert.Positive(t, png.Size())

	raw, err := os.ReadFile(opts.JSONPath)
	require.NoError(t, err)
	var doc runDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc.Anomalies, 1)
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := newTestApp(testConfig("http://unused"))
	assert.Error(t, a.Export(context.Background(), ExportOptions{AsOf: asOf}))
}

func TestSimulateAlertDeliversWebhook(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []map[string]any
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := testConfig("")
	cfg.Alerting = config.AlertingConfig{
		Enabled: true,
		Webhook: config.WebhookConfig{Enabled: true, URL: hook.URL},
		Timeout: time.Second,
	}
	a, _ := newTestApp(cfg)

	require.NoError(t, a.SimulateAlert(context.Background(), SimulateOptions{}))
	require.Len(t, payloads, 1)
	assert.Equal(t, "critical", payloads[0]["severity"])
	assert.Contains(t, payloads[0]["text"], "compute")
	assert.Contains(t, payloads[0]["text"], "gpu: 0.00 -> 50.00 (+50.00, new)")
}

func TestSimulateAlertRequiresChannel(t *testing.T) {
	cfg := testConfig("")
	a, _ := newTestApp(cfg)
	assert.Error(t, a.SimulateAlert(context.Background(), SimulateOptions{}))

	cfg.Alerting.Enabled = true
	assert.Error(t, a.SimulateAlert(context.Background(), SimulateOptions{}))
}

func TestSyntheticWindow(t *testing.T) {
	obs := syntheticWindow(asOf, SimulateOptions{Days: 10, Baseline: 200, Spike: 3})
	require.Len(t, obs, 10)
	assert.Equal(t, asOf.AddDate(0, 0, -9), obs[0].Date)
	assert.Equal(t, asOf, obs[9].Date)
	assert.NotContains(t, obs[8].Contributors, "gpu")
	assert.Equal(t, 100.0, obs[9].Contributors["gpu"])
	assert.NoError(t, detector.ValidateWindow(obs))
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig("")
	a, _ := newTestApp(cfg)
	assert.Nil(t, a.newNotifier())

	cfg.Alerting.Webhook = config.WebhookConfig{Enabled: true, URL: "http://example.invalid"}
	_, single := a.newNotifier().(*alerting.WebhookNotifier)
	assert.True(t, single)

	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	fanout, ok := a.newNotifier().(alerting.Fanout)
	require.True(t, ok)
	assert.Len(t, fanout, 2)
}

func TestPrintReports(t *testing.T) {
	a, out := newTestApp(testConfig(""))
	require.NoError(t, a.printReports(nil))
	assert.Equal(t, "no anomaly reports found\n", out.String())

	out.Reset()
	reports := []storage.ReportRecord{{
		RunID:          "run-1",
		Day:            time.Date(2024, 1, 26, 0, 0, 0, 0, time.UTC),
		Total:          decimal.NewFromInt(487),
		Median:         decimal.NewFromFloat(102.5),
		ZScore:         103.7381,
		Kind:           "spike",
		Severity:       "critical",
		Contributions:  []storage.ContributionRow{{Name: "EC2", Delta: decimal.NewFromInt(384)}},
		Degraded:       true,
		DegradedReason: "previous day\nunavailable",
		DetectedAt:     time.Date(2024, 1, 31, 6, 0, 0, 0, time.UTC),
	}}
	require.NoError(t, a.printReports(reports))

	text := out.String()
	for _, want := range []string{"2024-01-26", "spike", "critical", "487.00", "102.50", "103.74", "EC2 (384.00)", "previous day unavailable", "run-1"} {
		assert.Contains(t, text, want)
	}
}

func TestPruneValidatesDuration(t *testing.T) {
	a, _ := newTestApp(testConfig(""))
	assert.Error(t, a.Prune(context.Background(), PruneOptions{}))
	assert.NoError(t, a.Prune(context.Background(), PruneOptions{OlderThan: time.Hour, DryRun: true}))
	assert.Error(t, a.Prune(context.Background(), PruneOptions{OlderThan: time.Hour}))
}

func TestIngestDryRun(t *testing.T) {
	srv := billingServer(t)
	a, _ := newTestApp(testConfig(srv.URL))

	opts := IngestOptions{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), To: asOf, DryRun: true, ChunkDays: 7}
	require.NoError(t, a.Ingest(context.Background(), opts))

	opts.From, opts.To = opts.To, opts.From
	assert.Error(t, a.Ingest(context.Background(), opts))
}
