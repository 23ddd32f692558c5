package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cost-anomaly-alerts/internal/alerting"
	"cost-anomaly-alerts/internal/billing"
	"cost-anomaly-alerts/internal/cache"
	"cost-anomaly-alerts/internal/config"
	"cost-anomaly-alerts/internal/metrics"
	"cost-anomaly-alerts/internal/scheduler"
	"cost-anomaly-alerts/internal/service"
	"cost-anomaly-alerts/internal/storage"
	"cost-anomaly-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newBillingClient() *billing.HTTPClient {
	cfg := a.Config.Billing
	ua := cfg.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return billing.NewHTTPClient(billing.HTTPOptions{
		BaseURL:       cfg.BaseURL,
		Token:         cfg.APIToken,
		Account:       cfg.Account,
		Currency:      cfg.Currency,
		Timeout:       cfg.RequestTimeout,
		UserAgent:     ua,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, a.Logger)
}

func (a *App) newCache(ctx context.Context) (cache.Cache, error) {
	cfg := a.Config.Cache
	return cache.New(ctx, cache.Options{
		Type:          cfg.Type,
		TTL:           cfg.TTL,
		LocalMaxSize:  cfg.LocalMaxSize,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
}

func (a *App) newNotifier() alerting.Notifier {
	timeout := a.Config.Alerting.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var fanout alerting.Fanout
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		fanout = append(fanout, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, timeout, a.Logger))
	}
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		fanout = append(fanout, alerting.NewWebhookNotifier(cfg.URL, cfg.Headers, timeout, a.Logger))
	}

	switch len(fanout) {
	case 0:
		return nil
	case 1:
		return fanout[0]
	default:
		return fanout
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// sources resolves where detection windows and previous-day lookups come
// from. With an API source, stored observations are consulted before the
// cached remote.
func (a *App) sources(ctx context.Context, store *storage.Store) (billing.WindowSource, billing.DayFetcher, func(), error) {
	switch a.Config.Billing.Source {
	case "database":
		if store == nil {
			return nil, nil, nil, errors.New("billing.source=database requires database.dsn")
		}
		return store, store, func() {}, nil
	default:
		client := a.newBillingClient()
		c, err := a.newCache(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init cache: %w", err)
		}
		closer := func() {
			if c != nil {
				_ = c.Close()
			}
		}

		var prior billing.DayFetcher = billing.NewCachedFetcher(client, c, a.Config.Cache.TTL, a.Config.Cache.KeyPrefix, a.Logger)
		if store != nil {
			prior = billing.Fallback{store, prior}
		}
		return client, prior, closer, nil
	}
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)
}

// Run executes the long-running detection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	window, prior, closeSources, err := a.sources(ctx, store)
	if err != nil {
		return err
	}
	defer closeSources()

	var reportStore storage.ReportStore
	if store != nil {
		reportStore = store
	}

	if a.Config.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, a.Config.Metrics.ListenAddr, a.Config.Metrics.Path, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	svc := service.New(a.Config, a.newScheduler(), window, prior, reportStore, a.newNotifier(), a.Logger)

	a.Logger.Info().Msg("starting detection service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// DetectOptions configure a one-off detection run.
type DetectOptions struct {
	AsOf    time.Time
	JSON    bool
	Persist bool
	Notify  bool
}

// IngestOptions configure the ingest job.
type IngestOptions struct {
	From      time.Time
	To        time.Time
	DryRun    bool
	ChunkDays int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting a detection window.
type ExportOptions struct {
	AsOf     time.Time
	PNGPath  string
	CSVPath  string
	JSONPath string
}

// PruneOptions configure report retention.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}

// SimulateOptions shape the synthetic window used by simulate-alert.
type SimulateOptions struct {
	Days     int
	Baseline float64
	Spike    float64
}
