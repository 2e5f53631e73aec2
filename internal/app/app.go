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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"flight-deal-alerts/internal/alerting"
	"flight-deal-alerts/internal/auth"
	"flight-deal-alerts/internal/config"
	"flight-deal-alerts/internal/fetcher"
	"flight-deal-alerts/internal/metrics"
	"flight-deal-alerts/internal/normalize"
	"flight-deal-alerts/internal/ops"
	"flight-deal-alerts/internal/promo"
	"flight-deal-alerts/internal/scheduler"
	"flight-deal-alerts/internal/service"
	"flight-deal-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	// Out receives command output; logs go through Logger.
	Out      io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		Config:   cfg,
		Logger:   logger.With().Str("component", "app").Logger(),
		Registry: reg,
		Metrics:  metrics.MustNew(reg),
		Out:      os.Stdout,
	}
}

func (a *App) newProviders() []service.Provider {
	providers := make([]service.Provider, 0, len(a.Config.Providers))
	for _, name := range a.Config.ProviderNames() {
		p := a.Config.Providers[name]

		tokens := auth.NewManager(auth.Options{
			Provider:           name,
			TokenURL:           p.TokenURL,
			ClientID:           p.ClientID,
			ClientSecret:       p.ClientSecret,
			Scope:              p.Scope,
			FallbackToken:      p.FallbackToken,
			SafetyMargin:       p.SafetyMargin,
			FallbackRetry:      p.FallbackRetry,
			MaxRefreshFailures: p.MaxRefreshFailures,
			Timeout:            p.RequestTimeout,
			UserAgent:          p.UserAgent,
			Observer:           a.Metrics,
		}, a.Logger)

		searcher := fetcher.NewClient(fetcher.ClientOptions{
			Provider:   name,
			BaseURL:    p.BaseURL,
			SearchPath: p.SearchPath,
			Timeout:    p.RequestTimeout,
			UserAgent:  p.UserAgent,
			APIKey:     p.APIKey,
		}, a.Logger)

		providers = append(providers, service.Provider{
			Name:       name,
			Tokens:     tokens,
			Searcher:   searcher,
			Classifier: a.newClassifier(name),
		})
	}
	return providers
}

func (a *App) newClassifier(provider string) *promo.Classifier {
	p := a.Config.Providers[provider]
	return promo.New(promo.Thresholds{LowMiles: p.LowMilesThreshold, ExtraKeywords: p.PromoKeywords})
}

func (a *App) newSink() alerting.Sink {
	if a.Config.Alerting.Channel == config.ChannelTelegram {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramSink(cfg.BotToken, cfg.APIBase, a.Config.Alerting.MaxDealsPerMessage, cfg.RequestTimeout, a.Logger)
	}
	return alerting.NewLogSink(a.Logger)
}

func (a *App) gatePolicy() alerting.GatePolicy {
	return alerting.GatePolicy{
		Cooldown:       a.Config.Gate.Cooldown,
		MinImprovement: decimal.NewFromFloat(a.Config.MinImprovementFraction()),
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
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; alerts cannot be loaded")
	}
	return store, closeStore, nil
}

func (a *App) newOrchestrator(store *storage.Store) (*service.Orchestrator, error) {
	deps := service.Deps{
		Alerts:     store,
		Providers:  a.newProviders(),
		Normalizer: normalize.New(a.Logger),
		Gate:       alerting.NewGate(a.gatePolicy(), store),
		Sink:       a.newSink(),
		Locker:     store,
		Metrics:    a.Metrics,
	}
	if a.Config.Monitor.RecordObservations {
		deps.Observations = store
	}

	return service.New(service.Options{
		BatchSize:            a.Config.Monitor.BatchSize,
		DueAfter:             a.Config.Monitor.DueAfter,
		Concurrency:          a.Config.Monitor.Concurrency,
		ProviderDelay:        a.Config.Monitor.ProviderDelay,
		MaxDealsPerAlert:     a.Config.Monitor.MaxDealsPerAlert,
		AdvisoryLockKey:      a.Config.Scheduler.AdvisoryLockKey,
		CycleTimeout:         a.Config.Scheduler.CycleTimeout,
		ObservationRetention: a.Config.Monitor.ObservationRetention,
		Retry:                auth.DefaultRetryPolicy(),
	}, deps, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if len(a.Config.Providers) == 0 {
		a.Logger.Warn().Msg("no providers configured; every alert will fail")
	}

	orch, err := a.newOrchestrator(store)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx, sched)
	})
	if a.Config.Ops.Enabled {
		server := ops.NewServer(a.Config.Ops.ListenAddr, ops.NewRouter(orch, a.Registry, store), a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	a.Logger.Info().Strs("providers", a.Config.ProviderNames()).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting offer history of one route.
type ExportOptions struct {
	Origin      string
	Destination string
	From        *time.Time
	To          *time.Time
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// CycleOptions configure a one-off cycle.
type CycleOptions struct {
	JSON bool
}
