package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/Reactive-autolend/internal/alerting"
	"github.com/FrankiePower/Reactive-autolend/internal/config"
	"github.com/FrankiePower/Reactive-autolend/internal/fetcher"
	"github.com/FrankiePower/Reactive-autolend/internal/metrics"
	"github.com/FrankiePower/Reactive-autolend/internal/observation"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
	"github.com/FrankiePower/Reactive-autolend/internal/rebalance"
	"github.com/FrankiePower/Reactive-autolend/internal/service"
	"github.com/FrankiePower/Reactive-autolend/internal/storage"
	"github.com/FrankiePower/Reactive-autolend/internal/vault"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) sourceConfig(slot observation.Slot) config.SourceConfig {
	if slot == observation.SlotB {
		return a.Config.Sources.B
	}
	return a.Config.Sources.A
}

// newSource builds the rate source for one slot; the returned closer may be nil.
func (a *App) newSource(slot observation.Slot) (fetcher.RateSource, func(), error) {
	cfg := a.sourceConfig(slot)
	logger := a.Logger.With().Str("slot", slot.String()).Str("source", cfg.Name).Logger()

	switch cfg.Kind {
	case config.SourceLendingPool:
		return fetcher.NewLendingPool(fetcher.LendingPoolOptions{
			RPCURL:              a.Config.Ethereum.RPCURL,
			DataProviderAddress: cfg.LendingPool.DataProviderAddress,
			AssetAddress:        cfg.LendingPool.AssetAddress,
			Timeout:             a.Config.Ethereum.RequestTimeout,
		}, logger), nil, nil
	case config.SourceHTTP:
		return fetcher.NewHTTPFeed(fetcher.HTTPOptions{
			URL:       cfg.HTTP.URL,
			Timeout:   cfg.HTTP.Timeout,
			UserAgent: cfg.HTTP.UserAgent,
		}, logger), nil, nil
	case config.SourceRedis:
		stream := fetcher.NewRedisStream(fetcher.RedisOptions{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			Stream:   cfg.Redis.Stream,
		}, logger)
		return stream, func() { _ = stream.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source kind %q for slot %s", cfg.Kind, slot)
	}
}

func (a *App) serviceSources() ([2]service.Source, func(), error) {
	var (
		out     [2]service.Source
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, slot := range observation.Slots {
		src, closer, err := a.newSource(slot)
		if err != nil {
			closeAll()
			return out, nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		cfg := a.sourceConfig(slot)
		out[slot] = service.Source{
			Name:         cfg.Name,
			Fetcher:      src,
			Interval:     cfg.Interval,
			RateDecimals: cfg.RateDecimals,
		}
	}
	return out, closeAll, nil
}

func (a *App) newVault() *vault.Client {
	return vault.NewClient(vault.Options{
		RPCURL:              a.Config.Ethereum.RPCURL,
		Address:             a.Config.Vault.Address,
		RelayURL:            a.Config.Vault.RelayURL,
		Timeout:             a.Config.Vault.RequestTimeout,
		ReceiptPollInterval: a.Config.Vault.ReceiptPollInterval,
	}, a.Logger)
}

func (a *App) newAmountPolicy() (policy.AmountPolicy, error) {
	minAmount, err := a.Config.Policy.Min()
	if err != nil {
		return nil, err
	}
	return policy.NewProportional(a.Config.Policy.MoveBps, minAmount)
}

func (a *App) rules() rebalance.Options {
	return rebalance.Options{
		ThresholdBps: a.Config.Monitor.ThresholdBps,
		Cooldown:     a.Config.Monitor.Cooldown,
		RecordOn:     a.Config.Monitor.RecordPolicy(),
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
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

// Run executes the long-running monitor.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Vault.Address == "" {
		return errors.New("vault.address is required to run the monitor")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; journal and single-instance lock disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sources, closeSources, err := a.serviceSources()
	if err != nil {
		return err
	}
	defer closeSources()

	amount, err := a.newAmountPolicy()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	metrics.Serve(ctx, a.Config.Metrics.Addr, reg, a.Logger)

	client := a.newVault()
	deps := service.Deps{
		Sources:  sources,
		Pools:    client,
		Vault:    client,
		Amount:   amount,
		Notifier: a.newNotifier(),
		Metrics:  m,
	}
	if store != nil {
		deps.Journal = store
		deps.Intents = store
		deps.Locker = store
	}

	svc := service.New(service.Options{
		Rules:              a.rules(),
		MaxInFlight:        a.Config.Monitor.MaxInFlight,
		Caller:             a.Config.Vault.MonitorAddress,
		EventBuffer:        a.Config.Monitor.EventBuffer,
		LockKey:            a.Config.Monitor.AdvisoryLockKey,
		AllocationInterval: a.Config.Vault.AllocationInterval,
		Retention:          a.Config.Database.Retention,
	}, deps, a.Logger)

	a.Logger.Info().
		Str("source_a", sources[observation.SlotA].Name).
		Str("source_b", sources[observation.SlotB].Name).
		Str("vault", a.Config.Vault.Address).
		Msg("starting rebalance monitor")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebalance monitor stopped")
	return nil
}

// ExportOptions hold parameters for exporting observation history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure a replay over journaled observations.
type ReplayOptions struct {
	From time.Time
	To   time.Time
}

// SimulateOptions describe a single simulated decision cycle.
type SimulateOptions struct {
	RateA   string
	RateB   string
	Outcome string
}
