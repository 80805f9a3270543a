package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"coinwatch/internal/alerting"
	"coinwatch/internal/cache"
	"coinwatch/internal/config"
	"coinwatch/internal/events"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/httpapi"
	"coinwatch/internal/scheduler"
	"coinwatch/internal/service"
	"coinwatch/internal/storage"
	"coinwatch/internal/stream"
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

func (a *App) newFetcher() *fetcher.CoinGecko {
	up := a.Config.Upstream
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:      up.BaseURL,
		APIKey:       up.APIKey,
		APIKeyHeader: up.APIKeyHeader,
		Timeout:      up.Timeout,
		UserAgent:    up.UserAgent,
		PollInterval: a.Config.Scheduler.Interval,
		MaxBackoff:   up.MaxBackoff,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) cacheOptions() cache.Options {
	return cache.Options{
		PollInterval: a.Config.Scheduler.Interval,
		MaxJitter:    a.Config.Cache.TTLJitter,
		WindowSize:   a.Config.Cache.WindowSize,
	}
}

func (a *App) topics() events.Topics {
	return events.Topics{Price: a.Config.Stream.PriceTopic, Combined: a.Config.Stream.CombinedTopic}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Logger)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	cfg := a.Config.Redis
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &storage.StoreError{Op: "ping redis " + cfg.Addr, Err: err}
	}
	return client, nil
}

func (a *App) newHTTPServer(prices cache.PriceCache, hub *stream.Hub) *httpapi.Server {
	return httpapi.New(httpapi.Options{
		Addr:            a.Config.HTTP.Addr,
		QuoteCurrency:   a.Config.Market.QuoteCurrency,
		Heartbeat:       a.Config.Stream.Heartbeat,
		ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
	}, prices, hub, a.Logger)
}

// Run executes the long-running poll worker, plus the HTTP surface when enabled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var (
		alertStore storage.AlertStore
		locker     storage.AdvisoryLocker
	)
	if store != nil {
		alertStore = store
		locker = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; evaluating against an empty in-memory alert store")
		alertStore = storage.NewMemoryStore()
	}

	hub := stream.NewHub(a.Config.Stream.SubscriberBuffer, a.Logger)
	defer hub.Close()

	var (
		prices    cache.PriceCache
		publisher events.Publisher
		relay     *stream.Relay
	)
	switch a.Config.Cache.Backend {
	case config.CacheBackendRedis:
		client, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		prices = cache.NewRedisCache(client, a.cacheOptions(), a.Logger)
		publisher = events.NewRedisPublisher(client, a.topics(), a.Logger)
		relay = stream.NewRelay(client, a.Config.Stream.CombinedTopic, hub, a.Logger)
	default:
		prices = cache.NewMemoryCache(a.cacheOptions(), nil)
		publisher = hub
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	evaluator := alerting.NewEvaluator(alertStore, a.Logger)
	svc := service.New(a.Config, sched, a.newFetcher(), evaluator, prices, publisher, a.newNotifier(), locker, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if a.Config.HTTP.Enabled {
		server := a.newHTTPServer(prices, hub)
		g.Go(func() error { return server.Run(gctx) })
		if relay != nil {
			g.Go(func() error { return relay.Run(gctx) })
		}
	}

	a.Logger.Info().
		Str("cache", a.Config.Cache.Backend).
		Bool("http", a.Config.HTTP.Enabled).
		Strs("assets", a.Config.Market.Assets).
		Msg("starting price worker")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("worker terminated with error")
		return err
	}

	a.Logger.Info().Msg("price worker stopped")
	return nil
}

// Serve runs the HTTP surface alone, reading the shared Redis cache and relaying its topic.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Cache.Backend != config.CacheBackendRedis {
		return fmt.Errorf("serve requires cache.backend=%s; use run with http.enabled for a single process", config.CacheBackendRedis)
	}

	client, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	hub := stream.NewHub(a.Config.Stream.SubscriberBuffer, a.Logger)
	defer hub.Close()

	prices := cache.NewRedisCache(client, a.cacheOptions(), a.Logger)
	relay := stream.NewRelay(client, a.Config.Stream.CombinedTopic, hub, a.Logger)
	server := a.newHTTPServer(prices, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("api terminated with error")
		return err
	}
	return nil
}

// Migrate creates the alert schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("alert schema ready")
	return nil
}

// ExportOptions hold parameters for exporting the recent window.
type ExportOptions struct {
	Asset     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Assets []string
}

// SimulateOptions configure a one-off cycle against a static price.
type SimulateOptions struct {
	Asset     string
	Price     float64
	Operator  string
	Threshold float64
}
