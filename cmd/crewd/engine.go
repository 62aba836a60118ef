package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/crews/api"
	"github.com/gregtusar/crews/internal/config"
	"github.com/gregtusar/crews/pkg/backtest"
	"github.com/gregtusar/crews/pkg/binance"
	"github.com/gregtusar/crews/pkg/cache"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/crew"
	"github.com/gregtusar/crews/pkg/events"
	"github.com/gregtusar/crews/pkg/marketdata"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/optimizer"
	"github.com/gregtusar/crews/pkg/performance"
	"github.com/gregtusar/crews/pkg/repository"
	"github.com/gregtusar/crews/pkg/repository/postgres"
	"github.com/gregtusar/crews/pkg/retry"
	"github.com/gregtusar/crews/pkg/service"
	"github.com/gregtusar/crews/pkg/simulator"
	"github.com/gregtusar/crews/pkg/strategy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// engine is every long-running part of crewd, wired together.
type engine struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    *marketdata.Store
	feed     *marketdata.Feed
	stream   *binance.KlineStream
	registry *crew.Registry
	loop     *optimizer.Loop
	server   *api.Server
	closers  []func() error
}

func build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*engine, error) {
	clk := clock.Wall{}
	e := &engine{cfg: cfg, logger: logger}

	repos, closeRepos, err := newRepositories(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, closeRepos)

	store, closeArchive, err := newStore(ctx, cfg, clk, logger)
	if err != nil {
		e.close()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, func() error { closeArchive(); return nil })

	policy := retry.DefaultPolicy()
	if cfg.Trading.MaxRetries > 0 {
		policy.MaxAttempts = cfg.Trading.MaxRetries
	}
	e.feed = marketdata.NewFeed(store, clk, cfg.MarketData.PollInterval, policy, logger)

	series, err := cfg.MarketData.Series()
	if err != nil {
		e.close()
		return nil, err
	}
	if len(series) > 0 {
		streamURL := cfg.Binance.StreamURL
		if streamURL == "" {
			streamURL = binanceConfig(cfg).StreamURL()
		}
		e.stream = binance.NewKlineStream(streamURL, e.feed, series, logger)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(events.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
		publisher = kp
		e.closers = append(e.closers, kp.Close)
	}

	var executor crew.OrderExecutor
	if cfg.Trading.LiveEnabled {
		client := binance.NewClient(binanceConfig(cfg), clk, logger)
		executor = crew.NewRetryingExecutor(binance.NewExecutor(client, logger), policy, logger)
		logger.Warn("LIVE trading is enabled")
	}

	sim := simulator.NewFillSimulator(simulator.Config{
		CommissionRate:  cfg.Trading.Commission(),
		CommissionAsset: cfg.Trading.CommissionAsset,
		SlippageBps:     cfg.Trading.Slippage(),
	})

	book := strategy.NewBook(repos.Strategies, strategy.DefaultRegistry(), clk, logger)
	e.registry = crew.NewRegistry(&crew.Deps{
		Market:    store,
		Simulator: sim,
		Executor:  executor,
		Repos:     repos,
		Events:    publisher,
		Clock:     clk,
		Logger:    logger,
		Options: crew.Options{
			HistorySize:     cfg.MarketData.HistorySize,
			DispatchTimeout: cfg.Trading.DispatchTimeout,
		},
	}, book, e.feed)

	perf := performance.NewAggregator(repos, store, publisher, clk, performance.Config{InitialCapital: cfg.Trading.Capital()}, logger)

	grid := optimizer.DefaultGridConfig()
	grid.InitialCapital = cfg.Trading.Capital()
	if cfg.Optimizer.Window > 0 {
		grid.Window = cfg.Optimizer.Window
	}
	if len(cfg.Optimizer.Steps) > 0 {
		grid.Steps = cfg.Optimizer.Steps
	}
	if cfg.Optimizer.MaxIterations > 0 {
		grid.MaxIterations = cfg.Optimizer.MaxIterations
	}
	if cfg.Optimizer.MinSnapshots > 0 {
		grid.MinSnapshots = cfg.Optimizer.MinSnapshots
	}
	search := optimizer.NewGridSearch(store, book.Registry(), backtest.NewRunner(sim, logger), clk, grid, logger)

	objective, err := optimizer.ParseObjective(cfg.Optimizer.Objective)
	if err != nil {
		e.close()
		return nil, err
	}
	e.loop = optimizer.NewLoop(e.registry, book, perf, search, clk, optimizer.Config{
		Interval:    cfg.Optimizer.Interval,
		Lookback:    cfg.Optimizer.Lookback,
		Objective:   objective,
		Threshold:   cfg.Optimizer.Threshold,
		Concurrency: cfg.Optimizer.Concurrency,
	}, logger)

	svc := service.New(service.Deps{
		Crews:       e.registry,
		Strategies:  book,
		Fills:       repos.Fills,
		Performance: perf,
		Optimizer:   e.loop,
		Market:      store,
		Clock:       clk,
		Logger:      logger,
	})
	e.server = api.NewServer(svc, cfg.Server, cfg.Auth, clk, logger)

	if err := e.registry.Load(ctx); err != nil {
		e.close()
		return nil, fmt.Errorf("failed to load crews: %w", err)
	}
	return e, nil
}

// run blocks until ctx is done or a component fails, then stops every crew
// worker.
func (e *engine) run(ctx context.Context) error {
	defer e.registry.Shutdown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.server.Start(ctx) })
	g.Go(func() error { return e.feed.Run(ctx) })
	if e.stream != nil {
		g.Go(func() error { return e.stream.Run(ctx) })
	}
	if e.cfg.Optimizer.Enabled {
		g.Go(func() error { return e.loop.Run(ctx) })
	}
	if e.cfg.MarketData.Retention > 0 {
		g.Go(func() error { return e.prune(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *engine) prune(ctx context.Context) error {
	every := e.cfg.MarketData.PruneInterval
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.store.Prune(ctx, now.UTC().Add(-e.cfg.MarketData.Retention))
		}
	}
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.WithError(err).Warn("Failed to close resource")
		}
	}
	e.closers = nil
}

func binanceConfig(cfg *config.Config) binance.Config {
	return binance.Config{
		APIKey:            cfg.Binance.APIKey,
		APISecret:         cfg.Binance.APISecret,
		Testnet:           cfg.Binance.Testnet,
		BaseURL:           cfg.Binance.BaseURL,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
		Timeout:           cfg.Binance.Timeout,
	}
}

func newRepositories(cfg config.DatabaseConfig, logger *logrus.Logger) (*repository.Set, func() error, error) {
	if cfg.Driver != "postgres" {
		logger.Info("Using in-memory repositories")
		return repository.NewMemory(), func() error { return nil }, nil
	}

	db, err := postgres.Open(postgres.Option{
		DSN:      cfg.DSN,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Name,
		SSLMode:  cfg.SSLMode,
	})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	logger.Info("Connected to postgres")
	return postgres.New(db), sqlDB.Close, nil
}

// newStore builds the candle store over the Binance REST API, with the Redis
// archive behind it when enabled.
func newStore(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *logrus.Logger) (*marketdata.Store, func(), error) {
	source := binance.NewClient(binanceConfig(cfg), clk, logger)
	storeCfg := marketdata.StoreConfig{
		FetchTimeout: cfg.MarketData.FetchTimeout,
		SettleWindow: cfg.MarketData.SettleWindow,
	}

	if !cfg.Redis.Enabled {
		return marketdata.NewStore(source, nil, clk, storeCfg, logger), func() {}, nil
	}
	archive, err := cache.Dial(ctx, cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		TTL:      cfg.Redis.TTL,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis candle archive")
	closeArchive := func() {
		if err := archive.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Redis")
		}
	}
	return marketdata.NewStore(source, archive, clk, storeCfg, logger), closeArchive, nil
}

func candlesFrom(ctx context.Context, store *marketdata.Store, symbol, interval string, start, end time.Time, strict bool) (*marketdata.Result, error) {
	iv, err := models.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	return store.GetCandles(ctx, symbol, iv, start, end, marketdata.Options{Strict: strict})
}
