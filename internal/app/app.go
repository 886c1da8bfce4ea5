package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gasguard/internal/alerting"
	"gasguard/internal/attestation"
	"gasguard/internal/cache"
	"gasguard/internal/chain"
	"gasguard/internal/config"
	"gasguard/internal/feed"
	"gasguard/internal/fetcher"
	"gasguard/internal/oracle"
	"gasguard/internal/prediction"
	"gasguard/internal/service"
	"gasguard/internal/storage"
	"gasguard/internal/telemetry"
	"gasguard/internal/version"
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

// components is the wired object graph shared by every command.
type components struct {
	store      *storage.Store
	cache      cache.Cache
	redis      *cache.Redis
	tracker    *fetcher.GasTracker
	oracle     *oracle.Oracle
	feeds      *feed.Client
	attest     *attestation.Client
	predictor  *prediction.Engine
	dispatcher *alerting.Dispatcher
	alerts     *alerting.Engine
	closers    []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(a.Config.Database.DSN, a.Logger); err != nil {
			return nil, nil, err
		}
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

func (a *App) openCache(ctx context.Context) (cache.Cache, *cache.Redis, error) {
	if a.Config.Redis.Addr == "" {
		a.Logger.Warn().Msg("redis.addr not configured; using in-process cache")
		return cache.NewMemory(cache.DefaultMemoryEntries), nil, nil
	}
	r, err := cache.NewRedis(ctx, cache.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return r, r, nil
}

// build wires every component. Missing credentials disable the matching feature
// instead of failing.
func (a *App) build(ctx context.Context) (*components, error) {
	c := &components{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		c.store = store
		c.closers = append(c.closers, closeStore)
	}

	kv, redisClient, err := a.openCache(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.cache = kv
	if redisClient != nil {
		c.redis = redisClient
		c.closers = append(c.closers, func() { _ = redisClient.Close() })
	}

	rpc := chain.NewClient(chain.Options{
		Network: a.Config.Chain.Network,
		RPCURL:  a.Config.Chain.RPCURL(),
		Timeout: a.Config.Chain.RequestTimeout,
	}, a.Logger)
	c.closers = append(c.closers, rpc.Close)

	defaultGwei := decimal.NewFromFloat(a.Config.Oracle.DefaultGwei)

	var sampleStore storage.GasSampleStore
	var modelStore storage.ModelStore
	var notificationStore storage.NotificationStore
	if c.store != nil {
		sampleStore = c.store
		modelStore = c.store
		notificationStore = c.store
	}

	c.tracker = a.newGasTracker(c.redis)
	sources := a.gasSources(c.tracker, rpc, defaultGwei)

	c.oracle = oracle.New(c.cache, sampleStore, oracle.Options{
		Sources:       sources,
		Default:       defaultGwei,
		SourceTimeout: a.Config.Oracle.SourceTimeout,
	}, a.Logger)
	c.closers = append(c.closers, c.oracle.Close)

	var reader feed.FeedReader
	if addr := a.Config.Feed.ContractAddress; addr != "" {
		r, err := feed.NewContractReader(rpc, addr)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("feed.contract_address: %w", err)
		}
		reader = r
	}
	c.feeds = feed.NewClient(c.cache, reader, a.Config.Feed.EpochBlocks, a.Logger)

	verifier, err := a.newVerifier(rpc)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.attest = attestation.NewClient(c.cache, verifier, c.oracle, attestation.Options{
		PollDelay: a.Config.Attestation.PollDelay,
	}, a.Logger)

	c.predictor = prediction.NewEngine(c.cache, c.oracle, modelStore, a.Logger)

	c.dispatcher = alerting.NewDispatcher(notificationStore, a.Logger, a.senders(c.store, c.redis)...)
	c.alerts = alerting.NewEngine(c.store, c.oracle, c.feeds, c.dispatcher, a.Logger)

	return c, nil
}

func (a *App) newGasTracker(redisClient *cache.Redis) *fetcher.GasTracker {
	cfg := a.Config.GasTracker
	if cfg.APIKey == "" {
		return nil
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	var limiter fetcher.Limiter
	if redisClient != nil && cfg.RateLimitPerSecond > 0 {
		limiter = cache.NewRateLimiter(redisClient.Client(), cfg.RateLimitPerSecond)
	}
	return fetcher.NewGasTracker(fetcher.TrackerOptions{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		ChainID:   cfg.ChainID,
		Timeout:   cfg.RequestTimeout,
		UserAgent: userAgent,
	}, limiter, a.Logger)
}

func (a *App) gasSources(tracker *fetcher.GasTracker, rpc *chain.Client, fallback decimal.Decimal) []fetcher.GasSource {
	var sources []fetcher.GasSource
	for _, name := range a.Config.Oracle.Sources {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case fetcher.GasTrackerSourceName:
			if tracker == nil {
				a.Logger.Warn().Msg("gas_tracker.api_key not configured; gas tracker source disabled")
				continue
			}
			sources = append(sources, tracker)
		case fetcher.ChainFeeSourceName:
			if a.Config.Chain.RPCURL() == "" {
				a.Logger.Warn().Str("network", a.Config.Chain.Network).Msg("no rpc url for network; chain fee source disabled")
				continue
			}
			sources = append(sources, fetcher.NewChainFee(fetcher.NewRPCFeeReader(rpc), fallback, a.Logger))
		}
	}
	return sources
}

func (a *App) newVerifier(rpc *chain.Client) (attestation.Verifier, error) {
	addr := a.Config.Attestation.VerifierAddress
	if addr == "" {
		return nil, nil
	}
	var sender *chain.Transactor
	if a.Config.Chain.PrivateKey != "" {
		tx, err := chain.NewTransactor(rpc, a.Config.Chain.PrivateKey, a.Config.Chain.ChainID)
		if err != nil {
			return nil, fmt.Errorf("chain.private_key: %w", err)
		}
		sender = tx
	} else {
		a.Logger.Warn().Msg("chain.private_key not configured; attestation requests cannot be submitted")
	}
	v, err := attestation.NewContractVerifier(rpc, sender, addr)
	if err != nil {
		return nil, fmt.Errorf("attestation.verifier_address: %w", err)
	}
	return v, nil
}

func (a *App) senders(store *storage.Store, redisClient *cache.Redis) []alerting.Sender {
	cfg := a.Config.Notifications
	var out []alerting.Sender

	if cfg.Browser.Enabled && store != nil {
		var publisher alerting.Publisher
		if cfg.Browser.Publish && redisClient != nil {
			publisher = redisClient
		}
		out = append(out, alerting.NewBrowserSender(store, publisher, a.Logger))
	}
	if cfg.Telegram.BotToken != "" {
		out = append(out, alerting.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger))
	}
	if cfg.Discord.WebhookURL != "" {
		out = append(out, alerting.NewDiscordSender(cfg.Discord.WebhookURL, cfg.Discord.Timeout, a.Logger))
	}
	if cfg.SMTP.Host != "" && cfg.SMTP.Username != "" && cfg.SMTP.Password != "" {
		out = append(out, alerting.NewEmailSender(alerting.SMTPOptions{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, a.Logger))
	}
	return out
}

// Run executes the long-running background service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, a.Config.Tracing, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("flush traces")
		}
	}()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	jobs := service.Jobs{
		Gas:        c.oracle,
		Forecasts:  c.predictor,
		CrossChain: c.attest,
	}
	var locker storage.AdvisoryLocker
	if c.store != nil {
		jobs.Alerts = c.alerts
		locker = c.store
	} else {
		a.Logger.Warn().Msg("alert checks disabled without a database")
	}

	svc := service.New(a.Config.Scheduler, jobs, locker, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	if listen := a.Config.Metrics.Listen; listen != "" {
		metrics := telemetry.NewMetricsServer(listen, nil, a.Logger)
		g.Go(func() error { return metrics.Run(gctx) })
	}
	g.Go(func() error { return svc.Run(gctx) })

	a.Logger.Info().Msg("starting gasguard service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gasguard service stopped")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(_ context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	return storage.Migrate(a.Config.Database.DSN, a.Logger)
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ExportOptions hold parameters for exporting historical gas samples.
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
