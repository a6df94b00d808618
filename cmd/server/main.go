package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/cartengine/internal"
	"github.com/dukerupert/cartengine/internal/cookie"
	"github.com/dukerupert/cartengine/internal/domain"
	"github.com/dukerupert/cartengine/internal/events"
	"github.com/dukerupert/cartengine/internal/handler/api"
	"github.com/dukerupert/cartengine/internal/idempotency"
	"github.com/dukerupert/cartengine/internal/jobs"
	"github.com/dukerupert/cartengine/internal/lock"
	"github.com/dukerupert/cartengine/internal/middleware"
	"github.com/dukerupert/cartengine/internal/precondition"
	"github.com/dukerupert/cartengine/internal/pricing"
	"github.com/dukerupert/cartengine/internal/repository/memstore"
	"github.com/dukerupert/cartengine/internal/repository/postgres"
	"github.com/dukerupert/cartengine/internal/router"
	"github.com/dukerupert/cartengine/internal/routes"
	"github.com/dukerupert/cartengine/internal/service"
	"github.com/dukerupert/cartengine/internal/stock"
	"github.com/dukerupert/cartengine/internal/telemetry"
	"github.com/dukerupert/cartengine/internal/worker"
)

// storage is the persistence chosen at startup.
type storage struct {
	carts interface {
		domain.CartStore
		domain.Catalog
	}
	keys  idempotency.Store
	ready func(ctx context.Context) error
	close func()
}

func openStorage(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (*storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-process storage; carts do not survive restarts")
		return &storage{
			carts: memstore.New(cfg.Lock.WaitTimeout),
			keys:  idempotency.NewMemoryStore(),
			ready: func(context.Context) error { return nil },
			close: func() {},
		}, nil
	}

	logger.Info("Connecting to database...")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	logger.Info("Running database migrations...")
	if err := internal.MigratePool(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	return &storage{
		carts: postgres.New(pool, cfg.Lock.WaitTimeout, cfg.Lock.StatementTimeout),
		keys:  idempotency.NewPostgresStore(pool),
		ready: pool.Ping,
		close: pool.Close,
	}, nil
}

func openEmitter(cfg *internal.Config, logger *slog.Logger) (domain.EventEmitter, func(), error) {
	switch cfg.Events.Backend {
	case "nats":
		conn, err := events.ConnectNATS(cfg.Events.NATSURL, "cartengine-"+cfg.InstanceID)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		logger.Info("Publishing cart events to NATS", "url", cfg.Events.NATSURL, "prefix", cfg.Events.NATSPrefix)
		return events.NewNATSEmitter(conn, cfg.Events.NATSPrefix), func() { _ = conn.Drain() }, nil
	case "kafka":
		writer := events.NewKafkaWriter(cfg.Events.KafkaTopic, cfg.Events.KafkaBrokers...)
		logger.Info("Publishing cart events to Kafka", "topic", cfg.Events.KafkaTopic, "brokers", cfg.Events.KafkaBrokers)
		return events.NewKafkaEmitter(writer), func() { _ = writer.Close() }, nil
	default:
		return events.NewLogEmitter(logger), func() {}, nil
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	flushSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              cfg.Sentry.DSN,
		Enabled:          cfg.Sentry.Enabled,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		Debug:            cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := telemetry.NewEngineMetrics(reg, cfg.MetricsNamespace)
	httpMetrics := middleware.NewMetrics(reg, cfg.MetricsNamespace)

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	// Advisory locks and the assignment cache share one Redis when configured.
	var (
		locker lock.Locker    = lock.NewLocalLocker(cfg.Lock.WaitTimeout)
		cat    domain.Catalog = store.carts
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		locker = lock.NewRedisLocker(rdb, "cartengine:", cfg.Lock.TTL, cfg.Lock.WaitTimeout)
		cat = stock.NewCatalog(store.carts, stock.NewCachedAssignments(store.carts, rdb, cfg.Catalog.AssignmentCacheTTL, logger))
		logger.Info("Redis connected", "addr", opts.Addr)
	} else {
		logger.Warn("REDIS_URL not set, cart locks only cover this instance")
	}

	emitter, closeEmitter, err := openEmitter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEmitter()
	asyncEvents := events.NewAsync(emitter, cfg.Events.Timeout, logger, func() {
		engineMetrics.EventFailed(events.TypeCartUpdated)
	})

	mode, err := precondition.ParseMode(cfg.Precondition.Mode)
	if err != nil {
		return fmt.Errorf("invalid PRECONDITION_MODE: %w", err)
	}

	priceEngine := pricing.NewEngine(cat)
	priceEngine.OnPriceChanged = engineMetrics.PriceChanged

	carts, err := service.NewCartService(service.CartDeps{
		Store:        store.carts,
		Catalog:      cat,
		Ledger:       stock.NewLedger(cat),
		Pricing:      priceEngine,
		Controller:   lock.NewController(store.carts, locker, engineMetrics, logger),
		Precondition: precondition.NewGuard(mode, cfg.Precondition.StrictEndpoints),
		Events:       asyncEvents,
		Observer:     engineMetrics,
		Logger:       logger,
	}, service.CartConfig{
		Currency:      cfg.Cart.Currency,
		PricingPolicy: domain.PricingPolicy(cfg.Cart.PricingPolicy),
		TTL:           cfg.Cart.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cart service: %w", err)
	}

	guard := idempotency.NewGuard(store.keys, idempotency.Config{
		TTL:         cfg.Idempotency.TTL,
		StaleAfter:  cfg.Idempotency.StaleAfter,
		PollTimeout: cfg.Idempotency.PollTimeout,
		InstanceID:  cfg.InstanceID,
	}, engineMetrics, logger)

	// ==========================================================================
	// Initialize middleware
	// ==========================================================================

	securityConfig := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env == "dev" {
		securityConfig.HSTSMaxAge = 0
	}

	limiterConfig := middleware.DefaultRateLimiterConfig()
	limiterConfig.RequestsPerSecond = cfg.HTTP.RateLimitRPS
	limiterConfig.BurstSize = cfg.HTTP.RateLimitBurst
	limiterConfig.KeyFunc = cookie.RateLimitKey(middleware.GetClientIP)
	writeLimiter := middleware.NewRateLimiter(limiterConfig)
	defer writeLimiter.Stop()

	r := router.New(
		router.Recovery(logger),
		middleware.RequestID,
		cookie.Middleware,
		middleware.WithRequestLogger(logger),
		telemetry.SentryMiddleware(),
		httpMetrics.Middleware,
		middleware.SecurityHeaders(securityConfig),
		middleware.MaxBodySize(cfg.HTTP.MaxBodyBytes),
		middleware.Timeout(cfg.HTTP.RequestTimeout),
		router.Logger(logger),
	)

	routes.RegisterAPIRoutes(r, routes.APIDeps{
		CartHandler:    api.NewCartHandler(carts, guard, cookie.NewConfig(cfg.HTTP.CookieDomain, cfg.HTTP.CookieSecure), logger),
		CatalogHandler: api.NewCatalogHandler(cat, logger),
		WriteLimit:     writeLimiter.Middleware,
	})
	routes.RegisterOpsRoutes(r, routes.OpsDeps{
		Health: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if err := store.ready(req.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	// CORS wraps the whole mux so preflights are answered before method matching.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router.CORS(cfg.HTTP.CORSOrigins)(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanup := jobs.NewCleanup(guard, store.carts, engineMetrics, jobs.CleanupConfig{
		BatchSize:  cfg.Sweep.BatchSize,
		MaxBatches: cfg.Sweep.MaxBatches,
	}, logger)
	sweeper := worker.NewWorker(cleanup.Run, jobs.CleanupJobTypes, worker.Config{
		WorkerID:     cfg.InstanceID,
		PollInterval: cfg.Sweep.Interval,
		RunOnStart:   true,
	}, logger)

	// ==========================================================================
	// Start server and worker
	// ==========================================================================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting cart server", "address", srv.Addr, "pricing_policy", cfg.Cart.PricingPolicy, "precondition_mode", cfg.Precondition.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		// Let committed writes finish publishing before the transports close.
		asyncEvents.Wait()
		return nil
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
