package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"llm_router/internal/alerting"
	"llm_router/internal/archive"
	"llm_router/internal/classifier"
	"llm_router/internal/config"
	"llm_router/internal/engine"
	"llm_router/internal/ledger"
	"llm_router/internal/metrics"
	"llm_router/internal/middleware"
	"llm_router/internal/models"
	"llm_router/internal/orchestrator"
	"llm_router/internal/providers"
	"llm_router/internal/queue"
	"llm_router/internal/ratelimit"
	"llm_router/internal/routing"
	"llm_router/internal/storage"
	"llm_router/internal/usage"
	"llm_router/internal/utils"
)

// Router routes one request; *engine.Engine implements it
type Router interface {
	Route(ctx context.Context, req engine.Request) (*engine.Response, error)
}

// BudgetReader exposes tenant budget rows; every ledger.Ledger implements it
type BudgetReader interface {
	GetBudgets(ctx context.Context, tenantID string) ([]models.TenantBudget, error)
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Engine             Router
	Budgets            BudgetReader
	Limiter            ratelimit.Limiter
	RateLimitPerMinute int
	JWTSecret          []byte
	Gatherer           prometheus.Gatherer
	Health             map[string]HealthCheck

	logger  *utils.Logger
	closers []func(ctx context.Context) error
}

// Handler builds the HTTP handler for deps
func (d *Dependencies) Handler() http.Handler {
	if d.logger == nil {
		d.logger = utils.NewLogger("httpapi")
	}
	mux := http.NewServeMux()
	registerRoutes(mux, d)
	return mux
}

func registerRoutes(mux *http.ServeMux, d *Dependencies) {
	tenantJWT := middleware.TenantJWTMiddleware(d.JWTSecret)

	mux.Handle("POST /v1/route", tenantJWT(http.HandlerFunc(d.handleRoute)))
	mux.Handle("GET /v1/tenants/{id}/budget", tenantJWT(http.HandlerFunc(d.handleTenantBudget)))

	// Health check endpoint - public
	mux.HandleFunc("GET /healthz", d.handleHealth)

	// Metrics endpoint - public
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Shutdown stops background workers and closes connections in reverse start order
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			d.logger.Error("Shutdown step failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	d.closers = nil
	return firstErr
}

func (d *Dependencies) onShutdown(fn func(ctx context.Context) error) {
	d.closers = append(d.closers, fn)
}

// NewRouter creates an HTTP router with all dependencies wired up. Background
// workers are started with ctx; call Dependencies.Shutdown to stop them.
func NewRouter(ctx context.Context, cfg *config.Config) (http.Handler, *Dependencies, error) {
	deps := &Dependencies{
		JWTSecret:          cfg.JWTSecret,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Health:             make(map[string]HealthCheck),
		logger:             utils.NewLogger("httpapi"),
	}
	h, err := deps.build(ctx, cfg)
	if err != nil {
		// Release whatever was opened before the failure.
		_ = deps.Shutdown(context.Background())
		return nil, nil, err
	}
	return h, deps, nil
}

func (d *Dependencies) build(ctx context.Context, cfg *config.Config) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	d.Gatherer = registry

	// Load the immutable rule table and provider list first so bad files fail fast.
	rules, err := config.LoadRules(cfg.Routing.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing rules: %w", err)
	}
	providerConfigs, err := config.LoadProviders(cfg.Providers.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	if err := config.CheckCoverage(rules, providerConfigs); err != nil {
		return nil, err
	}

	// Initialize Redis client
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = storage.NewRedisClient(ctx, storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		d.onShutdown(func(context.Context) error { return redisClient.Close() })
		d.Health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// Initialize database
	var db *storage.DB
	if cfg.Database.Enabled() {
		db, err = storage.NewDB(storage.DBConfig{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		d.onShutdown(func(context.Context) error { return db.Close() })
		d.Health["database"] = db.Health

		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, err
			}
		}
	}

	// Initialize budget ledger
	ledgerCfg := ledger.Config{
		ReservationTTL:     cfg.Ledger.ReservationTTL,
		FinalizedRetention: cfg.Ledger.FinalizedRetention,
		KeyPrefix:          cfg.Ledger.KeyPrefix,
	}
	var l ledger.Ledger
	if cfg.Ledger.Backend == "redis" {
		l = ledger.NewRedisLedger(redisClient, ledgerCfg)
	} else {
		l = ledger.NewMemoryLedger(ledgerCfg)
	}
	d.Budgets = l

	if err := d.seedBudgets(ctx, cfg, l, db); err != nil {
		return nil, err
	}

	sweeper := ledger.NewSweeper(l, cfg.Ledger.SweepSchedule, m)
	if err := sweeper.Start(ctx); err != nil {
		return nil, err
	}
	d.onShutdown(func(context.Context) error { sweeper.Stop(); return nil })

	// Initialize provider registry
	providerRegistry := providers.NewRegistry()
	for _, pc := range providerConfigs {
		p, err := providers.NewProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", pc.ID, err)
		}
		providerRegistry.Register(p)
	}
	d.onShutdown(func(context.Context) error { return providerRegistry.Close() })
	invoker := providers.NewBreakerInvoker(providerRegistry, providers.BreakerConfig{
		ConsecutiveFailures: cfg.Providers.BreakerFailures,
		OpenTimeout:         cfg.Providers.BreakerOpenTimeout,
		HalfOpenRequests:    cfg.Providers.BreakerHalfOpenReqs,
	})

	// Initialize queue infrastructure
	usageQueueCfg := d.queueConfig(cfg, "usage")
	usageQueue, usageDLQ, err := newQueues(redisClient, usageQueueCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage queue: %w", err)
	}
	d.onShutdown(func(context.Context) error { return usageQueue.Close() })

	// Threshold events are only published where an external deliverer can read them.
	var alertQueue queue.Queue
	if cfg.Queue.UseRedis && redisClient != nil {
		alertQueue, _, err = newQueues(redisClient, d.queueConfig(cfg, "alerts"))
		if err != nil {
			return nil, fmt.Errorf("failed to create alert queue: %w", err)
		}
		d.onShutdown(func(context.Context) error { return alertQueue.Close() })
	} else {
		d.logger.Info("Alerts queue needs QUEUE_USE_REDIS, threshold events are logged only")
	}

	// Initialize usage archive
	archiver, err := newArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		d.onShutdown(func(context.Context) error { return archiver.Close() })
	}

	// Create usage queue worker
	var writer storage.UsageWriter
	if db != nil {
		writer = db.NewUsageRepository()
	}
	if writer == nil && archiver == nil {
		d.logger.Warn("No database or archive configured, usage records are only counted")
	}
	usageWorker := storage.NewUsageQueueWorker(usageQueue, usageDLQ, writer, archiver, usageQueueCfg)
	usageWorker.Start(ctx)
	d.onShutdown(func(context.Context) error { return usageWorker.Stop() })

	// Usage recorder
	var store usage.Store = usage.NewQueueStore(usageQueue)
	if redisClient != nil {
		store = usage.NewDedupStore(redisClient, store, cfg.Queue.DedupTTL)
	}
	notifier := newNotifier(alertQueue)
	recorder := usage.NewRecorder(l, store, notifier, m, usage.Config{AuditFailures: cfg.Routing.AuditFailures})

	orch := orchestrator.New(routing.NewEngine(l, m), invoker, recorder, m, orchestrator.Config{
		MaxAttempts:    cfg.Routing.MaxAttempts,
		AttemptTimeout: cfg.Routing.AttemptTimeout,
	})
	d.Engine = engine.New(rules, classifier.New(cfg.Routing.DefaultMaxTokens), orch)

	// Initialize rate limiter
	if cfg.RateLimitPerMinute > 0 && redisClient != nil {
		d.Limiter = ratelimit.NewRateLimiter(redisClient)
	} else {
		if cfg.RateLimitPerMinute > 0 {
			d.logger.Warn("RATE_LIMIT_PER_MINUTE needs Redis, rate limiting disabled")
		}
		d.Limiter = ratelimit.NewNoopLimiter()
	}

	d.logger.Info("Router initialized",
		"ledger", cfg.Ledger.Backend,
		"task_types", len(rules.TaskTypes()),
		"providers", len(providerConfigs),
		"redis", redisClient != nil,
		"database", db != nil,
	)
	return d.Handler(), nil
}

// seedBudgets onboards tenants from the seed file, then from Postgres, so
// database rows win over the file
func (d *Dependencies) seedBudgets(ctx context.Context, cfg *config.Config, l ledger.Ledger, db *storage.DB) error {
	var budgets []models.TenantBudget
	if cfg.Budgets.SeedFile != "" {
		seeds, err := config.LoadBudgets(cfg.Budgets.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to load budget seeds: %w", err)
		}
		budgets = append(budgets, seeds...)
	}
	if db != nil && cfg.Budgets.SeedFromDB {
		rows, err := db.NewBudgetRepository().List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load budgets from database: %w", err)
		}
		budgets = append(budgets, rows...)
	}

	for _, b := range budgets {
		if err := l.UpsertBudget(ctx, b); err != nil {
			return fmt.Errorf("failed to onboard budget %s/%s: %w", b.TenantID, b.Period, err)
		}
	}
	d.logger.Info("Tenant budgets loaded", "rows", len(budgets))
	return nil
}

func (d *Dependencies) queueConfig(cfg *config.Config, name string) *queue.Config {
	qc := queue.DefaultConfig(name)
	qc.UseRedis = cfg.Queue.UseRedis
	qc.BatchSize = cfg.Queue.BatchSize
	qc.BatchTimeout = cfg.Queue.BatchTimeout
	qc.MaxRetries = cfg.Queue.MaxRetries
	qc.RetryBackoff = cfg.Queue.RetryBackoff
	return qc
}

func newQueues(client *redis.Client, qc *queue.Config) (queue.Queue, queue.DeadLetterQueue, error) {
	if !qc.UseRedis || client == nil {
		return queue.NewMemoryQueue(qc), queue.NewMemoryDeadLetterQueue(), nil
	}
	q, err := queue.NewRedisQueue(client, qc)
	if err != nil {
		return nil, nil, err
	}
	dlq, err := queue.NewRedisDeadLetterQueue(client, qc)
	if err != nil {
		return nil, nil, err
	}
	return q, dlq, nil
}

// newNotifier logs every threshold event and also publishes it when an
// alerts queue is given
func newNotifier(alerts queue.Queue) alerting.MultiNotifier {
	n := alerting.MultiNotifier{alerting.NewLogNotifier()}
	if alerts != nil {
		n = append(n, alerting.NewQueueNotifier(alerts))
	}
	return n
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Writer, error) {
	switch {
	case cfg.S3Bucket != "":
		w, err := archive.NewS3Writer(ctx, archive.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
			PodName:   cfg.PodName,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 archive: %w", err)
		}
		return w, nil
	case cfg.FileTemplate != "":
		w, err := archive.NewFileWriter(cfg.FileTemplate, cfg.FileMaxSize, cfg.FileMaxFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file archive: %w", err)
		}
		return w, nil
	}
	return nil, nil
}
