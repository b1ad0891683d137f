package main

import (
	"context"
	"errors"
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

	"github.com/splax/buildboard/internal/analytics"
	"github.com/splax/buildboard/internal/app/migrate"
	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/events"
	httpx "github.com/splax/buildboard/internal/http"
	"github.com/splax/buildboard/internal/metrics"
	"github.com/splax/buildboard/internal/normalize"
	"github.com/splax/buildboard/internal/notify"
	"github.com/splax/buildboard/internal/repository"
	"github.com/splax/buildboard/internal/repository/postgres"
	"github.com/splax/buildboard/internal/scheduler"
	"github.com/splax/buildboard/internal/service/alert"
	"github.com/splax/buildboard/internal/service/ingest"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
	"github.com/splax/buildboard/internal/service/query"
	"github.com/splax/buildboard/internal/service/webhook"
	"github.com/splax/buildboard/internal/store"
	"github.com/splax/buildboard/internal/transport/channel"
	"github.com/splax/buildboard/internal/ws"
	"github.com/splax/buildboard/pkg/config"
	"github.com/splax/buildboard/pkg/logger"
)

const (
	startupTimeout = 30 * time.Second
	jobTimeout     = 30 * time.Second
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		logger.New("api", slog.LevelInfo).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("api", cfg.Level())
	if err := config.Validate(cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pool    *pgxpool.Pool
		runs    repository.BuildRunRepository
		rollups repository.RollupRepository
		alerts  repository.AlertRepository
		limits  repository.AlertThresholdRepository
		pinger  repository.Pinger
	)
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		if err := pool.Ping(startCtx); err != nil {
			cancel()
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if cfg.AutoMigrate {
			runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				cancel()
				log.Error("failed to configure migrations", "error", err)
				os.Exit(1)
			}
			if err := runner.Ensure(startCtx); err != nil {
				cancel()
				log.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		cancel()

		repo := postgres.New(pool)
		runs, rollups, alerts, limits, pinger = repo, repo, repo, repo, repo
	} else {
		log.Warn("DATABASE_URL not set, build state is kept in memory only")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(registry)

	aggregator := buildmetrics.NewAggregator(buildmetrics.WithBucketSpan(cfg.MetricsBucketSpan))
	bus := channel.NewEventBus(cfg.EventBusBufferSize,
		channel.WithEmitTimeout(cfg.EventBusEmitWait),
		channel.WithMetrics(sink),
		channel.WithLogger(log),
	)
	buildStore := store.New(runs, aggregator, log,
		store.WithPublisher(bus),
		store.WithMetrics(sink),
		store.WithPersistTimeout(cfg.PersistTimeout),
	)
	loadCtx, cancelLoad := context.WithTimeout(ctx, startupTimeout)
	if err := buildStore.Load(loadCtx); err != nil {
		cancelLoad()
		log.Error("failed to load build runs", "error", err)
		os.Exit(1)
	}
	cancelLoad()

	hub := ws.NewHub()
	defer hub.Close()

	var recorder ingest.Recorder
	if cfg.AnalyticsRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.AnalyticsRedisAddr})
		defer rdb.Close()
		analyticsSink := analytics.NewRedisSink(rdb, cfg.AnalyticsRetention, log)
		recorder = analyticsSink
		bus.Subscribe("analytics", analyticsSink.Handle)
	}

	alertOpts := []alert.Option{alert.WithThresholdRepository(limits)}
	var notifier *notify.Webhook
	if cfg.AlertWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.AlertWebhookURL,
			notify.WithDashboardURL(cfg.DashboardURL),
			notify.WithLogger(log),
		)
		go notifier.Run(context.WithoutCancel(ctx))
		alertOpts = append(alertOpts, alert.WithNotifier(notifier))
	}
	alertSvc := alert.New(alert.Config(cfg.Alerts), aggregator, alerts, hub, sink, log, alertOpts...)
	thresholdCtx, cancelThresholds := context.WithTimeout(ctx, startupTimeout)
	if err := alertSvc.LoadThresholds(thresholdCtx); err != nil {
		cancelThresholds()
		log.Error("failed to load alert thresholds", "error", err)
		os.Exit(1)
	}
	cancelThresholds()
	bus.Subscribe("alerts", func(ctx context.Context, t domain.Transition) error {
		alertSvc.Evaluate(ctx, t)
		return nil
	})
	bus.Subscribe("ws", func(_ context.Context, t domain.Transition) error {
		return hub.BroadcastJSON(ws.TopicBuilds, events.TransitionFrom(t))
	})

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Error("failed to configure kafka publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		bus.Subscribe("kafka", publisher.Handle)
		log.Info("publishing transitions to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	go bus.Run(context.WithoutCancel(ctx))

	rollupSvc := buildmetrics.NewRollupService(rollups, aggregator, log, cfg.MetricsRetention)
	sched := scheduler.New(log)
	jobs := []struct {
		name string
		spec string
		job  scheduler.Job
	}{
		{"metrics_rollup", cfg.RollupSchedule, rollupSvc.Flush},
		{"metrics_prune", cfg.PruneSchedule, rollupSvc.Prune},
		{"store_audit", cfg.AuditSchedule, func(ctx context.Context) error {
			_, err := buildStore.Audit(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, jobTimeout, j.job); err != nil {
			log.Error("failed to schedule job", "job", j.name, "error", err)
			os.Exit(1)
		}
	}
	sched.Start()

	proxies, err := httpx.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}

	var queryOpts []query.Option
	if runs != nil {
		queryOpts = append(queryOpts, query.WithRunReader(runs))
	}

	limiter := httpx.NewMemoryRateLimiter()
	if cfg.RateLimitRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimitRedisAddr,
			Password: cfg.RateLimitRedisPass,
			DB:       cfg.RateLimitRedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = httpx.NewRedisRateLimiter(rdb, log)
		}
		cancel()
	}

	deps := httpx.Dependencies{
		Ingest:         ingest.New(normalize.New(), buildStore, sink, recorder, log),
		Verifier:       webhook.New(cfg.WriteKey, cfg.WebhookSecret, log),
		Query:          query.New(buildStore, aggregator, log, queryOpts...),
		Alerts:         alertSvc,
		AlertStats:     alertSvc,
		Thresholds:     alertSvc,
		Hub:            hub,
		DB:             pinger,
		Limiter:        limiter,
		Sink:           sink,
		Registerer:     registry,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		MaxBodyBytes:   cfg.MaxBodyBytes,
		WebhookLimit:   cfg.WebhookRateLimit,
		TrustedProxies: proxies,
	}
	if rollups != nil {
		deps.Rollups = rollupSvc
	}
	router := httpx.NewRouter(log, deps)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment, "persistent", pool != nil)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler did not stop cleanly", "error", err)
	}
	if err := bus.Close(shutdownCtx); err != nil {
		log.Warn("event bus did not drain", "error", err)
	}
	if notifier != nil {
		if err := notifier.Close(shutdownCtx); err != nil {
			log.Warn("alert notifications did not drain", "error", err)
		}
	}
	if err := rollupSvc.Shutdown(shutdownCtx); err != nil {
		log.Warn("final rollup flush failed", "error", err)
	}
	log.Info("api server stopped")
}
