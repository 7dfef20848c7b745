package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"callsignal/internal/attribution"
	"callsignal/internal/cache"
	"callsignal/internal/config"
	"callsignal/internal/conversion"
	"callsignal/internal/db"
	"callsignal/internal/dispatch"
	"callsignal/internal/http/handlers"
	appmw "callsignal/internal/http/middleware"
	"callsignal/internal/ingest"
	"callsignal/internal/logger"
	"callsignal/internal/metrics"
	"callsignal/internal/provider"
	"callsignal/internal/reconcile"
	"callsignal/internal/scheduler"
	"callsignal/internal/security"
)

func main() {
	_ = godotenv.Load()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	store := db.NewStore(gormDB)
	defer store.Close()

	if err := store.EnsureBootstrapSite(ctx, db.BootstrapSite{
		PublicID:          cfg.BootstrapSitePublicID,
		Name:              "bootstrap",
		APIKey:            cfg.BootstrapSiteAPIKey,
		CallSigningSecret: cfg.BootstrapSiteSigningSecret,
	}); err != nil {
		log.Error().Err(err).Msg("failed to ensure bootstrap site")
	}

	if cfg.IsProduction() && cfg.CronSecret == "" {
		log.Error().Msg("APP_CRON_SECRET is not set; /cron and /metrics will answer 503")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Without redis every cache concern falls back to its in-process or
	// ledger-only form.
	var (
		usageCache ingest.UsageCache
		reconCache reconcile.UsageCache
		rate       ingest.RateLimiter
		cachePing  handlers.Pinger
		replay     attribution.ReplayGuard = cache.NewLocalReplayGuard()
		locker     scheduler.Locker        = cache.NewLocalLocker()
	)
	if cfg.RedisURL != "" {
		rc, err := cache.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rc.Close()
		usageCache, reconCache, rate, cachePing, replay, locker = rc, rc, rc, rc, rc, rc
	} else {
		log.Warn().Msg("APP_REDIS_URL not set; using ledger usage counts and in-process locks")
	}

	gate := ingest.NewGate(store, usageCache, m, log, cfg.IdempotencyBucket)
	ingestSvc := ingest.NewService(ingest.ServiceOptions{
		Sites:         store,
		Events:        store,
		Tx:            store,
		Gate:          gate,
		Rate:          rate,
		RatePerMinute: cfg.RateLimitPerMinute,
		Metrics:       m,
		Logger:        log,
	})
	callSvc := attribution.NewService(attribution.ServiceOptions{
		Sites:   store,
		Calls:   store,
		Matcher: attribution.NewMatcher(store),
		Replay:  replay,
		Metrics: m,
		Logger:  log,
	})
	enqueueSvc := conversion.NewService(store, m, log, time.Now)
	worker := dispatch.NewWorker(store, provider.NewClient(cfg.ConversionAPIURL, cfg.ConversionAPIToken, cfg.ConversionAPITimeout), dispatch.Config{
		BatchSize:   cfg.DispatchBatchSize,
		Concurrency: cfg.DispatchConcurrency,
		MaxAttempts: cfg.DispatchMaxAttempts,
		Timeout:     cfg.DispatchTimeout,
		StuckCutoff: cfg.StuckCutoff,
	}, m, log)
	pull := dispatch.NewPull(store)
	reconciler := reconcile.New(store, reconCache, m, log)
	issuer := security.NewTokenIssuer(cfg.SessionTokenSecret, cfg.SessionTokenTTL)

	jobs := scheduler.New(locker, cfg.JobLockTTL, m, log)
	registerJobs(jobs, cfg, store, worker, reconciler)

	r := router.New()
	r.SaveMatchedRoutePath = true

	r.GET("/healthz", handlers.Healthz(store, cachePing, log))

	r.POST("/v1/ingest", handlers.IngestHandler(ingestSvc, log))
	r.POST("/v1/call-event", handlers.CallEvent(callSvc, log))
	r.POST("/v1/calls/{id}/stage", appmw.OperatorAuth(cfg, store, log)(handlers.StageAction(enqueueSvc, log)))

	r.POST("/v1/handshake", handlers.Handshake(store, issuer, log))
	sessionAuth := appmw.SessionAuth(issuer)
	r.POST("/v1/export", sessionAuth(handlers.Export(pull, log)))
	r.POST("/v1/ack", sessionAuth(handlers.Ack(pull, log)))
	r.POST("/v1/ack-failed", sessionAuth(handlers.AckFailed(pull, log)))

	r.GET("/v1/metrics", handlers.SiteMetricsHandler(store, reg, log))

	cronAuth := appmw.CronAuth(cfg, log)
	r.GET("/metrics", cronAuth(handlers.MetricsHandler(reg)))
	for _, name := range jobs.Names() {
		r.POST("/cron/"+name, cronAuth(handlers.CronJob(jobs, name, log)))
	}

	server := &fasthttp.Server{
		Handler:      appmw.RequestLogger(log, m)(r.Handler),
		Name:         "callsignal",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("callsignal listening")
		return server.ListenAndServe(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.ShutdownWithContext(shutdownCtx)
	})
	if cfg.InternalScheduler {
		g.Go(func() error { return jobs.Start(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("callsignal stopped")
}

// registerJobs wires the batch jobs shared by /cron and the in-process
// crontab.
func registerJobs(s *scheduler.Scheduler, cfg *config.Config, store *db.Store, worker *dispatch.Worker, reconciler *reconcile.Reconciler) {
	s.Register(scheduler.Job{
		Name: scheduler.JobDispatch,
		Spec: "* * * * *",
		Run: func(ctx context.Context) (any, error) {
			return worker.Run(ctx)
		},
	})
	s.Register(scheduler.Job{
		Name:    scheduler.JobRecover,
		Spec:    "*/5 * * * *",
		Timeout: time.Minute,
		Run: func(ctx context.Context) (any, error) {
			n, err := worker.RecoverStuck(ctx)
			return map[string]int64{"recovered": n}, err
		},
	})
	s.Register(scheduler.Job{
		Name:    scheduler.JobReconcileEnqueue,
		Spec:    "*/15 * * * *",
		Timeout: time.Minute,
		Run: func(ctx context.Context) (any, error) {
			return reconciler.Enqueue(ctx)
		},
	})
	s.Register(scheduler.Job{
		Name:    scheduler.JobReconcileRun,
		Spec:    "*/5 * * * *",
		Timeout: 50 * time.Second,
		Run: func(ctx context.Context) (any, error) {
			return reconciler.RunBatch(ctx, cfg.ReconcileBatchSize)
		},
	})
	s.Register(scheduler.Job{
		Name:    scheduler.JobCleanup,
		Spec:    "30 3 * * *",
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) (any, error) {
			return store.RunRetention(ctx, time.Now().UTC(), cfg.IdempotencyRetentionDays, cfg.QueueRetentionDays)
		},
	})
}
