package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exchange/spotbot/internal/config"
	"github.com/exchange/spotbot/internal/execution"
	"github.com/exchange/spotbot/internal/idempotency"
	"github.com/exchange/spotbot/internal/marketdata"
	"github.com/exchange/spotbot/internal/metrics"
	"github.com/exchange/spotbot/internal/repository"
	"github.com/exchange/spotbot/internal/router"
	"github.com/exchange/spotbot/internal/ws"
	"github.com/exchange/spotbot/pkg/health"
	"github.com/exchange/spotbot/pkg/logger"
	"github.com/exchange/spotbot/pkg/redis"
	"github.com/exchange/spotbot/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, nil).SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	log.Infof("starting", map[string]interface{}{
		"port":         cfg.HTTPPort,
		"default_mode": string(cfg.DefaultMode),
		"idempotency":  cfg.Idempotency.Backend,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  1,
	})
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	m := metrics.New()
	hc := health.New()

	// 连接 PostgreSQL，启动时失败则由各 workspace 首次使用时重连
	db, err := repository.Open(ctx, cfg.DSN())
	if err != nil {
		log.WithError(err).Warn("postgres unavailable at startup")
		db = nil
	} else {
		defer db.Close()
		hc.Register(health.NewPostgresChecker(db.DB()))
		log.Info("connected to postgres")
	}

	// 连接 Redis；redis 幂等后端不可用时拒绝启动
	rdb, err := redis.NewClient(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		if cfg.Idempotency.Backend == "redis" {
			log.WithError(err).Error("redis required for IDEMPOTENCY_BACKEND=redis")
			os.Exit(1)
		}
		log.WithError(err).Warn("redis unavailable, fill events disabled")
		rdb = nil
	} else {
		defer rdb.Close()
		hc.Register(health.NewRedisChecker(rdb))
		log.Info("connected to redis")
	}

	// 幂等存储
	var (
		store idempotency.Store
		cache *idempotency.Cache
	)
	if cfg.Idempotency.Backend == "redis" {
		store = idempotency.NewRedisStore(rdb, "")
	} else {
		cache = idempotency.NewCache(
			idempotency.WithSweepInterval(cfg.Idempotency.SweepInterval),
			idempotency.WithLogger(log),
			idempotency.WithEvictHook(m.AddCacheEvicted),
		)
		store = cache
	}
	interceptor := idempotency.NewInterceptor(store, cfg.Idempotency.TTL, log, m)

	// 行情
	var quotes execution.QuoteSource = marketdata.NewStaticQuotes()
	if cfg.QuoteWSURL != "" {
		feed := marketdata.NewBookTickerFeed(cfg.QuoteWSURL, log)
		feed.Start(ctx)
		defer feed.Close()
		quotes = feed
	}

	// 成交与风控事件推送
	var (
		fills  execution.Publisher
		events RiskPublisher
	)
	if rdb != nil {
		pub := ws.NewPublisher(rdb, cfg.FillEventChannel)
		fills, events = pub, pub
	}

	rt := router.New(router.Deps{
		Config:      cfg,
		Quotes:      quotes,
		Publisher:   fills,
		Metrics:     m,
		Logger:      log,
		Cache:       cache,
		OpenTracker: trackerOpener(db, cfg.DSN()),
	})
	hc.Register(health.NewFuncChecker("fill_backlog", func(context.Context) (health.Status, string) {
		if n := rt.PendingWrites(); n > 0 {
			return health.StatusDegraded, fmt.Sprintf("%d fills awaiting reconcile", n)
		}
		return health.StatusUp, ""
	}))
	if err := rt.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	srv := &server{
		router:  rt,
		idem:    interceptor,
		events:  events,
		metrics: m,
		health:  hc,
		log:     log,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			os.Exit(1)
		}
	}()
	hc.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	hc.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	cancel()
	rt.Stop()
	if n, err := rt.Reconcile(shutdownCtx); err != nil {
		log.WithError(err).Warnf("pending fills not persisted", map[string]interface{}{"written": n})
	}
	rt.Reset("")
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown failed")
	}
	log.Info("shutdown complete")
}

// trackerOpener 共享连接池可用时复用，否则每个 workspace 独立重连
func trackerOpener(shared *repository.Tracker, dsn string) router.TrackerOpener {
	return func(ctx context.Context, workspace string) (router.WorkspaceTracker, error) {
		if shared != nil {
			return repository.NewTracker(shared.DB()), nil
		}
		return repository.Open(ctx, dsn)
	}
}
