// Command buttonapi serves the ingress HTTP surface: proof-of-work
// challenges, press admission, current-state reads, the SSE/websocket
// fan-out streams, and the health/admin probes. It never writes
// GlobalState directly — only the single buttonreducer process does that.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/infrastructure/metrics"
	"github.com/pulsebutton/backend/infrastructure/middleware"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/fanout"
	"github.com/pulsebutton/backend/internal/health"
	"github.com/pulsebutton/backend/internal/httpapi"
	"github.com/pulsebutton/backend/internal/migrate"
	"github.com/pulsebutton/backend/internal/pow"
	"github.com/pulsebutton/backend/internal/ratelimit"
	"github.com/pulsebutton/backend/internal/repository"
	"github.com/pulsebutton/backend/internal/updatechannel"
	"github.com/pulsebutton/backend/pkg/config"
	"github.com/pulsebutton/backend/pkg/pgnotify"
)

const serviceName = "buttonapi"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buttonapi: load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, cfg.Logging.Level, cfg.Logging.Format)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("ping database")
	}
	if cfg.Database.MigrateOnStart {
		if err := migrate.Up(db, migrate.DefaultSourceURL); err != nil {
			logger.WithError(err).Fatal("apply schema migrations")
		}
	}
	sqlxDB := sqlx.NewDb(db, cfg.Database.Driver)

	bus, err := pgnotify.NewWithDB(db, cfg.Database.ConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("start update channel listener")
	}
	defer bus.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	states := repository.NewGlobalStateStore(sqlxDB)
	producer := eventlog.NewProducer(redisClient, 1_000_000)
	subscriber := updatechannel.NewSubscriber(bus)

	onRedisErr := func(err error) { logger.WithError(err).Warn("backing store unavailable, failing open") }
	limiter := ratelimit.NewLimiter(redisClient, onRedisErr)
	usedSet := pow.NewRedisUsedSet(redisClient)
	oracle := pow.NewOracle(pow.Config{
		Secret:     powSecret(),
		Difficulty: cfg.PoW.BaseDifficulty,
		TTL:        time.Duration(cfg.PoW.ChallengeTTLSec) * time.Second,
	}, usedSet, onRedisErr)

	collector, err := health.NewCollector()
	if err != nil {
		logger.WithError(err).Warn("process stats unavailable")
		collector = nil
	}

	handlers := httpapi.New(oracle, limiter, producer, states, collector, logger, cfg.PoW.Bypass, cfg.RateLimit.Bypass)
	bridge := fanout.NewBridge(states, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := bridge.Run(ctx, subscriber); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("fan-out bridge stopped")
		}
	}()

	checker := middleware.NewHealthChecker(serviceVersion())
	health.Register(checker, producer, subscriber, states, 2*time.Second)

	m := metrics.Init(serviceName)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	if metrics.Enabled() {
		router.Use(middleware.MetricsMiddleware(serviceName, m))
	}

	router.HandleFunc("/v1/challenge", handlers.Challenge).Methods(http.MethodPost)
	router.HandleFunc("/v1/events/press", handlers.Press).Methods(http.MethodPost)
	router.HandleFunc("/v1/states/current", handlers.CurrentState).Methods(http.MethodGet)
	router.HandleFunc("/v1/states/stream", bridge.ServeSSE).Methods(http.MethodGet)
	router.HandleFunc("/v1/states/ws", bridge.ServeWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/v1/admin/stats", handlers.Stats).Methods(http.MethodGet)
	router.HandleFunc("/health", checker.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.ReadinessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.LivenessHandler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("buttonapi listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("serve http")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown")
	}
}

// powSecret reads the HMAC signing secret from the environment rather than
// pkg/config, since it must never be logged or serialized with the rest of
// the config tree.
func powSecret() []byte {
	secret := os.Getenv("POW_SECRET")
	if secret == "" {
		secret = "dev-insecure-pow-secret"
	}
	return []byte(secret)
}

func serviceVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}
