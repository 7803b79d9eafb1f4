// Command buttonreducer runs the single-writer fold engine (C6). Exactly
// one instance of this process may be active against a given log/state
// store pair at a time; nothing in the process enforces this, and a
// second instance would fold from its own in-memory state.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/pulsebutton/backend/infrastructure/cache"
	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/infrastructure/metrics"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/reducer"
	"github.com/pulsebutton/backend/internal/repository"
	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/internal/updatechannel"
	"github.com/pulsebutton/backend/pkg/config"
	"github.com/pulsebutton/backend/pkg/pgnotify"
)

const serviceName = "buttonreducer"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buttonreducer: load config: %v\n", err)
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
	sqlxDB := sqlx.NewDb(db, cfg.Database.Driver)

	bus, err := pgnotify.NewWithDB(db, cfg.Database.ConnectionString())
	if err != nil {
		logger.WithError(err).Fatal("start update channel publisher")
	}
	defer bus.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	consumer, err := eventlog.NewConsumer(ctx, redisClient)
	if err != nil {
		logger.WithError(err).Fatal("create log consumer group")
	}

	states := repository.NewGlobalStateStore(sqlxDB)
	rulesetStore := repository.NewRulesetStore(sqlxDB)
	rulesCache := cache.NewCache(cache.DefaultConfig())
	rulesRegistry := rules.NewRegistry(rulesetStore, rulesCache, time.Hour, 10*time.Second)
	publisher := updatechannel.NewPublisher(bus)

	m := metrics.Init(serviceName)

	rcfg := reducer.DefaultConfig()
	if cfg.Reducer.BatchSize > 0 {
		rcfg.BatchSize = int64(cfg.Reducer.BatchSize)
	}
	if d, err := time.ParseDuration(cfg.Reducer.BackoffBase); err == nil && d > 0 {
		rcfg.RetryConfig.InitialDelay = d
	}
	if d, err := time.ParseDuration(cfg.Reducer.BackoffCap); err == nil && d > 0 {
		rcfg.RetryConfig.MaxDelay = d
	}
	if cfg.Reducer.MaxAttempts > 0 {
		rcfg.RetryConfig.MaxAttempts = cfg.Reducer.MaxAttempts
	}
	rcfg.OnFatal = func(err error) {
		logger.WithError(err).Error("reducer fatal, exiting for supervisor restart")
		cancel()
		os.Exit(1)
	}

	engine := reducer.NewEngine(consumer, states, rulesRegistry, publisher, m, logger, rcfg)

	logger.Info("buttonreducer starting")
	engine.Run(ctx)
	logger.Info("buttonreducer stopped")
}
