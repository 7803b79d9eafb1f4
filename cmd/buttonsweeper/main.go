// Command buttonsweeper runs the idle sweeper (C8): on a periodic tick it
// checks whether the button has been sitting in a non-calm phase past its
// own cooldown and, if so, emits a synthetic press-less event so the
// reducer can fold the phase back down without waiting for real traffic.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/pulsebutton/backend/infrastructure/cache"
	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/repository"
	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/internal/sweeper"
	"github.com/pulsebutton/backend/pkg/config"
)

const serviceName = "buttonsweeper"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buttonsweeper: load config: %v\n", err)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	states := repository.NewGlobalStateStore(sqlxDB)
	rulesetStore := repository.NewRulesetStore(sqlxDB)
	rulesCache := cache.NewCache(cache.DefaultConfig())
	rulesRegistry := rules.NewRegistry(rulesetStore, rulesCache, time.Hour, 10*time.Second)
	producer := eventlog.NewProducer(redisClient, 1_000_000)

	scfg := sweeper.DefaultConfig()
	if cfg.Sweeper.Interval != "" {
		if parsed, err := parseCronEvery(cfg.Sweeper.Interval); err == nil {
			scfg.Interval = parsed
		} else {
			logger.WithError(err).Warn("invalid sweeper interval, using default")
		}
	}

	s := sweeper.NewSweeper(states, rulesRegistry, producer, logger, scfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("buttonsweeper starting")
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("sweeper stopped unexpectedly")
	}
	logger.Info("buttonsweeper stopped")
}

// parseCronEvery accepts either a bare duration ("30s") or the
// "@every <duration>" form pkg/config's default uses, since the sweeper's
// own Config just needs a time.Duration and robfig/cron is given the
// formatted string internally.
func parseCronEvery(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "@every ")
	return time.ParseDuration(spec)
}
