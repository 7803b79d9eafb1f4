// Command buttonadmin is the operator CLI: seed/publish a RulesConfig
// version, list the ruleset registry, inspect the current GlobalState, and
// drive a PoW-bypassed load test against a running buttonapi. None of this
// is exposed over HTTP by buttonapi itself; operators run this against the
// database directly (for seed-rules/state/rulesets) or against a live
// endpoint (for loadtest).
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/pulsebutton/backend/infrastructure/cache"
	"github.com/pulsebutton/backend/internal/repository"
	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/pkg/config"
	"github.com/pulsebutton/backend/pkg/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "buttonadmin: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("no command specified")
	}

	switch args[0] {
	case "seed-rules":
		return runSeedRules(ctx, args[1:])
	case "state":
		return runState(ctx, args[1:])
	case "rulesets":
		return runRulesets(ctx, args[1:])
	case "loadtest":
		return runLoadtest(ctx, args[1:])
	case "version", "--version":
		fmt.Fprintln(stdout, version.FullVersion())
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println(`buttonadmin - pulsebutton operator CLI

Usage:
  buttonadmin seed-rules <file.yaml> [--force]
  buttonadmin state
  buttonadmin rulesets [--limit N] [--offset N]
  buttonadmin loadtest --target URL --rate N --duration D
  buttonadmin version

seed-rules, state, and rulesets connect directly to the configured
database (DATABASE_URL / DATABASE_* env vars); loadtest talks to a
running buttonapi over HTTP.`)
}

// openRepositories opens a direct database connection and wraps it in the
// same stores the reducer and fan-out bridge use, so this CLI reads and
// writes through the identical persistence boundary the rest of the
// system does rather than hand-rolled SQL.
func openRepositories() (*repository.GlobalStateStore, *repository.RulesetStore, *rules.Registry, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	sqlxDB := sqlx.NewDb(db, cfg.Database.Driver)

	states := repository.NewGlobalStateStore(sqlxDB)
	rulesetStore := repository.NewRulesetStore(sqlxDB)
	registry := rules.NewRegistry(rulesetStore, cache.NewCache(cache.DefaultConfig()), 0, 0)

	return states, rulesetStore, registry, func() { db.Close() }, nil
}

var stdout io.Writer = os.Stdout
