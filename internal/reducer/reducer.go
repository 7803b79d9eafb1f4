// Package reducer implements the single-writer engine (C6): pull a batch
// off the log, fold it through the pure state package, persist exactly one
// new row, publish an advisory notification, then commit the batch.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/infrastructure/metrics"
	"github.com/pulsebutton/backend/infrastructure/resilience"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/repository"
	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/internal/state"
)

// LogReader is the subset of internal/eventlog.Consumer the engine needs.
type LogReader interface {
	ReadBatch(ctx context.Context, count int64, block time.Duration) ([]eventlog.Entry, error)
	Ack(ctx context.Context, offsets ...string) error
}

// StateStore is the subset of internal/repository.GlobalStateStore needed.
type StateStore interface {
	Latest(ctx context.Context) (state.GlobalState, error)
	Insert(ctx context.Context, next state.GlobalState) (state.GlobalState, error)
}

// RulesResolver is the subset of internal/rules.Registry needed.
type RulesResolver interface {
	ByHash(ctx context.Context, hash string) (*rules.Ruleset, error)
	Latest(ctx context.Context) (*rules.Ruleset, error)
}

// Notifier publishes the advisory update-channel message.
type Notifier interface {
	Publish(ctx context.Context, id, lastAppliedOffset int64, rulesHash string) error
}

// Config tunes the batch loop and its back-off.
type Config struct {
	BatchSize    int64
	BatchTimeout time.Duration
	RetryConfig  resilience.RetryConfig
	OnFatal      func(err error)
}

// DefaultConfig matches §4.4's suggested B=1..100, T≈1s, and the
// back-off defaults (base=1s, cap=30s, max_attempts=3).
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		BatchTimeout: time.Second,
		RetryConfig: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Engine is the reducer's main loop.
type Engine struct {
	log      LogReader
	states   StateStore
	rules    RulesResolver
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *logging.Logger
	cfg      Config

	current state.GlobalState
}

// NewEngine builds an Engine. The caller is responsible for ensuring log's
// consumer group already exists (internal/eventlog.NewConsumer does this).
func NewEngine(log LogReader, states StateStore, rulesResolver RulesResolver, notifier Notifier, m *metrics.Metrics, logger *logging.Logger, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	return &Engine{
		log:      log,
		states:   states,
		rules:    rulesResolver,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run loops until ctx is cancelled, performing one batch step per
// iteration. A batch step that exhausts its retry budget is fatal: cfg.OnFatal
// is invoked (expected to log-fatal and exit so a supervisor restarts the
// process), matching §4.4's crash-on-exhaustion design.
func (e *Engine) Run(ctx context.Context) {
	if err := e.bootstrap(ctx); err != nil {
		e.fatal(fmt.Errorf("bootstrap reducer state: %w", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := resilience.Retry(ctx, e.cfg.RetryConfig, func() error {
			return e.step(ctx)
		})
		if err != nil {
			e.fatal(fmt.Errorf("batch step exhausted retries: %w", err))
			return
		}
	}
}

// bootstrap loads the latest persisted state, or the genesis state pinned
// to the latest available ruleset if the log has never been folded. A
// process start is the point at which a newly seeded ruleset takes effect:
// the loaded state is re-pinned to the latest ruleset's hash when one can
// be read.
func (e *Engine) bootstrap(ctx context.Context) error {
	latest, err := e.states.Latest(ctx)
	if err == nil {
		e.current = latest
		if ruleset, rerr := e.rules.Latest(ctx); rerr == nil {
			e.current.RulesHash = ruleset.Hash
		}
		return nil
	}
	if !errors.Is(err, repository.ErrNoState) {
		return fmt.Errorf("load latest state: %w", err)
	}

	ruleset, rerr := e.rules.Latest(ctx)
	if rerr != nil {
		return fmt.Errorf("no persisted state and no ruleset to bootstrap genesis: %w", rerr)
	}
	e.current = state.Genesis(ruleset.Hash)
	return nil
}

// step performs exactly one batch iteration: read, fold, persist, notify,
// commit. Persistence (5) happens strictly before the log commit (7) so a
// crash between them replays the unacked batch instead of losing it; the
// replayed events are folded, and counted, a second time, and the
// superseding row is still valid.
func (e *Engine) step(ctx context.Context) error {
	start := time.Now()

	entries, err := e.log.ReadBatch(ctx, e.cfg.BatchSize, e.cfg.BatchTimeout)
	if err != nil {
		e.recordOutcome("read_error", start, 0)
		return fmt.Errorf("read batch: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return eventlog.OffsetLess(entries[i].Offset, entries[j].Offset)
	})

	ruleset, err := e.rules.ByHash(ctx, e.current.RulesHash)
	if err != nil {
		e.recordOutcome("rules_error", start, 0)
		return fmt.Errorf("resolve rules %s: %w", e.current.RulesHash, err)
	}

	events := make([]state.PressEvent, len(entries))
	for i, entry := range entries {
		events[i] = state.PressEvent{
			Offset:      offsetOrdinal(entry.Offset),
			TimestampMs: entry.Payload.TimestampMs,
			RequestID:   entry.Payload.RequestID,
		}
	}

	folded := state.ApplyBatch(e.current, events, ruleset.Config, ruleset.Hash)

	persisted, err := e.states.Insert(ctx, folded)
	if err != nil {
		e.recordOutcome("persist_error", start, 0)
		return fmt.Errorf("persist folded state: %w", err)
	}

	if err := e.notifier.Publish(ctx, persisted.ID, persisted.LastAppliedOffset, persisted.RulesHash); err != nil {
		e.logger.WithField("error", err.Error()).Warn("update channel publish failed, state already persisted")
	}

	offsets := make([]string, len(entries))
	for i, entry := range entries {
		offsets[i] = entry.Offset
	}
	if err := e.log.Ack(ctx, offsets...); err != nil {
		e.recordOutcome("ack_error", start, len(entries))
		return fmt.Errorf("ack batch: %w", err)
	}

	e.current = persisted
	e.recordOutcome("ok", start, len(entries))
	e.logger.LogReducerBatch(ctx, len(entries), time.Since(start), persisted.LastAppliedOffset, nil)
	return nil
}

func (e *Engine) recordOutcome(outcome string, start time.Time, eventsApplied int) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordReducerBatch(outcome, time.Since(start), eventsApplied)
	if outcome == "ok" {
		e.metrics.SetStateGauges(e.current.Entropy, int(e.current.Phase))
	}
}

func (e *Engine) fatal(err error) {
	if e.logger != nil {
		e.logger.WithField("error", err.Error()).Error("reducer exhausted retries, exiting for supervisor restart")
	}
	if e.cfg.OnFatal != nil {
		e.cfg.OnFatal(err)
	}
}

// offsetOrdinal folds a Redis Stream ID ("<ms>-<seq>") into the int64
// total order state.PressEvent.Offset expects. ApplyEvent treats it as an
// opaque, strictly increasing ordinal for last_applied_offset bookkeeping,
// never as a timestamp. The 10^6 multiplier reserves six decimal digits
// for seq, comfortably above what a single millisecond of stream entries
// can produce; batch ordering itself never depends on this value, since
// step() sorts entries by eventlog.OffsetLess on the raw stream ID first.
func offsetOrdinal(streamID string) int64 {
	var ms, seq int64
	if _, err := fmt.Sscanf(streamID, "%d-%d", &ms, &seq); err != nil {
		fmt.Sscanf(streamID, "%d", &ms)
	}
	return ms*1_000_000 + seq
}
