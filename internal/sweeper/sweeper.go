// Package sweeper implements the idle sweeper (C8): a periodic task that
// nudges the reducer to fold a no-new-press event when the button has
// gone quiet, so entropy keeps decaying under the EWMA even without a
// new press landing.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/internal/state"
)

// StateStore is the subset of internal/repository.GlobalStateStore the
// sweeper needs.
type StateStore interface {
	Latest(ctx context.Context) (state.GlobalState, error)
}

// Producer is the subset of internal/eventlog.Producer the sweeper needs
// to push its synthetic event into the same log the reducer consumes.
type Producer interface {
	Append(ctx context.Context, payload eventlog.Payload) (string, error)
}

// RulesResolver is the subset of internal/rules.Registry the sweeper needs
// to turn a state's pinned rules_hash back into the cooldown bases that
// hash froze.
type RulesResolver interface {
	ByHash(ctx context.Context, hash string) (*rules.Ruleset, error)
}

// Config tunes the sweeper's schedule.
type Config struct {
	// Interval is both the cron tick period and the bucket width used to
	// dedupe request ids across ticks. 30s per §4.6's suggestion.
	Interval time.Duration
}

// DefaultConfig returns the spec-suggested 30s tick.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Sweeper owns the cron schedule and the decision of whether to emit a
// synthetic event on a given tick.
type Sweeper struct {
	states   StateStore
	rules    RulesResolver
	producer Producer
	logger   *logging.Logger
	cfg      Config
	now      func() time.Time
}

// NewSweeper builds a Sweeper.
func NewSweeper(states StateStore, rulesResolver RulesResolver, producer Producer, logger *logging.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{
		states:   states,
		rules:    rulesResolver,
		producer: producer,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run starts the cron schedule and blocks until ctx is cancelled. A tick
// that errors is logged and skipped; it never stops the schedule, since
// one failed sweep should not prevent the next one from trying again.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		if err := s.tick(ctx); err != nil {
			s.logger.WithField("error", err.Error()).Warn("sweeper tick failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

// tick performs one sweep: load the latest state, resolve the ruleset it
// was pinned to, and if it has gone idle past the phase-appropriate
// cooldown base that ruleset declares, emit a synthetic event. Cooldowns
// are rule-derived fields, never read off the state row directly (§9) —
// state.CooldownMs is the reducer's own entropy-scaled value for the fold
// that produced it, not the flat base this comparison needs.
func (s *Sweeper) tick(ctx context.Context) error {
	current, err := s.states.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest state: %w", err)
	}

	if current.Phase == state.PhaseCalm {
		return nil
	}

	ruleset, err := s.rules.ByHash(ctx, current.RulesHash)
	if err != nil {
		return fmt.Errorf("resolve pinned ruleset %s: %w", current.RulesHash, err)
	}

	nowMs := s.now().UnixMilli()
	age := nowMs - current.UpdatedAtMs
	if age <= cooldownBaseMs(current.Phase, ruleset.Config) {
		return nil
	}

	bucket := bucketStart(current.UpdatedAtMs, s.cfg.Interval)
	_, err = s.producer.Append(ctx, eventlog.Payload{
		TimestampMs: nowMs,
		RequestID:   fmt.Sprintf("sweep:%d", bucket),
	})
	if err != nil {
		return fmt.Errorf("emit synthetic event: %w", err)
	}
	return nil
}

// cooldownBaseMs picks the phase-appropriate cooldown base from the
// pinned ruleset: CALM base for CALM, WARM base for WARM, and the chaos
// base for both HOT and CHAOS, matching §4.4's own HOT/CHAOS bucketing.
func cooldownBaseMs(phase state.Phase, cfg state.RulesConfig) int64 {
	switch phase {
	case state.PhaseCalm:
		return cfg.CooldownCalmMs
	case state.PhaseWarm:
		return cfg.CooldownWarmMs
	default:
		return cfg.CooldownChaosMs
	}
}

// bucketStart truncates ms down to the start of its interval-wide
// bucket. Using the state's own updated_at_ms (which only changes when
// a new event folds) rather than the current wall clock means every
// tick that observes the same idle state uses the same request id;
// each such tick still appends its own event, and the reducer does not
// dedupe on request id (§9).
func bucketStart(ms int64, interval time.Duration) int64 {
	width := interval.Milliseconds()
	if width <= 0 {
		return ms
	}
	return ms - (ms % width)
}
