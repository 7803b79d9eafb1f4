package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/internal/state"
)

type fakeStates struct {
	current state.GlobalState
	err     error
}

func (f *fakeStates) Latest(ctx context.Context) (state.GlobalState, error) {
	if f.err != nil {
		return state.GlobalState{}, f.err
	}
	return f.current, nil
}

type fakeProducer struct {
	appended []eventlog.Payload
}

func (f *fakeProducer) Append(ctx context.Context, payload eventlog.Payload) (string, error) {
	f.appended = append(f.appended, payload)
	return "1-0", nil
}

type fakeRules struct {
	byHash map[string]*rules.Ruleset
	err    error
}

func (f *fakeRules) ByHash(ctx context.Context, hash string) (*rules.Ruleset, error) {
	if f.err != nil {
		return nil, f.err
	}
	rs, ok := f.byHash[hash]
	if !ok {
		return nil, errors.New("no such ruleset")
	}
	return rs, nil
}

// testRuleset is pinned by every fakeStates.current in this file via the
// hash "rules-1": WARM cooldown 20s, CHAOS/HOT cooldown 10s, CALM unused.
func testRuleset() *fakeRules {
	return &fakeRules{byHash: map[string]*rules.Ruleset{
		"rules-1": {
			Hash: "rules-1",
			Config: state.RulesConfig{
				CooldownCalmMs:  5_000,
				CooldownWarmMs:  20_000,
				CooldownChaosMs: 10_000,
			},
		},
	}}
}

func testSweeper(states *fakeStates, resolver RulesResolver, producer *fakeProducer, now time.Time) *Sweeper {
	s := NewSweeper(states, resolver, producer, logging.New("sweeper-test", "error", "text"), Config{Interval: 30 * time.Second})
	s.now = func() time.Time { return now }
	return s
}

func TestTick_SkipsCalmPhase(t *testing.T) {
	states := &fakeStates{current: state.GlobalState{Phase: state.PhaseCalm, UpdatedAtMs: 0, RulesHash: "rules-1"}}
	producer := &fakeProducer{}
	s := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(producer.appended) != 0 {
		t.Fatalf("expected no synthetic event for CALM phase")
	}
}

func TestTick_SkipsWhenWithinCooldown(t *testing.T) {
	states := &fakeStates{current: state.GlobalState{Phase: state.PhaseWarm, UpdatedAtMs: 90_000, RulesHash: "rules-1"}}
	producer := &fakeProducer{}
	s := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(producer.appended) != 0 {
		t.Fatalf("expected no synthetic event while still within cooldown")
	}
}

func TestTick_EmitsSyntheticEventPastCooldown(t *testing.T) {
	states := &fakeStates{current: state.GlobalState{Phase: state.PhaseWarm, UpdatedAtMs: 50_000, RulesHash: "rules-1"}}
	producer := &fakeProducer{}
	s := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(producer.appended) != 1 {
		t.Fatalf("expected one synthetic event, got %d", len(producer.appended))
	}
	if producer.appended[0].TimestampMs != 100_000 {
		t.Fatalf("timestamp = %d, want 100000", producer.appended[0].TimestampMs)
	}
	if producer.appended[0].RequestID != "sweep:30000" {
		t.Fatalf("request id = %q, want sweep:30000", producer.appended[0].RequestID)
	}
}

func TestTick_HotPhaseUsesChaosCooldownBase(t *testing.T) {
	// HOT shares CHAOS's cooldown base (10s, per §4.4/§4.6). Age is 15s, so
	// this must fire even though it would still be within a WARM-sized
	// cooldown window.
	states := &fakeStates{current: state.GlobalState{Phase: state.PhaseHot, UpdatedAtMs: 85_000, RulesHash: "rules-1"}}
	producer := &fakeProducer{}
	s := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(producer.appended) != 1 {
		t.Fatalf("expected one synthetic event, got %d", len(producer.appended))
	}
}

func TestTick_RepeatedTicksInSameBucketProduceSameRequestID(t *testing.T) {
	states := &fakeStates{current: state.GlobalState{Phase: state.PhaseHot, UpdatedAtMs: 50_000, RulesHash: "rules-1"}}
	producer := &fakeProducer{}

	s1 := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))
	s2 := testSweeper(states, testRuleset(), producer, time.UnixMilli(105_000))

	if err := s1.tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if err := s2.tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(producer.appended) != 2 {
		t.Fatalf("expected two appended events (each tick appends; nothing dedupes on request id), got %d", len(producer.appended))
	}
	if producer.appended[0].RequestID != producer.appended[1].RequestID {
		t.Fatalf("expected identical request ids for ticks in the same bucket, got %q and %q",
			producer.appended[0].RequestID, producer.appended[1].RequestID)
	}
}

func TestTick_PropagatesStateStoreError(t *testing.T) {
	states := &fakeStates{err: errors.New("db down")}
	producer := &fakeProducer{}
	s := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))

	if err := s.tick(context.Background()); err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestTick_PropagatesRulesResolutionError(t *testing.T) {
	states := &fakeStates{current: state.GlobalState{Phase: state.PhaseWarm, UpdatedAtMs: 50_000, RulesHash: "missing-hash"}}
	producer := &fakeProducer{}
	s := testSweeper(states, testRuleset(), producer, time.UnixMilli(100_000))

	if err := s.tick(context.Background()); err == nil {
		t.Fatalf("expected error when the pinned ruleset cannot be resolved")
	}
	if len(producer.appended) != 0 {
		t.Fatalf("expected no synthetic event when rules resolution fails")
	}
}

func TestBucketStart_TruncatesToIntervalWidth(t *testing.T) {
	if got := bucketStart(95_000, 30*time.Second); got != 90_000 {
		t.Fatalf("bucketStart = %d, want 90000", got)
	}
	if got := bucketStart(60_000, 30*time.Second); got != 60_000 {
		t.Fatalf("bucketStart = %d, want 60000", got)
	}
}
