package state

import (
	"math"
	"testing"
)

func testRules() RulesConfig {
	return RulesConfig{
		EntropyAlpha:      0.2,
		MaxRateForEntropy: 5.0,
		CalmThreshold:     0.3,
		HotThreshold:      0.6,
		ChaosThreshold:    0.85,
		CooldownCalmMs:    10_000,
		CooldownWarmMs:    20_000,
		CooldownChaosMs:   40_000,
		RevealCalmMs:      3_000,
		RevealWarmMs:      8_000,
		RevealChaosMs:     20_000,
	}
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestUpdateEntropy_InitialWithNilDt(t *testing.T) {
	rules := testRules()
	got := updateEntropy(0.0, nil, rules)
	if !closeEnough(got, rules.EntropyAlpha) {
		t.Fatalf("entropy = %v, want %v", got, rules.EntropyAlpha)
	}
}

func TestUpdateEntropy_ClampedHighRate(t *testing.T) {
	rules := testRules()
	prevEntropy := 0.5
	dt := 0.0001
	got := updateEntropy(prevEntropy, &dt, rules)
	expected := (1.0-rules.EntropyAlpha)*prevEntropy + rules.EntropyAlpha*1.0
	if !closeEnough(got, expected) {
		t.Fatalf("entropy = %v, want %v", got, expected)
	}
	if got < 0 || got > 1 {
		t.Fatalf("entropy out of bounds: %v", got)
	}
}

func TestTransitionPhase_Thresholds(t *testing.T) {
	rules := testRules()
	if p := transitionPhase(rules.CalmThreshold-1e-6, rules); p != PhaseCalm {
		t.Errorf("got %v, want CALM", p)
	}
	if p := transitionPhase((rules.CalmThreshold+rules.HotThreshold)/2, rules); p != PhaseWarm {
		t.Errorf("got %v, want WARM", p)
	}
	if p := transitionPhase((rules.HotThreshold+rules.ChaosThreshold)/2, rules); p != PhaseHot {
		t.Errorf("got %v, want HOT", p)
	}
	if p := transitionPhase(rules.ChaosThreshold+1e-6, rules); p != PhaseChaos {
		t.Errorf("got %v, want CHAOS", p)
	}
}

func TestComputeCooldownMs_AcrossPhases(t *testing.T) {
	rules := testRules()
	if got := computeCooldownMs(PhaseCalm, 0.0, rules); got != int64(float64(rules.CooldownCalmMs)*0.5) {
		t.Errorf("CALM cooldown = %d", got)
	}
	if got := computeCooldownMs(PhaseWarm, 1.0, rules); got != rules.CooldownWarmMs {
		t.Errorf("WARM cooldown = %d", got)
	}
	// HOT shares CHAOS's base.
	if got := computeCooldownMs(PhaseHot, 0.5, rules); got != int64(float64(rules.CooldownChaosMs)*0.75) {
		t.Errorf("HOT cooldown = %d", got)
	}
	if got := computeCooldownMs(PhaseChaos, 0.5, rules); got != int64(float64(rules.CooldownChaosMs)*0.75) {
		t.Errorf("CHAOS cooldown = %d", got)
	}
}

func TestComputeRevealUntilMs_ExtendsWindow(t *testing.T) {
	rules := testRules()
	now := int64(1_000_000)

	if got := computeRevealUntilMs(0, now, PhaseCalm, rules); got != now+rules.RevealCalmMs {
		t.Errorf("got %d, want %d", got, now+rules.RevealCalmMs)
	}

	prev := now + 1000
	candidate := now + rules.RevealChaosMs
	want := prev
	if candidate > want {
		want = candidate
	}
	if got := computeRevealUntilMs(prev, now, PhaseChaos, rules); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestApplyEvent_GenesisSetsDtNilAndIncrementsCounter(t *testing.T) {
	rules := testRules()
	genesis := Genesis("hash")
	event := PressEvent{Offset: 10, TimestampMs: 1000, RequestID: "r10"}

	got := ApplyEvent(genesis, event, rules, "hash")

	if got.Counter != 1 {
		t.Errorf("counter = %d, want 1", got.Counter)
	}
	if got.UpdatedAtMs != 1000 {
		t.Errorf("updated_at_ms = %d, want 1000", got.UpdatedAtMs)
	}
	if got.LastAppliedOffset != 10 {
		t.Errorf("last_applied_offset = %d, want 10", got.LastAppliedOffset)
	}
	if got.CooldownMs < 0 {
		t.Errorf("cooldown_ms should be non-negative, got %d", got.CooldownMs)
	}
}

func TestApplyEvent_PositiveDtProgresses(t *testing.T) {
	rules := testRules()
	prev := GlobalState{UpdatedAtMs: 1000, Counter: 5, Entropy: 0.0, Phase: PhaseCalm, RulesHash: "hash"}
	event := PressEvent{Offset: 11, TimestampMs: 1100, RequestID: "r11"}

	got := ApplyEvent(prev, event, rules, "hash")

	if got.Counter != 6 {
		t.Errorf("counter = %d, want 6", got.Counter)
	}
	if got.UpdatedAtMs != 1100 {
		t.Errorf("updated_at_ms = %d, want 1100", got.UpdatedAtMs)
	}
	if got.LastAppliedOffset != 11 {
		t.Errorf("last_applied_offset = %d, want 11", got.LastAppliedOffset)
	}
	if got.Entropy < 0 {
		t.Errorf("entropy should be non-negative, got %v", got.Entropy)
	}
}

// Scenario 1 in the end-to-end walkthrough: genesis press with default
// rules lands in CALM.
func TestApplyEvent_GenesisPressScenario(t *testing.T) {
	rules := testRules()
	genesis := Genesis("hash")
	event := PressEvent{Offset: 1, TimestampMs: 1_700_000_000_000, RequestID: "r1"}

	got := ApplyEvent(genesis, event, rules, "hash")

	if !closeEnough(got.Entropy, rules.EntropyAlpha) {
		t.Fatalf("entropy = %v, want %v", got.Entropy, rules.EntropyAlpha)
	}
	if got.Phase != PhaseCalm {
		t.Fatalf("phase = %v, want CALM", got.Phase)
	}
	if got.Counter != 1 {
		t.Fatalf("counter = %d, want 1", got.Counter)
	}
}

// Scenario 2: rapid burst saturates entropy toward 1 and reaches CHAOS.
func TestApplyBatch_RapidBurstSaturatesEntropy(t *testing.T) {
	rules := testRules()
	prev := ApplyEvent(Genesis("hash"), PressEvent{Offset: 1, TimestampMs: 1_700_000_000_000}, rules, "hash")

	events := make([]PressEvent, 0, 10)
	start := int64(1_700_000_001_000)
	for i := 0; i < 10; i++ {
		events = append(events, PressEvent{
			Offset:      int64(2 + i),
			TimestampMs: start + int64(i)*10,
		})
	}

	got := ApplyBatch(prev, events, rules, "hash")

	if got.Counter != 11 {
		t.Fatalf("counter = %d, want 11", got.Counter)
	}
	if got.Entropy <= 0 || got.Entropy > 1 {
		t.Fatalf("entropy out of bounds: %v", got.Entropy)
	}
	if got.Phase != PhaseChaos {
		t.Fatalf("phase = %v, want CHAOS (entropy=%v)", got.Phase, got.Entropy)
	}
}

func TestApplyBatch_SortsOutOfOrderEvents(t *testing.T) {
	rules := testRules()
	genesis := Genesis("hash")

	outOfOrder := []PressEvent{
		{Offset: 3, TimestampMs: 3000},
		{Offset: 1, TimestampMs: 1000},
		{Offset: 2, TimestampMs: 2000},
	}
	inOrder := []PressEvent{
		{Offset: 1, TimestampMs: 1000},
		{Offset: 2, TimestampMs: 2000},
		{Offset: 3, TimestampMs: 3000},
	}

	gotA := ApplyBatch(genesis, outOfOrder, rules, "hash")
	gotB := ApplyBatch(genesis, inOrder, rules, "hash")

	if gotA != gotB {
		t.Fatalf("sorting changed the fold result: %+v vs %+v", gotA, gotB)
	}
	if gotA.LastAppliedOffset != 3 {
		t.Fatalf("last_applied_offset = %d, want 3", gotA.LastAppliedOffset)
	}
}

func TestApplyEvent_Deterministic(t *testing.T) {
	rules := testRules()
	prev := GlobalState{UpdatedAtMs: 5000, Counter: 2, Entropy: 0.4, Phase: PhaseWarm, RevealUntilMs: 9000, RulesHash: "hash"}
	event := PressEvent{Offset: 42, TimestampMs: 5200, RequestID: "r42"}

	a := ApplyEvent(prev, event, rules, "hash")
	b := ApplyEvent(prev, event, rules, "hash")

	if a != b {
		t.Fatalf("apply_event is not deterministic: %+v vs %+v", a, b)
	}
}
