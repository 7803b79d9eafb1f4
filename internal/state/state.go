// Package state implements the deterministic fold from a press event onto
// the global aggregate. It has no I/O: given the same (previous state,
// event, rules) triple it always produces the same result, which is what
// lets the reducer replay a batch safely after a crash.
package state

import (
	"math"
	"time"
)

// Phase is derived purely from entropy; it never depends on the previous
// phase, so entropy can jump and skip phases in one fold.
type Phase int

const (
	PhaseCalm Phase = iota
	PhaseWarm
	PhaseHot
	PhaseChaos
)

func (p Phase) String() string {
	switch p {
	case PhaseCalm:
		return "CALM"
	case PhaseWarm:
		return "WARM"
	case PhaseHot:
		return "HOT"
	case PhaseChaos:
		return "CHAOS"
	default:
		return "UNKNOWN"
	}
}

// GlobalState is the authoritative aggregate. A zero value with
// UpdatedAtMs == 0 represents the genesis state.
type GlobalState struct {
	ID                int64
	LastAppliedOffset int64
	Counter           int64
	Phase             Phase
	Entropy           float64
	RevealUntilMs     int64
	CooldownMs        int64
	UpdatedAtMs       int64
	RulesHash         string
	CreatedAt         time.Time
}

// Genesis returns the pre-first-event state pinned to the given rules hash.
func Genesis(rulesHash string) GlobalState {
	return GlobalState{
		ID:        0,
		Phase:     PhaseCalm,
		Entropy:   0,
		RulesHash: rulesHash,
	}
}

// PressEvent is one entry in the ordered log, as folded by the reducer.
type PressEvent struct {
	Offset      int64
	TimestampMs int64
	RequestID   string
}

// RulesConfig is the frozen rule configuration identified by content hash.
type RulesConfig struct {
	EntropyAlpha      float64
	MaxRateForEntropy float64
	CalmThreshold     float64
	HotThreshold      float64
	ChaosThreshold    float64
	CooldownCalmMs    int64
	CooldownWarmMs    int64
	CooldownChaosMs   int64
	RevealCalmMs      int64
	RevealWarmMs      int64
	RevealChaosMs     int64
}

// updateEntropy computes the new EWMA entropy from the previous value and
// the gap since the last applied event. dtSec == nil means genesis: the
// first ever event always saturates intensity to 1.0.
func updateEntropy(prevEntropy float64, dtSec *float64, rules RulesConfig) float64 {
	var intensity float64
	if dtSec == nil {
		intensity = 1.0
	} else {
		maxRate := rules.MaxRateForEntropy
		if maxRate <= 0 {
			maxRate = 1.0
		}
		instantRate := 1.0 / *dtSec
		if instantRate > maxRate {
			instantRate = maxRate
		}
		intensity = instantRate / maxRate
	}

	alpha := rules.EntropyAlpha
	newEntropy := (1.0-alpha)*prevEntropy + alpha*intensity

	if newEntropy < 0 {
		return 0
	}
	if newEntropy > 1 {
		return 1
	}
	return newEntropy
}

// transitionPhase derives phase purely from entropy thresholds.
func transitionPhase(entropy float64, rules RulesConfig) Phase {
	switch {
	case entropy < rules.CalmThreshold:
		return PhaseCalm
	case entropy < rules.HotThreshold:
		return PhaseWarm
	case entropy < rules.ChaosThreshold:
		return PhaseHot
	default:
		return PhaseChaos
	}
}

// computeCooldownMs scales a phase's base cooldown by entropy within the
// phase. HOT shares CHAOS's base — the reference reducer only branches
// CALM / WARM / else-CHAOS.
func computeCooldownMs(phase Phase, entropy float64, rules RulesConfig) int64 {
	var base int64
	switch phase {
	case PhaseCalm:
		base = rules.CooldownCalmMs
	case PhaseWarm:
		base = rules.CooldownWarmMs
	default:
		base = rules.CooldownChaosMs
	}
	return int64(math.Round(float64(base) * (0.5 + 0.5*entropy)))
}

// computeRevealUntilMs extends the reveal window; it never shortens it.
// HOT shares CHAOS's duration, matching computeCooldownMs's bucketing.
func computeRevealUntilMs(prevRevealUntilMs int64, eventTimestampMs int64, phase Phase, rules RulesConfig) int64 {
	var duration int64
	switch phase {
	case PhaseCalm:
		duration = rules.RevealCalmMs
	case PhaseWarm:
		duration = rules.RevealWarmMs
	default:
		duration = rules.RevealChaosMs
	}

	candidate := eventTimestampMs + duration
	if candidate > prevRevealUntilMs {
		return candidate
	}
	return prevRevealUntilMs
}

// ApplyEvent folds one event onto prev, producing the next state. Pure:
// no I/O, no clock reads, no randomness.
func ApplyEvent(prev GlobalState, event PressEvent, rules RulesConfig, rulesHash string) GlobalState {
	var dtSec *float64
	if prev.UpdatedAtMs != 0 {
		dtMs := event.TimestampMs - prev.UpdatedAtMs
		if dtMs < 1 {
			dtMs = 1
		}
		d := float64(dtMs) / 1000.0
		dtSec = &d
	}

	newEntropy := updateEntropy(prev.Entropy, dtSec, rules)
	newPhase := transitionPhase(newEntropy, rules)
	newCooldown := computeCooldownMs(newPhase, newEntropy, rules)
	newReveal := computeRevealUntilMs(prev.RevealUntilMs, event.TimestampMs, newPhase, rules)

	return GlobalState{
		LastAppliedOffset: event.Offset,
		Counter:           prev.Counter + 1,
		Phase:             newPhase,
		Entropy:           newEntropy,
		RevealUntilMs:     newReveal,
		CooldownMs:        newCooldown,
		UpdatedAtMs:       event.TimestampMs,
		RulesHash:         rulesHash,
	}
}

// ApplyBatch folds events onto prev in offset order, defensively re-sorting
// since the broker is expected to, but not required to, deliver them
// already sorted.
func ApplyBatch(prev GlobalState, events []PressEvent, rules RulesConfig, rulesHash string) GlobalState {
	sorted := make([]PressEvent, len(events))
	copy(sorted, events)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Offset > sorted[j].Offset; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	current := prev
	for _, event := range sorted {
		current = ApplyEvent(current, event, rules, rulesHash)
	}
	return current
}
