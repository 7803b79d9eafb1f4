// Package updatechannel narrows pkg/pgnotify.Bus to the one message shape
// this system ever publishes: a state_updated notification. The reducer is
// the only publisher; the fan-out bridge is the only subscriber.
package updatechannel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulsebutton/backend/pkg/pgnotify"
)

// Channel is the fixed Postgres NOTIFY channel name both sides agree on.
const Channel = "button_state_updates"

// StateUpdated is the update channel's sole message shape. Extra fields a
// future version might add are accepted and ignored by older subscribers
// since decoding is into this exact struct.
type StateUpdated struct {
	Type              string `json:"type"`
	ID                int64  `json:"id"`
	LastAppliedOffset int64  `json:"last_applied_offset"`
	RulesHash         string `json:"rules_hash"`
}

// Publisher is implemented by the reducer side.
type Publisher struct {
	bus *pgnotify.Bus
}

// NewPublisher wraps an existing bus.
func NewPublisher(bus *pgnotify.Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish sends a best-effort notification. The reducer logs and swallows
// any error here: the authoritative state already landed in storage before
// this call runs, so a publish failure never loses data, only a push
// notification.
func (p *Publisher) Publish(ctx context.Context, id, lastAppliedOffset int64, rulesHash string) error {
	return p.bus.Publish(ctx, Channel, StateUpdated{
		Type:              "state_updated",
		ID:                id,
		LastAppliedOffset: lastAppliedOffset,
		RulesHash:         rulesHash,
	})
}

// Subscriber is implemented by the fan-out bridge side.
type Subscriber struct {
	bus *pgnotify.Bus
}

// NewSubscriber wraps an existing bus.
func NewSubscriber(bus *pgnotify.Bus) *Subscriber {
	return &Subscriber{bus: bus}
}

// OnUpdate registers fn to be called for every well-formed notification.
// Payloads that fail to parse are dropped rather than surfaced, since a
// malformed advisory notification should never take down the stream.
func (s *Subscriber) OnUpdate(fn func(ctx context.Context, update StateUpdated) error) error {
	return s.bus.Subscribe(Channel, func(ctx context.Context, event pgnotify.Event) error {
		var update StateUpdated
		if err := json.Unmarshal(event.Payload, &update); err != nil {
			return fmt.Errorf("decode state_updated payload: %w", err)
		}
		return fn(ctx, update)
	})
}

// Close stops the subscription.
func (s *Subscriber) Close() error {
	return s.bus.Unsubscribe(Channel)
}

// Ping checks the underlying bus's Postgres connection, for the
// readiness probe.
func (s *Subscriber) Ping(ctx context.Context) error {
	return s.bus.Ping(ctx)
}
