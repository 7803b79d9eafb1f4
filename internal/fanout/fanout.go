// Package fanout is the bridge (C7) between the update channel and
// connected subscribers: one goroutine per open stream, pushing the
// referenced GlobalState out as either an SSE frame or a websocket
// message the moment a state_updated notification arrives.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/internal/state"
	"github.com/pulsebutton/backend/internal/updatechannel"
)

// StateStore is the subset of internal/repository.GlobalStateStore the
// bridge needs: it always re-fetches the full row by id rather than
// trusting the notification payload, since the channel message omits
// several fields.
type StateStore interface {
	ByID(ctx context.Context, id int64) (state.GlobalState, error)
	Latest(ctx context.Context) (state.GlobalState, error)
}

// Subscriber is the subset of internal/updatechannel.Subscriber the
// bridge needs.
type Subscriber interface {
	OnUpdate(fn func(ctx context.Context, update updatechannel.StateUpdated) error) error
	Close() error
}

// Bridge owns the one-to-many relationship between update-channel
// notifications and connected HTTP clients.
type Bridge struct {
	states StateStore
	logger *logging.Logger

	register   chan chan stateUpdate
	unregister chan chan stateUpdate
}

type stateUpdate struct {
	state state.GlobalState
}

// NewBridge builds a Bridge. Run must be called once to start its event
// loop before any handler calls Subscribe.
func NewBridge(states StateStore, logger *logging.Logger) *Bridge {
	return &Bridge{
		states:     states,
		logger:     logger,
		register:   make(chan chan stateUpdate),
		unregister: make(chan chan stateUpdate),
	}
}

// Run drives the fan-out loop: it owns the subscriber set and is the
// only goroutine that ranges over it, so no locking is needed around
// the set itself. It exits when sub.OnUpdate's underlying listener
// stops (ctx cancellation propagates there) or ctx is done.
func (b *Bridge) Run(ctx context.Context, sub Subscriber) error {
	subscribers := make(map[chan stateUpdate]struct{})
	defer func() {
		for ch := range subscribers {
			close(ch)
		}
	}()

	updates := make(chan updatechannel.StateUpdated, 64)
	if err := sub.OnUpdate(func(_ context.Context, update updatechannel.StateUpdated) error {
		select {
		case updates <- update:
		default:
			b.logger.Warn("fanout update queue full, dropping notification")
		}
		return nil
	}); err != nil {
		return fmt.Errorf("subscribe to update channel: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-b.register:
			subscribers[ch] = struct{}{}
		case ch := <-b.unregister:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case update := <-updates:
			full, err := b.states.ByID(ctx, update.ID)
			if err != nil {
				b.logger.WithField("error", err.Error()).Warn("fanout could not load state by id, dropping notification")
				continue
			}
			for ch := range subscribers {
				select {
				case ch <- stateUpdate{state: full}:
				default:
				}
			}
		}
	}
}

// subscribe registers a new per-connection channel and returns it along
// with the current state, sent immediately so a new subscriber doesn't
// have to wait for the next press to see anything.
func (b *Bridge) subscribe(ctx context.Context) (chan stateUpdate, state.GlobalState, error) {
	current, err := b.states.Latest(ctx)
	if err != nil {
		return nil, state.GlobalState{}, err
	}
	ch := make(chan stateUpdate, 8)
	select {
	case b.register <- ch:
	case <-ctx.Done():
		return nil, state.GlobalState{}, ctx.Err()
	}
	return ch, current, nil
}

func (b *Bridge) unsubscribe(ch chan stateUpdate) {
	select {
	case b.unregister <- ch:
	case <-ch:
	}
}

// eventPayload is the wire shape sent to subscribers over either
// transport: the full state, not just the advisory id/offset/hash.
type eventPayload struct {
	ID                int64     `json:"id"`
	Counter           int64     `json:"counter"`
	Phase             string    `json:"phase"`
	Entropy           float64   `json:"entropy"`
	RevealUntilMs     int64     `json:"reveal_until_ms"`
	CooldownMs        int64     `json:"cooldown_ms"`
	UpdatedAtMs       int64     `json:"updated_at_ms"`
	LastAppliedOffset int64     `json:"last_applied_offset"`
	RulesHash         string    `json:"rules_hash"`
	CreatedAt         time.Time `json:"created_at"`
}

func toPayload(s state.GlobalState) eventPayload {
	return eventPayload{
		ID:                s.ID,
		Counter:           s.Counter,
		Phase:             s.Phase.String(),
		Entropy:           s.Entropy,
		RevealUntilMs:     s.RevealUntilMs,
		CooldownMs:        s.CooldownMs,
		UpdatedAtMs:       s.UpdatedAtMs,
		LastAppliedOffset: s.LastAppliedOffset,
		RulesHash:         s.RulesHash,
		CreatedAt:         s.CreatedAt,
	}
}

// ServeSSE handles GET /v1/states/stream.
func (b *Bridge) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	ch, current, err := b.subscribe(ctx)
	if err != nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	defer b.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEFrame(w, current); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, update.state); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, s state.GlobalState) error {
	body, err := json.Marshal(toPayload(s))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state_update\ndata: %s\n\n", body)
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket handles GET /v1/states/ws, the supplemented transport
// carrying the identical notification stream as one JSON text message
// per update.
func (b *Bridge) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, current, err := b.subscribe(ctx)
	if err != nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	defer b.unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithField("error", err.Error()).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(toPayload(current)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toPayload(update.state)); err != nil {
				return
			}
		}
	}
}
