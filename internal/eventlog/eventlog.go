// Package eventlog is the ordered log of press events, realized as a single
// Redis Stream. One stream, one partition key: Redis Streams preserve
// strict append order within a stream, which is the only ordering
// guarantee the reducer depends on.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamName is the fixed partition key every press is appended under.
const StreamName = "button:presses"

// GroupName is the reducer's consumer group. Exactly one consumer within it
// is active at a time by operational convention (§5's single-writer rule);
// nothing here stops a second consumer, whose folds would start from its own
// in-memory state rather than the other instance's.
const GroupName = "reducer"

// ConsumerName identifies this process within the group.
const ConsumerName = "reducer-1"

// Payload is the wire shape of one press event on the stream.
type Payload struct {
	TimestampMs int64  `json:"timestamp_ms"`
	RequestID   string `json:"request_id"`
}

// Entry pairs a decoded Payload with the log offset (Redis Stream entry ID)
// it was read at.
type Entry struct {
	Offset  string
	Payload Payload
}

// Producer appends press events to the stream.
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer builds a Producer. maxLen bounds the stream's approximate
// length (XADD MAXLEN ~) so it cannot grow unbounded without breaking the
// ordering guarantee the reducer depends on.
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 1_000_000
	}
	return &Producer{client: client, maxLen: maxLen}
}

// Append durably appends one press event and returns its assigned offset.
// The caller's context deadline is the producer's flush window: a deadline
// exceeded or connection error both surface as the same error so the HTTP
// layer can map them to one retryable response.
func (p *Producer) Append(ctx context.Context, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode press event: %w", err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append press event: %w", err)
	}
	return id, nil
}

// Ping checks the backing Redis connection is reachable, for the
// readiness probe — a press can only be accepted if the log can
// durably accept it.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Consumer reads batches of press events through a Redis Streams consumer
// group so offsets and acknowledgement map directly onto Redis's own
// entry-id and XACK primitives.
type Consumer struct {
	client *redis.Client
}

// NewConsumer builds a Consumer and ensures the reducer's group exists.
func NewConsumer(ctx context.Context, client *redis.Client) (*Consumer, error) {
	err := client.XGroupCreateMkStream(ctx, StreamName, GroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{client: client}, nil
}

// ReadBatch pulls up to count entries. Entries already delivered to this
// consumer but never acked (a batch whose persist or ack failed, or one in
// flight when the process stopped) are returned first, without blocking;
// only when none are pending does it block up to block for new messages.
func (c *Consumer) ReadBatch(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	pending, err := c.read(ctx, "0", count, -1)
	if err != nil || len(pending) > 0 {
		return pending, err
	}
	return c.read(ctx, ">", count, block)
}

// read issues one XREADGROUP from start ("0" for this consumer's pending
// entries, ">" for new deliveries).
func (c *Consumer) read(ctx context.Context, start string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: ConsumerName,
		Streams:  []string{StreamName, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			var payload Payload
			rawStr, _ := raw.(string)
			if err := json.Unmarshal([]byte(rawStr), &payload); err != nil {
				continue
			}
			entries = append(entries, Entry{Offset: msg.ID, Payload: payload})
		}
	}
	return entries, nil
}

// Ack commits the batch's entries as processed. Called only after the
// folded state has been durably persisted (§4.4 step 5 before step 7).
func (c *Consumer) Ack(ctx context.Context, offsets ...string) error {
	if len(offsets) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, StreamName, GroupName, offsets...).Err(); err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}
	return nil
}

// OffsetLess reports whether a precedes b in stream order. Redis Stream IDs
// are "<ms>-<seq>"; comparing the two halves numerically gives a total
// order, same as the spec's "ordering by offset is total".
func OffsetLess(a, b string) bool {
	aMs, aSeq := splitOffset(a)
	bMs, bSeq := splitOffset(b)
	if aMs != bMs {
		return aMs < bMs
	}
	return aSeq < bSeq
}

func splitOffset(offset string) (int64, int64) {
	parts := strings.SplitN(offset, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) > 1 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}
