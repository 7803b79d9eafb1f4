// Package ratelimit implements the sliding-window counter and blocklist
// gating ingress, backed by a Redis sorted set per (tier, ip). Eviction,
// the count check, and the conditional admission write all happen inside
// a single Lua script per check, so two concurrent requests from the same
// IP can never both observe room under the limit and both get admitted.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Tier names a (limit, window) pair checked against one sorted-set key.
type Tier struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// General tiers, applied to the challenge endpoint.
var (
	GeneralBurst     = Tier{Name: "rl:burst", Limit: 10, Window: time.Second}
	GeneralSustained = Tier{Name: "rl:sustained", Limit: 60, Window: 60 * time.Second}
)

// Press tiers, applied to the submit-press endpoint — stricter than general.
var (
	PressBurst     = Tier{Name: "rl:press:burst", Limit: 5, Window: time.Second}
	PressSustained = Tier{Name: "rl:press:sustained", Limit: 30, Window: 60 * time.Second}
)

const blocklistKey = "rl:blocklist"

// slidingWindowScript atomically evicts expired members, counts what
// remains, and either admits the new member or reports the earliest
// surviving timestamp so the caller can compute Retry-After — all as one
// Redis command, so the check-then-write is never split across two round
// trips a concurrent request could race.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = ARGV[1]
local now = ARGV[2]
local limit = tonumber(ARGV[3])
local ttl_seconds = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count >= limit then
	local earliest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if earliest[2] then
		return {0, earliest[2]}
	end
	return {0, 0}
end

redis.call('ZADD', key, now, now)
redis.call('EXPIRE', key, ttl_seconds)
return {1, 0}
`)

// Result reports the outcome of a check.
type Result struct {
	Allowed     bool
	RetryAfter  time.Duration
	Blocklisted bool
	TierName    string
}

// Limiter checks an IP against a set of tiers and the shared blocklist.
// Backing-store failure is fail-open: a check that errors admits the
// request and logs, since the limiter guards against abuse, not
// correctness.
type Limiter struct {
	client  *redis.Client
	onError func(err error)
	now     func() time.Time
}

// NewLimiter builds a Limiter. onError, if non-nil, is called (for
// structured logging) whenever the backing store fails a check.
func NewLimiter(client *redis.Client, onError func(err error)) *Limiter {
	return &Limiter{client: client, onError: onError, now: time.Now}
}

// Check runs the blocklist check followed by every tier in order, stopping
// at the first tier that rejects.
func (l *Limiter) Check(ctx context.Context, ip string, tiers ...Tier) Result {
	blocked, err := l.client.SIsMember(ctx, blocklistKey, ip).Result()
	if err != nil {
		l.reportErr(err)
	} else if blocked {
		return Result{Allowed: false, Blocklisted: true}
	}

	for _, tier := range tiers {
		result := l.checkTier(ctx, ip, tier)
		if !result.Allowed {
			return result
		}
	}
	return Result{Allowed: true}
}

func (l *Limiter) checkTier(ctx context.Context, ip string, tier Tier) Result {
	key := tier.Name + ":" + ip
	now := l.now()
	windowStart := now.Add(-tier.Window).UnixNano()
	nowNanos := now.UnixNano()
	ttlSeconds := int64((tier.Window + time.Second).Seconds())

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		windowStart, nowNanos, tier.Limit, ttlSeconds).Result()
	if err != nil {
		l.reportErr(err)
		return Result{Allowed: true}
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		l.reportErr(fmt.Errorf("unexpected sliding window script result: %v", res))
		return Result{Allowed: true}
	}

	allowed, _ := fields[0].(int64)
	if allowed == 1 {
		return Result{Allowed: true}
	}

	retryAfter := tier.Window
	var earliestScore int64
	switch v := fields[1].(type) {
	case int64:
		earliestScore = v
	case string: // ZRANGE WITHSCORES returns the score as a bulk string
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			earliestScore = int64(f)
		}
	}
	if earliestScore > 0 {
		earliestAt := time.Unix(0, earliestScore)
		remaining := earliestAt.Add(tier.Window).Sub(now)
		retryAfter = time.Duration(math.Ceil(remaining.Seconds()))*time.Second + time.Second
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
	}
	return Result{Allowed: false, RetryAfter: retryAfter, TierName: tier.Name}
}

func (l *Limiter) reportErr(err error) {
	if l.onError != nil {
		l.onError(fmt.Errorf("rate limiter backing store: %w", err))
	}
}

// Block adds ip to the shared blocklist. Used by operator tooling; not
// exercised by the press/challenge hot path.
func (l *Limiter) Block(ctx context.Context, ip string) error {
	return l.client.SAdd(ctx, blocklistKey, ip).Err()
}

// Unblock removes ip from the shared blocklist.
func (l *Limiter) Unblock(ctx context.Context, ip string) error {
	return l.client.SRem(ctx, blocklistKey, ip).Err()
}

// ClientIP extracts the caller's address from r in the precedence order
// §4.2 specifies: CDN header, conventional proxy real-IP header, leftmost
// X-Forwarded-For hop, then the raw transport peer address.
func ClientIP(r *http.Request) string {
	if v := r.Header.Get("CF-Connecting-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
