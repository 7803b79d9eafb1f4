// Package rules implements the content-addressed rule configuration
// registry. A RulesConfig is never mutated in place; a change to any field
// mints a new hash, and the old hash stays resolvable forever so a fold
// pinned to it remains reproducible.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/pulsebutton/backend/internal/state"
)

// canonicalJSON mirrors Python's json.dumps(d, sort_keys=True): object keys
// sorted, no extra whitespace. encoding/json already sorts map keys, so the
// only thing to get right is building the payload as a map, not a struct
// (struct field order would otherwise leak into identical-content hashes
// taken from different Go versions of the same fields).
type canonicalRules struct {
	EntropyAlpha      float64 `json:"entropy_alpha"`
	MaxRateForEntropy float64 `json:"max_rate_for_entropy"`
	CalmThreshold     float64 `json:"calm_threshold"`
	HotThreshold      float64 `json:"hot_threshold"`
	ChaosThreshold    float64 `json:"chaos_threshold"`
	CooldownCalmMs    int64   `json:"cooldown_calm_ms"`
	CooldownWarmMs    int64   `json:"cooldown_warm_ms"`
	CooldownChaosMs   int64   `json:"cooldown_chaos_ms"`
	RevealCalmMs      int64   `json:"reveal_calm_ms"`
	RevealWarmMs      int64   `json:"reveal_warm_ms"`
	RevealChaosMs     int64   `json:"reveal_chaos_ms"`
}

// Ruleset is a stored, versioned, content-addressed rule configuration.
type Ruleset struct {
	ID        int64
	Version   int64
	Hash      string
	Config    state.RulesConfig
	CreatedAt time.Time
}

// Hash computes the same truncated sha256-over-sorted-JSON digest the
// original seeding script used: sha256(json_sorted)[:16] hex characters.
func Hash(cfg state.RulesConfig) (string, error) {
	canon := canonicalRules{
		EntropyAlpha:      cfg.EntropyAlpha,
		MaxRateForEntropy: cfg.MaxRateForEntropy,
		CalmThreshold:     cfg.CalmThreshold,
		HotThreshold:      cfg.HotThreshold,
		ChaosThreshold:    cfg.ChaosThreshold,
		CooldownCalmMs:    cfg.CooldownCalmMs,
		CooldownWarmMs:    cfg.CooldownWarmMs,
		CooldownChaosMs:   cfg.CooldownChaosMs,
		RevealCalmMs:      cfg.RevealCalmMs,
		RevealWarmMs:      cfg.RevealWarmMs,
		RevealChaosMs:     cfg.RevealChaosMs,
	}
	payload, err := marshalSorted(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16], nil
}

// marshalSorted round-trips through a map so keys come out lexicographically
// sorted exactly as Python's sort_keys=True would, independent of struct
// field declaration order.
func marshalSorted(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := json.Marshal(asMap[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Store is the persistence boundary the registry sits on top of. Satisfied
// by internal/repository's Postgres-backed ruleset store; substitutable
// with a fake in tests.
type Store interface {
	GetByHash(ctx context.Context, hash string) (*Ruleset, error)
	GetLatest(ctx context.Context) (*Ruleset, error)
	Insert(ctx context.Context, cfg state.RulesConfig, hash string, force bool) (*Ruleset, bool, error)
}

// cacheEntry is wrapped so the shared cache package's interface{} values can
// be type-asserted back without collisions against other cache users.
type cacheEntry struct {
	ruleset *Ruleset
}

// ttlCache is the minimal shape internal/rules needs from
// infrastructure/cache.Cache, narrowed so this package can be tested against
// a fake without depending on the cache package's concrete struct in tests.
type ttlCache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
}

// Registry resolves rulesets by hash or "latest", backed by Store and
// fronted by an in-process TTL cache. Hashes are immutable once minted, so a
// generous TTL never produces a stale read for a hash lookup; the "latest"
// slot is cached with a much shorter TTL since it can legitimately change
// out from under a long-lived process.
type Registry struct {
	store        Store
	cache        ttlCache
	hashTTL      time.Duration
	latestTTL    time.Duration
	latestCacheK string
}

// NewRegistry builds a Registry. hashTTL should be generous (minutes to
// hours); latestTTL should be short (seconds) so an operator's
// `buttonadmin seed-rules` publish is picked up promptly by anything
// consulting "latest" (the reducer's bootstrap at process start; folds
// and the sweeper resolve by hash).
func NewRegistry(store Store, cache ttlCache, hashTTL, latestTTL time.Duration) *Registry {
	if hashTTL <= 0 {
		hashTTL = time.Hour
	}
	if latestTTL <= 0 {
		latestTTL = 10 * time.Second
	}
	return &Registry{
		store:        store,
		cache:        cache,
		hashTTL:      hashTTL,
		latestTTL:    latestTTL,
		latestCacheK: "rules:latest",
	}
}

// ByHash resolves a ruleset by its content hash, the pin the reducer's main
// loop uses for every fold after genesis.
func (r *Registry) ByHash(ctx context.Context, hash string) (*Ruleset, error) {
	key := "rules:hash:" + hash
	if v, ok := r.cache.Get(key); ok {
		if entry, ok := v.(cacheEntry); ok {
			return entry.ruleset, nil
		}
	}
	rs, err := r.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, cacheEntry{ruleset: rs}, r.hashTTL)
	return rs, nil
}

// Latest resolves the most recently seeded ruleset, used only by the
// reducer's bootstrap at process start — never for pinning an in-flight
// fold.
func (r *Registry) Latest(ctx context.Context) (*Ruleset, error) {
	if v, ok := r.cache.Get(r.latestCacheK); ok {
		if entry, ok := v.(cacheEntry); ok {
			return entry.ruleset, nil
		}
	}
	rs, err := r.store.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(r.latestCacheK, cacheEntry{ruleset: rs}, r.latestTTL)
	return rs, nil
}

// Seed inserts cfg as a new ruleset version unless a ruleset with the same
// content hash already exists, mirroring the original seeding script's
// insert-if-hash-not-exists semantics. Returns (ruleset, inserted, err).
func (r *Registry) Seed(ctx context.Context, cfg state.RulesConfig, force bool) (*Ruleset, bool, error) {
	hash, err := Hash(cfg)
	if err != nil {
		return nil, false, err
	}
	rs, inserted, err := r.store.Insert(ctx, cfg, hash, force)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		r.cache.Set(r.latestCacheK, cacheEntry{ruleset: rs}, r.latestTTL)
		r.cache.Set("rules:hash:"+rs.Hash, cacheEntry{ruleset: rs}, r.hashTTL)
	}
	return rs, inserted, nil
}
