// Package repository persists GlobalState rows and the ruleset registry
// against Postgres. It is the only place that turns state.GlobalState into
// SQL and back; callers never see a raw *sql.Rows.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pulsebutton/backend/internal/rules"
	"github.com/pulsebutton/backend/internal/state"
	"github.com/pulsebutton/backend/pkg/storage"
	"github.com/pulsebutton/backend/pkg/storage/postgres"
)

// globalStateRow mirrors the global_states table for sqlx scanning.
type globalStateRow struct {
	ID                int64     `db:"id"`
	LastAppliedOffset int64     `db:"last_applied_offset"`
	Counter           int64     `db:"counter"`
	Phase             int16     `db:"phase"`
	Entropy           float64   `db:"entropy"`
	RevealUntilMs     int64     `db:"reveal_until_ms"`
	CooldownMs        int64     `db:"cooldown_ms"`
	UpdatedAtMs       int64     `db:"updated_at_ms"`
	RulesHash         string    `db:"rules_hash"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r globalStateRow) toState() state.GlobalState {
	return state.GlobalState{
		ID:                r.ID,
		LastAppliedOffset: r.LastAppliedOffset,
		Counter:           r.Counter,
		Phase:             state.Phase(r.Phase),
		Entropy:           r.Entropy,
		RevealUntilMs:     r.RevealUntilMs,
		CooldownMs:        r.CooldownMs,
		UpdatedAtMs:       r.UpdatedAtMs,
		RulesHash:         r.RulesHash,
		CreatedAt:         r.CreatedAt,
	}
}

// GlobalStateStore persists and reads back GlobalState rows. Rows are
// immutable once written: there is no Update, only Insert and reads.
type GlobalStateStore struct {
	db *sqlx.DB
}

// NewGlobalStateStore wraps an existing sqlx connection.
func NewGlobalStateStore(db *sqlx.DB) *GlobalStateStore {
	return &GlobalStateStore{db: db}
}

// Latest returns the most recently written state, or ErrNoState if the log
// has never been folded yet (genesis).
func (s *GlobalStateStore) Latest(ctx context.Context) (state.GlobalState, error) {
	var row globalStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, last_applied_offset, counter, phase, entropy,
		       reveal_until_ms, cooldown_ms, updated_at_ms, rules_hash, created_at
		FROM global_states
		ORDER BY id DESC
		LIMIT 1
	`)
	if err == sql.ErrNoRows {
		return state.GlobalState{}, ErrNoState
	}
	if err != nil {
		return state.GlobalState{}, fmt.Errorf("load latest state: %w", err)
	}
	return row.toState(), nil
}

// Ping checks the underlying Postgres connection, for the full health
// probe — the state store is not required for ingress to accept a
// press, only for serving reads, so it is not a readiness dependency.
func (s *GlobalStateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ByID fetches a single row by its primary key, used by the fan-out
// bridge to resolve a state_updated notification's bare id into the
// full row to push to subscribers.
func (s *GlobalStateStore) ByID(ctx context.Context, id int64) (state.GlobalState, error) {
	var row globalStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, last_applied_offset, counter, phase, entropy,
		       reveal_until_ms, cooldown_ms, updated_at_ms, rules_hash, created_at
		FROM global_states
		WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return state.GlobalState{}, ErrNoState
	}
	if err != nil {
		return state.GlobalState{}, fmt.Errorf("load state by id: %w", err)
	}
	return row.toState(), nil
}

// Insert appends a new immutable row and returns it with its assigned id.
func (s *GlobalStateStore) Insert(ctx context.Context, next state.GlobalState) (state.GlobalState, error) {
	var id int64
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO global_states
			(last_applied_offset, counter, phase, entropy, reveal_until_ms,
			 cooldown_ms, updated_at_ms, rules_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`,
		next.LastAppliedOffset, next.Counter, int16(next.Phase), next.Entropy,
		next.RevealUntilMs, next.CooldownMs, next.UpdatedAtMs, next.RulesHash,
	).Scan(&id, &createdAt)
	if err != nil {
		return state.GlobalState{}, fmt.Errorf("insert state: %w", err)
	}
	next.ID = id
	next.CreatedAt = createdAt
	return next, nil
}

// ErrNoState indicates the log has never produced a row: the caller should
// treat this as the genesis case, per state.Genesis.
var ErrNoState = fmt.Errorf("no global state has been written yet")

// rulesetRow mirrors the rulesets table for sqlx scanning.
type rulesetRow struct {
	ID      int64           `db:"id"`
	Version int64           `db:"version"`
	Hash    string          `db:"hash"`
	Ruleset json.RawMessage `db:"ruleset"`
}

func (r rulesetRow) toRuleset() (*rules.Ruleset, error) {
	var cfg state.RulesConfig
	var decoded struct {
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
	if err := json.Unmarshal(r.Ruleset, &decoded); err != nil {
		return nil, fmt.Errorf("decode ruleset json: %w", err)
	}
	cfg = state.RulesConfig(decoded)
	return &rules.Ruleset{ID: r.ID, Version: r.Version, Hash: r.Hash, Config: cfg}, nil
}

// RulesetStore implements rules.Store against the rulesets table.
type RulesetStore struct {
	db   *sqlx.DB
	base *postgres.BaseStore
}

// NewRulesetStore wraps an existing sqlx connection.
func NewRulesetStore(db *sqlx.DB) *RulesetStore {
	return &RulesetStore{db: db, base: postgres.NewBaseStore(db.DB, "rulesets")}
}

// GetByHash implements rules.Store.
func (s *RulesetStore) GetByHash(ctx context.Context, hash string) (*rules.Ruleset, error) {
	var row rulesetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, version, hash, ruleset FROM rulesets WHERE hash = $1
	`, hash)
	if err == sql.ErrNoRows {
		return nil, ErrRulesetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ruleset by hash: %w", err)
	}
	return row.toRuleset()
}

// GetLatest implements rules.Store.
func (s *RulesetStore) GetLatest(ctx context.Context) (*rules.Ruleset, error) {
	var row rulesetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, version, hash, ruleset FROM rulesets
		ORDER BY version DESC LIMIT 1
	`)
	if err == sql.ErrNoRows {
		return nil, ErrRulesetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest ruleset: %w", err)
	}
	return row.toRuleset()
}

// Insert implements rules.Store, mirroring the original seeding script:
// skip the insert if a ruleset with the same hash exists unless force is
// set, and assign the next sequential version number.
func (s *RulesetStore) Insert(ctx context.Context, cfg state.RulesConfig, hash string, force bool) (*rules.Ruleset, bool, error) {
	if !force {
		existing, err := s.GetByHash(ctx, hash)
		if err == nil {
			return existing, false, nil
		}
		if err != ErrRulesetNotFound {
			return nil, false, err
		}
	}

	payload, err := json.Marshal(rulesetJSON(cfg))
	if err != nil {
		return nil, false, fmt.Errorf("encode ruleset json: %w", err)
	}

	var version int64
	err = s.db.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM rulesets
	`)
	if err != nil {
		return nil, false, fmt.Errorf("compute next version: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO rulesets (version, hash, ruleset)
		VALUES ($1, $2, $3)
		RETURNING id
	`, version, hash, payload).Scan(&id)
	if err != nil {
		return nil, false, fmt.Errorf("insert ruleset: %w", err)
	}

	return &rules.Ruleset{ID: id, Version: version, Hash: hash, Config: cfg}, true, nil
}

// ListVersions returns a page of rulesets ordered newest-version-first, for
// the operator CLI's "what's in the registry" view. There is no HTTP
// surface for this: it is invoked directly against the database.
func (s *RulesetStore) ListVersions(ctx context.Context, page storage.Pagination) (storage.ListResult[rules.Ruleset], error) {
	page = page.Normalize(200)

	total, err := s.base.CountAll(ctx)
	if err != nil {
		return storage.ListResult[rules.Ruleset]{}, fmt.Errorf("count rulesets: %w", err)
	}

	query, args := postgres.NewSelectBuilder("rulesets").
		Columns("id", "version", "hash", "ruleset").
		OrderBy("version", true).
		Limit(page.Limit).
		Offset(page.Offset).
		Build()

	rows, err := s.base.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.ListResult[rules.Ruleset]{}, fmt.Errorf("list rulesets: %w", err)
	}
	defer rows.Close()

	var items []rules.Ruleset
	for rows.Next() {
		var row rulesetRow
		if err := rows.Scan(&row.ID, &row.Version, &row.Hash, &row.Ruleset); err != nil {
			return storage.ListResult[rules.Ruleset]{}, fmt.Errorf("scan ruleset row: %w", err)
		}
		ruleset, err := row.toRuleset()
		if err != nil {
			return storage.ListResult[rules.Ruleset]{}, err
		}
		items = append(items, *ruleset)
	}
	if err := rows.Err(); err != nil {
		return storage.ListResult[rules.Ruleset]{}, err
	}

	return storage.NewListResult(items, total, page.Limit, page.Offset), nil
}

// ErrRulesetNotFound indicates no ruleset exists for the requested hash or
// that the registry has never been seeded (GetLatest).
var ErrRulesetNotFound = fmt.Errorf("ruleset not found")

func rulesetJSON(cfg state.RulesConfig) map[string]any {
	return map[string]any{
		"entropy_alpha":         cfg.EntropyAlpha,
		"max_rate_for_entropy":  cfg.MaxRateForEntropy,
		"calm_threshold":        cfg.CalmThreshold,
		"hot_threshold":         cfg.HotThreshold,
		"chaos_threshold":       cfg.ChaosThreshold,
		"cooldown_calm_ms":      cfg.CooldownCalmMs,
		"cooldown_warm_ms":      cfg.CooldownWarmMs,
		"cooldown_chaos_ms":     cfg.CooldownChaosMs,
		"reveal_calm_ms":        cfg.RevealCalmMs,
		"reveal_warm_ms":        cfg.RevealWarmMs,
		"reveal_chaos_ms":       cfg.RevealChaosMs,
	}
}
