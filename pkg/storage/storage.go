// Package storage provides common storage interfaces used by the Postgres
// repositories. There is no multi-tenant entity hierarchy in this system —
// one state sequence, one rules registry — so the CRUD/account abstractions
// the corpus uses elsewhere are trimmed to the primitives actually shared:
// query execution, transactions, and pagination for the admin listing views.
package storage

import (
	"context"
	"database/sql"
)

// Querier abstracts database query execution so repositories can run
// either directly against *sql.DB or against a transaction transparently.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DBProvider provides access to the underlying database connection.
type DBProvider interface {
	DB() *sql.DB
	Querier(ctx context.Context) Querier
}

// TxStore provides transaction support for stores.
type TxStore interface {
	BeginTx(ctx context.Context) (context.Context, error)
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Pagination holds pagination parameters for listing rulesets or states.
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns default pagination settings.
func DefaultPagination() Pagination {
	return Pagination{
		Limit:  50,
		Offset: 0,
	}
}

// Normalize ensures pagination values are within acceptable bounds.
func (p Pagination) Normalize(maxLimit int) Pagination {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListResult wraps a list response with pagination metadata.
type ListResult[T any] struct {
	Items   []T   `json:"items"`
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// NewListResult creates a ListResult from items and pagination info.
func NewListResult[T any](items []T, total int64, limit, offset int) ListResult[T] {
	return ListResult[T]{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+len(items)) < total,
	}
}
