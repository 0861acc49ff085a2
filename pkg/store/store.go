// Package store is the Postgres persistence layer: content-addressable text
// storage, raw upload queue rows, topic source data, analysis blueprints,
// graph data with pgvector embeddings, and background tasks.
package store

import (
	"context"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Store wraps a pgx connection (pool or tx) with the query methods of the
// ingestion pipeline.
type Store struct {
	conn pgxIConn
}

// New creates a Store on top of an existing pgx connection or pool.
func New(conn pgxIConn) *Store {
	return &Store{conn: conn}
}
