// Package postgres implements the trade persistence contracts on PostgreSQL via pgx.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the trade and reference repositories sharing one pool.
type Store struct {
	*TradeStore
	*ReferenceStore
	pool *pgxpool.Pool
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		TradeStore:     NewTradeStore(pool),
		ReferenceStore: NewReferenceStore(pool),
		pool:           pool,
	}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}
