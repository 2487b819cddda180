package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
)

// ReferenceStore serves read-only reference rows.
type ReferenceStore struct {
	pool *pgxpool.Pool
}

// NewReferenceStore constructs a ReferenceStore backed by the provided pool.
func NewReferenceStore(pool *pgxpool.Pool) *ReferenceStore {
	return &ReferenceStore{pool: pool}
}

const (
	blotterByIDSQL             = `SELECT id, abbreviation, name, version FROM blotter WHERE id = $1;`
	destinationByIDSQL         = `SELECT id, abbreviation, description, version FROM destination WHERE id = $1;`
	tradeTypeByAbbrevSQL       = `SELECT id, abbreviation, description, version FROM trade_type WHERE abbreviation = $1;`
	executionStatusByAbbrevSQL = `SELECT id, abbreviation, description, version FROM execution_status WHERE abbreviation = $1;`
)

// Blotter loads a blotter by id.
func (s *ReferenceStore) Blotter(ctx context.Context, id int64) (tradestore.Reference, error) {
	return s.lookup(ctx, "blotter", blotterByIDSQL, id, strconv.FormatInt(id, 10))
}

// Destination loads a destination by id.
func (s *ReferenceStore) Destination(ctx context.Context, id int64) (tradestore.Reference, error) {
	return s.lookup(ctx, "destination", destinationByIDSQL, id, strconv.FormatInt(id, 10))
}

// TradeType loads a trade type by abbreviation (BUY, SELL, ...).
func (s *ReferenceStore) TradeType(ctx context.Context, abbreviation string) (tradestore.Reference, error) {
	key := strings.ToUpper(strings.TrimSpace(abbreviation))
	return s.lookup(ctx, "trade type", tradeTypeByAbbrevSQL, key, key)
}

// ExecutionStatus loads an execution status by abbreviation (NEW, SENT, FAILED).
func (s *ReferenceStore) ExecutionStatus(ctx context.Context, abbreviation string) (tradestore.Reference, error) {
	key := strings.ToUpper(strings.TrimSpace(abbreviation))
	return s.lookup(ctx, "execution status", executionStatusByAbbrevSQL, key, key)
}

func (s *ReferenceStore) lookup(ctx context.Context, entity, query string, arg any, label string) (tradestore.Reference, error) {
	if s.pool == nil {
		return tradestore.Reference{}, fmt.Errorf("reference store: nil pool")
	}
	var ref tradestore.Reference
	err := s.pool.QueryRow(ctx, query, arg).Scan(&ref.ID, &ref.Abbreviation, &ref.Description, &ref.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return tradestore.Reference{}, errs.NotFound("reference store", entity+" not found with id "+label)
	}
	if err != nil {
		return tradestore.Reference{}, fmt.Errorf("reference store: select %s: %w", entity, err)
	}
	return ref, nil
}
