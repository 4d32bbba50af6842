package shared

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sequence kinds used by the core.
const (
	SequenceChallan = "challan"
	SequenceReturn  = "return"
)

// Sequences hands out per-company document numbers. Increment-and-read is a
// single statement so concurrent sends can never observe the same value.
type Sequences struct {
	pool *pgxpool.Pool
}

// NewSequences constructs Sequences.
func NewSequences(pool *pgxpool.Pool) *Sequences {
	return &Sequences{pool: pool}
}

// Next returns the next number for the company and document kind.
func (s *Sequences) Next(ctx context.Context, companyID int64, kind string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("sequences not initialised")
	}
	if companyID == 0 || kind == "" {
		return 0, errors.New("sequence requires company and kind")
	}
	var value int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sequence_counters (company_id, kind, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (company_id, kind)
		DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value`, companyID, kind).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}
