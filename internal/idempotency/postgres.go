package idempotency

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store inside a caller-owned transaction.
// The table's primary key (operation, correlation_id) is the uniqueness
// guarantee; a concurrent insert blocks until the first transaction ends.
type PostgresStore struct {
	tx *sqlx.Tx
}

// NewPostgresStore binds a store to tx.
func NewPostgresStore(tx *sqlx.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

func (p *PostgresStore) Lookup(ctx context.Context, key Key) (*Record, error) {
	var rec Record
	err := p.tx.GetContext(ctx, &rec, `
		SELECT operation, correlation_id, result, created_at
		FROM idempotency_keys
		WHERE operation = $1 AND correlation_id = $2`,
		key.Operation, key.CorrelationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, rec *Record) error {
	res, err := p.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (operation, correlation_id, result, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (operation, correlation_id) DO NOTHING`,
		rec.Operation, rec.CorrelationID, []byte(rec.Result), rec.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}
