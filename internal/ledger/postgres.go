package ledger

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/pagination"
)

const accountColumns = `id, kind, owner_id, balance, version, updated_at`

const entryColumns = `id, from_account, to_account, amount, reason, correlation_id, created_at`

// PostgresBook implements Book inside a caller-owned transaction.
type PostgresBook struct {
	tx *sqlx.Tx
}

// NewPostgresBook binds a book to tx. The caller commits or rolls back.
func NewPostgresBook(tx *sqlx.Tx) *PostgresBook {
	return &PostgresBook{tx: tx}
}

// ensure creates the account row if it does not exist yet.
func (p *PostgresBook) ensure(ctx context.Context, ref AccountRef) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, owner_id, balance, version, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (id) DO NOTHING`,
		ref.ID(), string(ref.Kind), ref.Owner)
	return err
}

// Account locks the row for the rest of the transaction.
func (p *PostgresBook) Account(ctx context.Context, ref AccountRef) (*Account, error) {
	if err := p.ensure(ctx, ref); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	var a Account
	if err := p.tx.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, ref.ID()); err != nil {
		return nil, err
	}
	return &a, nil
}

// Debit is a conditional update: it only applies when the balance covers
// the amount, so concurrent debits can never overdraw the row.
func (p *PostgresBook) Debit(ctx context.Context, ref AccountRef, amount int64) error {
	res, err := p.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND balance >= $2`,
		ref.ID(), amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresBook) Credit(ctx context.Context, ref AccountRef, amount int64) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, owner_id, balance, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			balance    = accounts.balance + EXCLUDED.balance,
			version    = accounts.version + 1,
			updated_at = NOW()`,
		ref.ID(), string(ref.Kind), ref.Owner, amount)
	return err
}

func (p *PostgresBook) Append(ctx context.Context, e *Entry) error {
	_, err := p.tx.NamedExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (:id, :from_account, :to_account, :amount, :reason, :correlation_id, :created_at)`, e)
	return err
}

func (p *PostgresBook) Entries(ctx context.Context, correlationID string) ([]*Entry, error) {
	var out []*Entry
	err := p.tx.SelectContext(ctx, &out,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE correlation_id = $1 ORDER BY created_at, id`,
		correlationID)
	return out, err
}

// PostgresReader implements Reader over the connection pool.
type PostgresReader struct {
	db *sqlx.DB
}

// NewPostgresReader creates a PostgreSQL-backed ledger reader.
func NewPostgresReader(db *sqlx.DB) *PostgresReader {
	return &PostgresReader{db: db}
}

func (r *PostgresReader) AccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	var out []*Account
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY id`, ownerID)
	return out, err
}

func (r *PostgresReader) History(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	var out []*Entry
	if after == nil {
		err := r.db.SelectContext(ctx, &out, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE from_account = $1 OR to_account = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, accountID, limit)
		return out, err
	}
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE (from_account = $1 OR to_account = $1)
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, accountID, after.CreatedAt, after.ID, limit)
	return out, err
}

func (r *PostgresReader) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	err := r.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(balance) FILTER (WHERE kind <> 'payout'), 0),
			COALESCE(SUM(balance) FILTER (WHERE kind = 'escrow'), 0),
			COALESCE(SUM(balance) FILTER (WHERE kind = 'payout'), 0)
		FROM accounts`).Scan(&t.Held, &t.Escrowed, &t.PayoutBalance)
	if err != nil {
		return nil, fmt.Errorf("sum balances: %w", err)
	}

	err = r.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE from_account = $1), 0),
			COALESCE(SUM(amount) FILTER (WHERE to_account = $2), 0)
		FROM ledger_entries`, ExternalDeposit, PayoutAccount().ID()).Scan(&t.Deposited, &t.PaidOut)
	if err != nil {
		return nil, fmt.Errorf("sum entries: %w", err)
	}

	err = r.db.SelectContext(ctx, &t.OpenEscrows,
		`SELECT owner_id FROM accounts WHERE kind = 'escrow' AND balance > 0 ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list open escrows: %w", err)
	}
	return t, nil
}
