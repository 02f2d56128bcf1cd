package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/pricing"
)

const orderColumns = `id, code, buyer_id, seller_id, listing_id, listing_title,
	gross_amount, platform_fee_amount, discount_amount, net_seller_amount, voucher_code,
	status, dispute_status, delivery_content, resolution, reason,
	created_at, payment_deadline, paid_at, delivered_at, escrow_release_at, released_at, updated_at`

const disputeColumns = `id, order_id, opened_by, opener_role, reason, status, verdict,
	resolved_by, notes, deadline, created_at, closed_at`

const messageColumns = `id, dispute_id, sender_id, sender_role, body, created_at`

const withdrawalColumns = `id, seller_id, amount, destination, status, admin_id, notes,
	created_at, processing_at, processed_at, updated_at`

const listingColumns = `id, seller_id, title, price, stock, active, created_at, updated_at`

const voucherColumns = `code, type, value, min_order_amount, max_discount, used_count, max_uses,
	is_active, valid_from, valid_to, created_at, updated_at`

// PostgresStore persists escrow data in PostgreSQL. Every transaction runs
// at READ COMMITTED; correctness comes from FOR UPDATE row locks and
// conditional updates, not from the isolation level.
type PostgresStore struct {
	*ledger.PostgresReader
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{PostgresReader: ledger.NewPostgresReader(db), db: db}
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &pgTx{
		PostgresBook:  ledger.NewPostgresBook(sqlTx),
		PostgresStore: idempotency.NewPostgresStore(sqlTx),
		tx:            sqlTx,
	}
	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify turns retryable PostgreSQL failures into ErrConflict.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := p.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1 = '' OR buyer_id = $1)
		  AND ($2 = '' OR seller_id = $2)
		  AND ($3 = '' OR status = $3)`
	args := []any{f.BuyerID, f.SellerID, string(f.Status)}
	if f.Cursor != nil {
		query += ` AND (created_at, id) < ($4, $5)`
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, clampLimit(f.Limit))

	var out []*Order
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'delivered' AND escrow_release_at <= $1
		ORDER BY escrow_release_at
		LIMIT $2`, now, clampLimit(limit))
	return out, err
}

func (p *PostgresStore) ListPaymentOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'pending' AND payment_deadline <= $1
		ORDER BY payment_deadline
		LIMIT $2`, now, clampLimit(limit))
	return out, err
}

func (p *PostgresStore) GetDispute(ctx context.Context, orderID string) (*Dispute, error) {
	var d Dispute
	err := p.db.GetContext(ctx, &d, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputeNotFound(orderID)
	}
	if err != nil {
		return nil, err
	}
	d.Messages = []*Message{}
	err = p.db.SelectContext(ctx, &d.Messages,
		`SELECT `+messageColumns+` FROM dispute_messages WHERE dispute_id = $1 ORDER BY created_at, id`, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return &d, nil
}

func (p *PostgresStore) ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	var out []*Dispute
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open' AND deadline <= $1
		ORDER BY deadline
		LIMIT $2`, now, clampLimit(limit))
	return out, err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	var row withdrawalRow
	err := p.db.GetContext(ctx, &row, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withdrawalNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]*Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests
		WHERE ($1 = '' OR seller_id = $1)
		  AND ($2 = '' OR status = $2)`
	args := []any{f.SellerID, string(f.Status)}
	if f.Cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, clampLimit(f.Limit))

	var rows []withdrawalRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Withdrawal, 0, len(rows))
	for i := range rows {
		w, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := p.db.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, listingNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// pgTx implements Tx over one sqlx transaction.
type pgTx struct {
	*ledger.PostgresBook
	*idempotency.PostgresStore
	tx *sqlx.Tx
}

func (t *pgTx) GetListingForUpdate(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := t.tx.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, listingNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) ReserveListing(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE listings SET stock = stock - 1, updated_at = $2
		WHERE id = $1 AND active AND stock > 0`, id, at)
	return affected(res, err)
}

func (t *pgTx) RestockListing(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE listings SET stock = stock + 1, updated_at = $2 WHERE id = $1`, id, at)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return listingNotFound(id)
	}
	return nil
}

func (t *pgTx) UpsertListing(ctx context.Context, l *Listing) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (:id, :seller_id, :title, :price, :stock, :active, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			seller_id  = EXCLUDED.seller_id,
			title      = EXCLUDED.title,
			price      = EXCLUDED.price,
			stock      = EXCLUDED.stock,
			active     = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`, l)
	return err
}

func (t *pgTx) GetVoucherForUpdate(ctx context.Context, code string) (*pricing.Voucher, error) {
	var v pricing.Voucher
	err := t.tx.GetContext(ctx, &v, `SELECT `+voucherColumns+` FROM vouchers WHERE code = $1 FOR UPDATE`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "", "voucher %s not found", code)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *pgTx) RedeemVoucher(ctx context.Context, code string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE vouchers SET used_count = used_count + 1, updated_at = $2
		WHERE code = $1 AND (max_uses IS NULL OR used_count < max_uses)`, code, at)
	return affected(res, err)
}

func (t *pgTx) UnredeemVoucher(ctx context.Context, code string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE vouchers SET used_count = used_count - 1, updated_at = $2
		WHERE code = $1 AND used_count > 0`, code, at)
	return err
}

func (t *pgTx) UpsertVoucher(ctx context.Context, v *pricing.Voucher) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO vouchers (`+voucherColumns+`)
		VALUES (:code, :type, :value, :min_order_amount, :max_discount, :used_count, :max_uses,
		        :is_active, :valid_from, :valid_to, :created_at, :updated_at)
		ON CONFLICT (code) DO UPDATE SET
			type             = EXCLUDED.type,
			value            = EXCLUDED.value,
			min_order_amount = EXCLUDED.min_order_amount,
			max_discount     = EXCLUDED.max_discount,
			max_uses         = EXCLUDED.max_uses,
			is_active        = EXCLUDED.is_active,
			valid_from       = EXCLUDED.valid_from,
			valid_to         = EXCLUDED.valid_to,
			updated_at       = EXCLUDED.updated_at`, v)
	return err
}

func (t *pgTx) CreateOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :code, :buyer_id, :seller_id, :listing_id, :listing_title,
		        :gross_amount, :platform_fee_amount, :discount_amount, :net_seller_amount, :voucher_code,
		        :status, :dispute_status, :delivery_content, :resolution, :reason,
		        :created_at, :payment_deadline, :paid_at, :delivered_at, :escrow_release_at, :released_at, :updated_at)`, o)
	return err
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := t.tx.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE orders SET
			status            = :status,
			dispute_status    = :dispute_status,
			delivery_content  = :delivery_content,
			resolution        = :resolution,
			reason            = :reason,
			paid_at           = :paid_at,
			delivered_at      = :delivered_at,
			escrow_release_at = :escrow_release_at,
			released_at       = :released_at,
			updated_at        = :updated_at
		WHERE id = :id`, o)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return orderNotFound(o.ID)
	}
	return nil
}

func (t *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (:id, :order_id, :opened_by, :opener_role, :reason, :status, :verdict,
		        :resolved_by, :notes, :deadline, :created_at, :closed_at)`, d)
	return err
}

func (t *pgTx) GetDisputeForUpdate(ctx context.Context, orderID string) (*Dispute, error) {
	var d Dispute
	err := t.tx.GetContext(ctx, &d, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputeNotFound(orderID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE disputes SET
			status      = :status,
			verdict     = :verdict,
			resolved_by = :resolved_by,
			notes       = :notes,
			closed_at   = :closed_at
		WHERE id = :id`, d)
	return err
}

func (t *pgTx) AppendMessage(ctx context.Context, m *Message) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO dispute_messages (`+messageColumns+`)
		VALUES (:id, :dispute_id, :sender_id, :sender_role, :body, :created_at)`, m)
	return err
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	row, err := encodeWithdrawal(w)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		VALUES (:id, :seller_id, :amount, :destination, :status, :admin_id, :notes,
		        :created_at, :processing_at, :processed_at, :updated_at)`, row)
	return err
}

func (t *pgTx) GetWithdrawalForUpdate(ctx context.Context, id string) (*Withdrawal, error) {
	var row withdrawalRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withdrawalNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET
			status = $2, admin_id = $3, notes = $4,
			processing_at = $5, processed_at = $6, updated_at = $7
		WHERE id = $1`,
		w.ID, string(w.Status), w.AdminID, w.Notes, w.ProcessingAt, w.ProcessedAt, w.UpdatedAt)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return withdrawalNotFound(w.ID)
	}
	return nil
}

// withdrawalRow carries the destination as JSONB.
type withdrawalRow struct {
	Withdrawal
	DestinationJSON []byte `db:"destination"`
}

func encodeWithdrawal(w *Withdrawal) (*withdrawalRow, error) {
	raw, err := json.Marshal(w.Destination)
	if err != nil {
		return nil, fmt.Errorf("encode destination: %w", err)
	}
	return &withdrawalRow{Withdrawal: *w, DestinationJSON: raw}, nil
}

func (r *withdrawalRow) decode() (*Withdrawal, error) {
	w := r.Withdrawal
	if len(r.DestinationJSON) > 0 {
		if err := json.Unmarshal(r.DestinationJSON, &w.Destination); err != nil {
			return nil, fmt.Errorf("decode destination: %w", err)
		}
	}
	return &w, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
