package escrow

import (
	"context"
	"time"

	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pricing"
)

// Store persists orders, disputes, withdrawals and the catalog next to the
// ledger so that one transaction can cover all of them.
type Store interface {
	// WithTx runs fn in a transaction. A nil return commits; any error rolls
	// back every write made through tx. Conflicts surface as ErrConflict.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error)
	// ListReleasable returns delivered orders whose release time has passed.
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// ListPaymentOverdue returns pending orders whose payment deadline has passed.
	ListPaymentOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)

	// GetDispute returns the dispute for an order with its messages.
	GetDispute(ctx context.Context, orderID string) (*Dispute, error)
	// ListExpiredDisputes returns open disputes past their deadline.
	ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)

	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]*Withdrawal, error)

	GetListing(ctx context.Context, id string) (*Listing, error)

	ledger.Reader
}

// Tx is the transaction-scoped view. Get*ForUpdate lock the row until the
// transaction ends. Missing rows return an apperror of KindNotFound.
type Tx interface {
	ledger.Book
	idempotency.Store

	GetListingForUpdate(ctx context.Context, id string) (*Listing, error)
	// ReserveListing decrements stock if the listing is active and in stock
	// and reports whether it did.
	ReserveListing(ctx context.Context, id string, at time.Time) (bool, error)
	RestockListing(ctx context.Context, id string, at time.Time) error
	UpsertListing(ctx context.Context, l *Listing) error

	GetVoucherForUpdate(ctx context.Context, code string) (*pricing.Voucher, error)
	// RedeemVoucher increments used_count if uses remain and reports whether it did.
	RedeemVoucher(ctx context.Context, code string, at time.Time) (bool, error)
	UnredeemVoucher(ctx context.Context, code string, at time.Time) error
	UpsertVoucher(ctx context.Context, v *pricing.Voucher) error

	CreateOrder(ctx context.Context, o *Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDisputeForUpdate(ctx context.Context, orderID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	AppendMessage(ctx context.Context, m *Message) error

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawalForUpdate(ctx context.Context, id string) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
}

// OrderFilter selects orders for one participant, newest first.
type OrderFilter struct {
	BuyerID  string
	SellerID string
	Status   Status
	Cursor   *pagination.Cursor
	Limit    int
}

// WithdrawalFilter selects withdrawals, newest first. Empty fields match all.
type WithdrawalFilter struct {
	SellerID string
	Status   WithdrawalStatus
	Cursor   *pagination.Cursor
	Limit    int
}

func (f OrderFilter) matches(o *Order) bool {
	if f.BuyerID != "" && o.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && o.SellerID != f.SellerID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return f.Cursor.Before(o.CreatedAt, o.ID)
}

func (f WithdrawalFilter) matches(w *Withdrawal) bool {
	if f.SellerID != "" && w.SellerID != f.SellerID {
		return false
	}
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	return f.Cursor.Before(w.CreatedAt, w.ID)
}
