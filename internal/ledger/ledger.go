// Package ledger moves money between accounts.
//
// Every movement is a Transfer: a checked debit, a credit and one appended
// entry, applied through a transaction-scoped Book. Higher-level moves
// (Reserve, Release, Refund) are compositions of transfers that the caller
// runs inside a single transaction so they commit or roll back together.
//
// Amounts are int64 in the smallest currency unit.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/metrics"
)

// Kind is the role an account plays.
type Kind string

const (
	KindBuyer    Kind = "buyer"    // user wallet, funded by deposits
	KindSeller   Kind = "seller"   // shop wallet, funded by releases
	KindPlatform Kind = "platform" // fee sink
	KindEscrow   Kind = "escrow"   // per-order hold
	KindPayout   Kind = "payout"   // funds that left the marketplace
)

// ExternalDeposit is the From side of entries that inject new funds.
const ExternalDeposit = "external:deposit"

// Reason labels why an entry was written.
type Reason string

const (
	ReasonOrderCreate Reason = "order_create"
	ReasonRelease     Reason = "release"
	ReasonPlatformFee Reason = "platform_fee"
	ReasonDiscount    Reason = "discount_rebate"
	ReasonRefund      Reason = "refund"
	ReasonWithdrawal  Reason = "withdrawal"
	ReasonDeposit     Reason = "deposit"
)

// AccountRef identifies an account by kind and owner.
type AccountRef struct {
	Kind  Kind
	Owner string
}

// ID returns the storage key, e.g. "buyer:u_1" or "escrow:ord_9".
func (r AccountRef) ID() string { return string(r.Kind) + ":" + r.Owner }

func (r AccountRef) String() string { return r.ID() }

func BuyerAccount(userID string) AccountRef  { return AccountRef{Kind: KindBuyer, Owner: userID} }
func SellerAccount(userID string) AccountRef { return AccountRef{Kind: KindSeller, Owner: userID} }
func EscrowAccount(orderID string) AccountRef {
	return AccountRef{Kind: KindEscrow, Owner: orderID}
}
func PlatformAccount() AccountRef { return AccountRef{Kind: KindPlatform, Owner: "fees"} }
func PayoutAccount() AccountRef   { return AccountRef{Kind: KindPayout, Owner: "external"} }

// ParseAccountID is the inverse of AccountRef.ID.
func ParseAccountID(id string) (AccountRef, error) {
	kind, owner, ok := strings.Cut(id, ":")
	if !ok || owner == "" {
		return AccountRef{}, fmt.Errorf("invalid account id %q", id)
	}
	switch Kind(kind) {
	case KindBuyer, KindSeller, KindPlatform, KindEscrow, KindPayout:
		return AccountRef{Kind: Kind(kind), Owner: owner}, nil
	}
	return AccountRef{}, fmt.Errorf("invalid account kind %q", kind)
}

// Account is a balance holder. Balance is never negative.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Kind      Kind      `json:"kind" db:"kind"`
	OwnerID   string    `json:"ownerId" db:"owner_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Entry is an immutable record of one value movement.
type Entry struct {
	ID            string    `json:"id" db:"id"`
	From          string    `json:"from" db:"from_account"`
	To            string    `json:"to" db:"to_account"`
	Amount        int64     `json:"amount" db:"amount"`
	Reason        Reason    `json:"reason" db:"reason"`
	CorrelationID string    `json:"correlationId" db:"correlation_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

func (e *Entry) PageKey() (time.Time, string) { return e.CreatedAt, e.ID }

// Book is the transaction-scoped view of balances that the primitives
// operate on. Implementations lock the account row on Account and Debit.
type Book interface {
	// Account returns the account, creating it with a zero balance if needed.
	Account(ctx context.Context, ref AccountRef) (*Account, error)
	// Debit subtracts amount, failing with apperror.ErrInsufficientFunds
	// when the balance is lower than amount.
	Debit(ctx context.Context, ref AccountRef, amount int64) error
	Credit(ctx context.Context, ref AccountRef, amount int64) error
	Append(ctx context.Context, e *Entry) error
	Entries(ctx context.Context, correlationID string) ([]*Entry, error)
}

// TransferRequest describes one movement.
type TransferRequest struct {
	From          AccountRef
	To            AccountRef
	Amount        int64
	Reason        Reason
	CorrelationID string
	At            time.Time
}

// Transfer debits From, credits To and appends the entry. The caller's
// transaction makes the three steps atomic.
func Transfer(ctx context.Context, book Book, req TransferRequest) (*Entry, error) {
	if req.Amount <= 0 {
		return nil, apperror.New(apperror.KindInvalidAmount, req.CorrelationID,
			"transfer amount must be positive, got %d", req.Amount)
	}
	if req.From == req.To {
		return nil, apperror.New(apperror.KindInvalidAmount, req.CorrelationID,
			"transfer source and destination are both %s", req.From)
	}

	if err := book.Debit(ctx, req.From, req.Amount); err != nil {
		if apperror.KindOf(err) == apperror.KindInsufficientFunds {
			return nil, apperror.New(apperror.KindInsufficientFunds, req.CorrelationID,
				"account %s cannot cover %d", req.From, req.Amount)
		}
		return nil, fmt.Errorf("debit %s: %w", req.From, err)
	}
	if err := book.Credit(ctx, req.To, req.Amount); err != nil {
		return nil, fmt.Errorf("credit %s: %w", req.To, err)
	}

	e := &Entry{
		ID:            idgen.WithPrefix(idgen.PrefixEntry),
		From:          req.From.ID(),
		To:            req.To.ID(),
		Amount:        req.Amount,
		Reason:        req.Reason,
		CorrelationID: req.CorrelationID,
		CreatedAt:     stamp(req.At),
	}
	if err := book.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

// Reserve moves the gross amount from the buyer into the order's escrow.
func Reserve(ctx context.Context, book Book, buyer AccountRef, orderID string, amount int64, at time.Time) (*Entry, error) {
	return Transfer(ctx, book, TransferRequest{
		From:          buyer,
		To:            EscrowAccount(orderID),
		Amount:        amount,
		Reason:        ReasonOrderCreate,
		CorrelationID: orderID,
		At:            at,
	})
}

// ReleaseRequest splits an order's escrow between the parties.
type ReleaseRequest struct {
	OrderID  string
	Seller   AccountRef
	Buyer    AccountRef
	Net      int64
	Fee      int64
	Discount int64
	At       time.Time
}

// Release pays the seller's net, the platform fee and the buyer's discount
// rebate out of escrow. The three legs must add up to the escrow balance
// exactly; zero legs are skipped. Any failure leaves the caller's
// transaction to roll back every leg.
func Release(ctx context.Context, book Book, req ReleaseRequest) ([]*Entry, error) {
	if req.Net < 0 || req.Fee < 0 || req.Discount < 0 {
		return nil, apperror.New(apperror.KindInvalidAmount, req.OrderID,
			"release legs must be non-negative (net %d, fee %d, discount %d)", req.Net, req.Fee, req.Discount)
	}

	escrow := EscrowAccount(req.OrderID)
	acct, err := book.Account(ctx, escrow)
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	if total := req.Net + req.Fee + req.Discount; total != acct.Balance || total == 0 {
		return nil, apperror.New(apperror.KindInvalidAmount, req.OrderID,
			"escrow mismatch: holds %d, release legs total %d", acct.Balance, total)
	}

	legs := []struct {
		to     AccountRef
		amount int64
		reason Reason
	}{
		{req.Seller, req.Net, ReasonRelease},
		{PlatformAccount(), req.Fee, ReasonPlatformFee},
		{req.Buyer, req.Discount, ReasonDiscount},
	}

	var entries []*Entry
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		e, err := Transfer(ctx, book, TransferRequest{
			From:          escrow,
			To:            leg.to,
			Amount:        leg.amount,
			Reason:        leg.reason,
			CorrelationID: req.OrderID,
			At:            req.At,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Refund returns the full escrow to the buyer. amount must equal the
// escrow balance.
func Refund(ctx context.Context, book Book, buyer AccountRef, orderID string, amount int64, at time.Time) (*Entry, error) {
	escrow := EscrowAccount(orderID)
	acct, err := book.Account(ctx, escrow)
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	if acct.Balance != amount {
		return nil, apperror.New(apperror.KindInvalidAmount, orderID,
			"escrow mismatch: holds %d, refund %d", acct.Balance, amount)
	}
	return Transfer(ctx, book, TransferRequest{
		From:          escrow,
		To:            buyer,
		Amount:        amount,
		Reason:        ReasonRefund,
		CorrelationID: orderID,
		At:            at,
	})
}

// Deposit injects external funds into an account. reference identifies the
// external payment and becomes the entry's correlation id.
func Deposit(ctx context.Context, book Book, to AccountRef, amount int64, reference string, at time.Time) (*Entry, error) {
	if amount <= 0 {
		return nil, apperror.New(apperror.KindInvalidAmount, reference,
			"deposit amount must be positive, got %d", amount)
	}
	if err := book.Credit(ctx, to, amount); err != nil {
		return nil, fmt.Errorf("credit %s: %w", to, err)
	}
	e := &Entry{
		ID:            idgen.WithPrefix(idgen.PrefixEntry),
		From:          ExternalDeposit,
		To:            to.ID(),
		Amount:        amount,
		Reason:        ReasonDeposit,
		CorrelationID: reference,
		CreatedAt:     stamp(at),
	}
	if err := book.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

// RecordMetrics counts committed entries. Call only after commit.
func RecordMetrics(entries []*Entry) {
	for _, e := range entries {
		metrics.LedgerTransfersTotal.WithLabelValues(string(e.Reason)).Inc()
		metrics.LedgerVolume.WithLabelValues(string(e.Reason)).Add(float64(e.Amount))
	}
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
