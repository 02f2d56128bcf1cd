// Package escrow runs the marketplace order lifecycle, disputes and seller
// withdrawals on top of the ledger.
//
// Flow:
//  1. Buyer orders a listing: gross moves buyer → escrow (paid)
//  2. Seller delivers (delivered)
//  3. Buyer confirms or the release deadline passes: escrow → seller net,
//     platform fee, buyer discount rebate (completed)
//  4. Either party disputes: funds stay in escrow until an admin rules or
//     the dispute window runs out
//
// Every operation runs in one store transaction together with its ledger
// movements and its idempotency record, so it applies fully or not at all.
package escrow

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/pricing"
)

// ErrConflict marks a transaction that lost a race (serialization failure,
// deadlock, duplicate key) and may be retried from the start.
var ErrConflict = errors.New("store conflict")

// Status is the order state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPaid           Status = "paid"
	StatusDelivered      Status = "delivered"
	StatusCompleted      Status = "completed"
	StatusDisputed       Status = "disputed"
	StatusRefunded       Status = "refunded"
	StatusCancelled      Status = "cancelled"
	StatusResolvedBuyer  Status = "resolved_buyer"
	StatusResolvedSeller Status = "resolved_seller"
	StatusAutoReleased   Status = "auto_released"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled,
		StatusResolvedBuyer, StatusResolvedSeller, StatusAutoReleased:
		return true
	}
	return false
}

// Funded reports whether the order's escrow holds the gross amount.
func (s Status) Funded() bool {
	return s == StatusPaid || s == StatusDelivered || s == StatusDisputed
}

// DisputeStatus tracks the dispute attached to an order.
type DisputeStatus string

const (
	DisputeNone   DisputeStatus = "none"
	DisputeOpen   DisputeStatus = "open"
	DisputeClosed DisputeStatus = "closed"
)

// Order is one purchase. NetSellerAmount + PlatformFeeAmount +
// DiscountAmount always equals GrossAmount.
type Order struct {
	ID                string        `json:"id" db:"id"`
	Code              string        `json:"code" db:"code"`
	BuyerID           string        `json:"buyerId" db:"buyer_id"`
	SellerID          string        `json:"sellerId" db:"seller_id"`
	ListingID         string        `json:"listingId" db:"listing_id"`
	ListingTitle      string        `json:"listingTitle" db:"listing_title"`
	GrossAmount       int64         `json:"grossAmount" db:"gross_amount"`
	PlatformFeeAmount int64         `json:"platformFeeAmount" db:"platform_fee_amount"`
	DiscountAmount    int64         `json:"discountAmount" db:"discount_amount"`
	NetSellerAmount   int64         `json:"netSellerAmount" db:"net_seller_amount"`
	VoucherCode       string        `json:"voucherCode,omitempty" db:"voucher_code"`
	Status            Status        `json:"status" db:"status"`
	DisputeStatus     DisputeStatus `json:"disputeStatus" db:"dispute_status"`
	DeliveryContent   string        `json:"deliveryContent,omitempty" db:"delivery_content"`
	Resolution        string        `json:"resolution,omitempty" db:"resolution"`
	Reason            string        `json:"reason,omitempty" db:"reason"`
	CreatedAt         time.Time     `json:"createdAt" db:"created_at"`
	PaymentDeadline   *time.Time    `json:"paymentDeadline,omitempty" db:"payment_deadline"`
	PaidAt            *time.Time    `json:"paidAt,omitempty" db:"paid_at"`
	DeliveredAt       *time.Time    `json:"deliveredAt,omitempty" db:"delivered_at"`
	EscrowReleaseAt   *time.Time    `json:"escrowReleaseAt,omitempty" db:"escrow_release_at"`
	ReleasedAt        *time.Time    `json:"releasedAt,omitempty" db:"released_at"`
	UpdatedAt         time.Time     `json:"updatedAt" db:"updated_at"`
}

func (o *Order) PageKey() (time.Time, string) { return o.CreatedAt, o.ID }

// IsParticipant reports whether userID is the buyer or the seller.
func (o *Order) IsParticipant(userID string) bool {
	return userID == o.BuyerID || userID == o.SellerID
}

// Verdict is the outcome of a dispute.
type Verdict string

const (
	VerdictBuyer   Verdict = "buyer"
	VerdictSeller  Verdict = "seller"
	VerdictExpired Verdict = "expired"
)

// Dispute is the claim thread attached to an order.
type Dispute struct {
	ID         string        `json:"id" db:"id"`
	OrderID    string        `json:"orderId" db:"order_id"`
	OpenedBy   string        `json:"openedBy" db:"opened_by"`
	OpenerRole string        `json:"openerRole" db:"opener_role"`
	Reason     string        `json:"reason" db:"reason"`
	Status     DisputeStatus `json:"status" db:"status"`
	Verdict    Verdict       `json:"verdict,omitempty" db:"verdict"`
	ResolvedBy string        `json:"resolvedBy,omitempty" db:"resolved_by"`
	Notes      string        `json:"notes,omitempty" db:"notes"`
	Deadline   time.Time     `json:"deadline" db:"deadline"`
	CreatedAt  time.Time     `json:"createdAt" db:"created_at"`
	ClosedAt   *time.Time    `json:"closedAt,omitempty" db:"closed_at"`
	Messages   []*Message    `json:"messages" db:"-"`
}

// Message is one append-only entry in a dispute thread.
type Message struct {
	ID         string    `json:"id" db:"id"`
	DisputeID  string    `json:"disputeId" db:"dispute_id"`
	SenderID   string    `json:"senderId" db:"sender_id"`
	SenderRole string    `json:"senderRole" db:"sender_role"`
	Body       string    `json:"body" db:"body"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// WithdrawalStatus is the payout request state.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// Open reports whether the request may still be processed.
func (s WithdrawalStatus) Open() bool {
	return s == WithdrawalPending || s == WithdrawalProcessing
}

// Destination is where a payout is sent.
type Destination struct {
	Method        string `json:"method"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	BankName      string `json:"bankName,omitempty"`
}

func (d Destination) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", d.Method),
		slog.String("bankName", d.BankName),
		slog.String("accountNumber", d.AccountNumber),
	)
}

// Withdrawal is a seller's request to move earnings out of the marketplace.
// Funds are not held at request time; the balance is checked again when an
// admin completes it.
type Withdrawal struct {
	ID           string           `json:"id" db:"id"`
	SellerID     string           `json:"sellerId" db:"seller_id"`
	Amount       int64            `json:"amount" db:"amount"`
	Destination  Destination      `json:"destination" db:"-"`
	Status       WithdrawalStatus `json:"status" db:"status"`
	AdminID      string           `json:"adminId,omitempty" db:"admin_id"`
	Notes        string           `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
	ProcessingAt *time.Time       `json:"processingAt,omitempty" db:"processing_at"`
	ProcessedAt  *time.Time       `json:"processedAt,omitempty" db:"processed_at"`
	UpdatedAt    time.Time        `json:"updatedAt" db:"updated_at"`
}

func (w *Withdrawal) PageKey() (time.Time, string) { return w.CreatedAt, w.ID }

// Listing is an item for sale. A unique item has Stock 1.
type Listing struct {
	ID        string    `json:"id" db:"id"`
	SellerID  string    `json:"sellerId" db:"seller_id"`
	Title     string    `json:"title" db:"title"`
	Price     int64     `json:"price" db:"price"`
	Stock     int       `json:"stock" db:"stock"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Available reports whether the listing can be bought now.
func (l *Listing) Available() bool {
	return l.Active && l.Stock > 0
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role auth.Role
}

// SystemActor is used by the sweep.
func SystemActor() Actor {
	return Actor{ID: "system", Role: auth.RoleSystem}
}

func (a Actor) IsAdmin() bool  { return a.Role == auth.RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == auth.RoleSystem }

// Voucher is re-exported for callers that only import escrow.
type Voucher = pricing.Voucher
