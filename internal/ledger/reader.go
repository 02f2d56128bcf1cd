package ledger

import (
	"context"

	"github.com/mbd888/bazaar/internal/pagination"
)

// Reader serves committed ledger state outside of a transaction.
type Reader interface {
	AccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error)
	// History returns entries touching accountID, newest first, starting
	// after the cursor when one is given.
	History(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]*Entry, error)
	Totals(ctx context.Context) (*Totals, error)
}

// Totals summarizes the whole ledger for reconciliation.
type Totals struct {
	// Held is the sum of every balance still inside the marketplace,
	// escrow included.
	Held int64 `json:"held"`
	// Escrowed is the part of Held sitting in order escrows.
	Escrowed int64 `json:"escrowed"`
	// Deposited is the sum of all external deposit entries.
	Deposited int64 `json:"deposited"`
	// PaidOut is the sum of all entries into the payout sink.
	PaidOut int64 `json:"paidOut"`
	// PayoutBalance is the payout sink balance; it must equal PaidOut.
	PayoutBalance int64 `json:"payoutBalance"`
	// OpenEscrows lists order ids whose escrow is non-zero.
	OpenEscrows []string `json:"openEscrows,omitempty"`
}

// Conserved reports whether no money was created or lost.
func (t *Totals) Conserved() bool {
	return t.Held == t.Deposited-t.PaidOut && t.PayoutBalance == t.PaidOut
}
