package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/pagination"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fundedBook(t *testing.T, buyer string, amount int64) *MemoryBook {
	t.Helper()
	b := NewMemoryBook()
	_, err := Deposit(context.Background(), b, BuyerAccount(buyer), amount, "dep_"+buyer, t0)
	require.NoError(t, err)
	return b
}

func balance(t *testing.T, b Book, ref AccountRef) int64 {
	t.Helper()
	a, err := b.Account(context.Background(), ref)
	require.NoError(t, err)
	return a.Balance
}

func TestAccountRef_RoundTrip(t *testing.T) {
	for _, ref := range []AccountRef{
		BuyerAccount("u_1"), SellerAccount("u_2"), EscrowAccount("ord_9"), PlatformAccount(), PayoutAccount(),
	} {
		parsed, err := ParseAccountID(ref.ID())
		require.NoError(t, err)
		assert.Equal(t, ref, parsed)
	}

	_, err := ParseAccountID("wallet:u_1")
	assert.Error(t, err)
	_, err = ParseAccountID("buyer")
	assert.Error(t, err)
}

func TestTransfer_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "u_1", 100)

	for _, amount := range []int64{0, -5} {
		_, err := Transfer(ctx, b, TransferRequest{
			From: BuyerAccount("u_1"), To: SellerAccount("u_2"), Amount: amount, CorrelationID: "ord_1",
		})
		assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
	}
	assert.Equal(t, int64(100), balance(t, b, BuyerAccount("u_1")))
	assert.Equal(t, int64(0), balance(t, b, SellerAccount("u_2")))
}

func TestTransfer_InsufficientFunds_NoMutation(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "u_1", 100)

	_, err := Transfer(ctx, b, TransferRequest{
		From: BuyerAccount("u_1"), To: SellerAccount("u_2"), Amount: 101, CorrelationID: "ord_1",
	})
	require.ErrorIs(t, err, apperror.ErrInsufficientFunds)

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ord_1", appErr.CorrelationID)

	assert.Equal(t, int64(100), balance(t, b, BuyerAccount("u_1")))
	entries, _ := b.Entries(ctx, "ord_1")
	assert.Empty(t, entries)
}

func TestTransfer_MovesAndRecords(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "u_1", 100)

	e, err := Transfer(ctx, b, TransferRequest{
		From: BuyerAccount("u_1"), To: SellerAccount("u_2"), Amount: 40,
		Reason: ReasonRelease, CorrelationID: "ord_1", At: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "buyer:u_1", e.From)
	assert.Equal(t, "seller:u_2", e.To)
	assert.Equal(t, t0, e.CreatedAt)

	assert.Equal(t, int64(60), balance(t, b, BuyerAccount("u_1")))
	assert.Equal(t, int64(40), balance(t, b, SellerAccount("u_2")))

	entries, _ := b.Entries(ctx, "ord_1")
	require.Len(t, entries, 1)
	assert.Equal(t, int64(40), entries[0].Amount)
}

func TestReserveRelease_Scenario(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "buyer", 500_000)

	_, err := Reserve(ctx, b, BuyerAccount("buyer"), "ord_1", 200_000, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), balance(t, b, BuyerAccount("buyer")))
	assert.Equal(t, int64(200_000), balance(t, b, EscrowAccount("ord_1")))

	entries, err := Release(ctx, b, ReleaseRequest{
		OrderID: "ord_1", Seller: SellerAccount("seller"), Buyer: BuyerAccount("buyer"),
		Net: 190_000, Fee: 10_000, At: t0,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "zero discount leg is skipped")

	assert.Equal(t, int64(190_000), balance(t, b, SellerAccount("seller")))
	assert.Equal(t, int64(10_000), balance(t, b, PlatformAccount()))
	assert.Equal(t, int64(0), balance(t, b, EscrowAccount("ord_1")))
}

func TestRelease_WithDiscountRebate(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "buyer", 200_000)
	_, err := Reserve(ctx, b, BuyerAccount("buyer"), "ord_1", 200_000, t0)
	require.NoError(t, err)

	entries, err := Release(ctx, b, ReleaseRequest{
		OrderID: "ord_1", Seller: SellerAccount("seller"), Buyer: BuyerAccount("buyer"),
		Net: 175_000, Fee: 10_000, Discount: 15_000,
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ReasonDiscount, entries[2].Reason)
	assert.Equal(t, int64(15_000), balance(t, b, BuyerAccount("buyer")))
}

func TestRelease_EscrowMismatch(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "buyer", 200_000)
	_, err := Reserve(ctx, b, BuyerAccount("buyer"), "ord_1", 200_000, t0)
	require.NoError(t, err)

	_, err = Release(ctx, b, ReleaseRequest{
		OrderID: "ord_1", Seller: SellerAccount("seller"), Buyer: BuyerAccount("buyer"),
		Net: 195_000, Fee: 10_000,
	})
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
	assert.Equal(t, int64(200_000), balance(t, b, EscrowAccount("ord_1")))

	_, err = Release(ctx, b, ReleaseRequest{OrderID: "ord_1", Net: -1, Fee: 200_001})
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "buyer", 200_000)
	_, err := Reserve(ctx, b, BuyerAccount("buyer"), "ord_1", 200_000, t0)
	require.NoError(t, err)

	_, err = Refund(ctx, b, BuyerAccount("buyer"), "ord_1", 100, t0)
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)

	_, err = Refund(ctx, b, BuyerAccount("buyer"), "ord_1", 200_000, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), balance(t, b, BuyerAccount("buyer")))
	assert.Equal(t, int64(0), balance(t, b, EscrowAccount("ord_1")))
}

func TestDeposit_InvalidAmount(t *testing.T) {
	_, err := Deposit(context.Background(), NewMemoryBook(), BuyerAccount("u_1"), 0, "ref", t0)
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
}

func TestMemoryBook_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "u_1", 100)

	staged := b.Clone()
	_, err := Transfer(ctx, staged, TransferRequest{
		From: BuyerAccount("u_1"), To: SellerAccount("u_2"), Amount: 30, CorrelationID: "ord_1",
	})
	require.NoError(t, err)

	// The original is untouched until the staged copy replaces it.
	assert.Equal(t, int64(100), balance(t, b, BuyerAccount("u_1")))
	entries, _ := b.Entries(ctx, "ord_1")
	assert.Empty(t, entries)

	assert.Equal(t, int64(70), balance(t, staged, BuyerAccount("u_1")))
}

func TestTotals_Conservation(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "buyer", 500_000)

	_, err := Reserve(ctx, b, BuyerAccount("buyer"), "ord_1", 200_000, t0)
	require.NoError(t, err)
	_, err = Reserve(ctx, b, BuyerAccount("buyer"), "ord_2", 100_000, t0)
	require.NoError(t, err)
	_, err = Release(ctx, b, ReleaseRequest{
		OrderID: "ord_1", Seller: SellerAccount("seller"), Buyer: BuyerAccount("buyer"), Net: 190_000, Fee: 10_000,
	})
	require.NoError(t, err)
	_, err = Transfer(ctx, b, TransferRequest{
		From: SellerAccount("seller"), To: PayoutAccount(), Amount: 50_000, Reason: ReasonWithdrawal, CorrelationID: "wd_1",
	})
	require.NoError(t, err)

	totals, err := b.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), totals.Deposited)
	assert.Equal(t, int64(50_000), totals.PaidOut)
	assert.Equal(t, int64(450_000), totals.Held)
	assert.Equal(t, int64(100_000), totals.Escrowed)
	assert.Equal(t, []string{"ord_2"}, totals.OpenEscrows)
	assert.True(t, totals.Conserved())
}

func TestHistory_Pagination(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBook()
	for i := 0; i < 5; i++ {
		_, err := Deposit(ctx, b, BuyerAccount("u_1"), 10, "dep", t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := Deposit(ctx, b, BuyerAccount("u_2"), 10, "other", t0)
	require.NoError(t, err)

	first, err := b.History(ctx, "buyer:u_1", nil, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, t0.Add(4*time.Minute), first[0].CreatedAt)

	last := first[len(first)-1]
	rest, err := b.History(ctx, "buyer:u_1", &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, t0, rest[1].CreatedAt)
}

func TestAccountsByOwner(t *testing.T) {
	ctx := context.Background()
	b := fundedBook(t, "u_1", 100)
	require.NoError(t, b.Credit(ctx, SellerAccount("u_1"), 5))

	accounts, err := b.AccountsByOwner(ctx, "u_1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "buyer:u_1", accounts[0].ID)
	assert.Equal(t, "seller:u_1", accounts[1].ID)
}
