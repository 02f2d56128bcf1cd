package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pricing"
)

// memState is one consistent snapshot. Records in the maps are never
// mutated in place; a write stores a fresh copy, so a shallow map copy is
// enough to stage a transaction.
type memState struct {
	book        *ledger.MemoryBook
	keys        *idempotency.MemoryStore
	listings    map[string]*Listing
	vouchers    map[string]*pricing.Voucher
	orders      map[string]*Order
	disputes    map[string]*Dispute // by order id
	withdrawals map[string]*Withdrawal
}

func newMemState() *memState {
	return &memState{
		book:        ledger.NewMemoryBook(),
		keys:        idempotency.NewMemoryStore(),
		listings:    make(map[string]*Listing),
		vouchers:    make(map[string]*pricing.Voucher),
		orders:      make(map[string]*Order),
		disputes:    make(map[string]*Dispute),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		book:        s.book.Clone(),
		keys:        s.keys.Clone(),
		listings:    cloneMap(s.listings),
		vouchers:    cloneMap(s.vouchers),
		orders:      cloneMap(s.orders),
		disputes:    cloneMap(s.disputes),
		withdrawals: cloneMap(s.withdrawals),
	}
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyOf[T any](v *T) *T {
	cp := *v
	return &cp
}

// MemoryStore is an in-memory Store for development and tests. Transactions
// are serialized by one lock and applied copy-on-write: fn works on a staged
// snapshot that replaces the live one only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := m.state.clone()
	if err := fn(&memTx{MemoryBook: staged.book, MemoryStore: staged.keys, st: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryStore) snapshot() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	o, ok := m.snapshot().orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	return copyOf(o), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*Order, error) {
	var out []*Order
	for _, o := range m.snapshot().orders {
		if f.matches(o) {
			out = append(out, copyOf(o))
		}
	}
	sortNewestFirst(out, func(o *Order) (time.Time, string) { return o.CreatedAt, o.ID })
	return limitSlice(out, f.Limit), nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range m.snapshot().orders {
		if o.Status == StatusDelivered && o.EscrowReleaseAt != nil && !now.Before(*o.EscrowReleaseAt) {
			out = append(out, copyOf(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscrowReleaseAt.Before(*out[j].EscrowReleaseAt) })
	return limitSlice(out, limit), nil
}

func (m *MemoryStore) ListPaymentOverdue(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range m.snapshot().orders {
		if o.Status == StatusPending && o.PaymentDeadline != nil && !now.Before(*o.PaymentDeadline) {
			out = append(out, copyOf(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(*out[j].PaymentDeadline) })
	return limitSlice(out, limit), nil
}

func (m *MemoryStore) GetDispute(_ context.Context, orderID string) (*Dispute, error) {
	d, ok := m.snapshot().disputes[orderID]
	if !ok {
		return nil, disputeNotFound(orderID)
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) ListExpiredDisputes(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	var out []*Dispute
	for _, d := range m.snapshot().disputes {
		if d.Status == DisputeOpen && !now.Before(d.Deadline) {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return limitSlice(out, limit), nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	w, ok := m.snapshot().withdrawals[id]
	if !ok {
		return nil, withdrawalNotFound(id)
	}
	return copyOf(w), nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, f WithdrawalFilter) ([]*Withdrawal, error) {
	var out []*Withdrawal
	for _, w := range m.snapshot().withdrawals {
		if f.matches(w) {
			out = append(out, copyOf(w))
		}
	}
	sortNewestFirst(out, func(w *Withdrawal) (time.Time, string) { return w.CreatedAt, w.ID })
	return limitSlice(out, f.Limit), nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*Listing, error) {
	l, ok := m.snapshot().listings[id]
	if !ok {
		return nil, listingNotFound(id)
	}
	return copyOf(l), nil
}

// The committed book is replaced, never mutated, so reads need no copy of it.

func (m *MemoryStore) AccountsByOwner(ctx context.Context, ownerID string) ([]*ledger.Account, error) {
	return m.snapshot().book.AccountsByOwner(ctx, ownerID)
}

func (m *MemoryStore) History(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]*ledger.Entry, error) {
	return m.snapshot().book.History(ctx, accountID, after, limit)
}

func (m *MemoryStore) Totals(ctx context.Context) (*ledger.Totals, error) {
	return m.snapshot().book.Totals(ctx)
}

// memTx is the staged snapshot handed to WithTx callbacks.
type memTx struct {
	*ledger.MemoryBook
	*idempotency.MemoryStore
	st *memState
}

func (t *memTx) GetListingForUpdate(_ context.Context, id string) (*Listing, error) {
	l, ok := t.st.listings[id]
	if !ok {
		return nil, listingNotFound(id)
	}
	return copyOf(l), nil
}

func (t *memTx) ReserveListing(_ context.Context, id string, at time.Time) (bool, error) {
	l, ok := t.st.listings[id]
	if !ok || !l.Available() {
		return false, nil
	}
	cp := copyOf(l)
	cp.Stock--
	cp.UpdatedAt = at
	t.st.listings[id] = cp
	return true, nil
}

func (t *memTx) RestockListing(_ context.Context, id string, at time.Time) error {
	l, ok := t.st.listings[id]
	if !ok {
		return listingNotFound(id)
	}
	cp := copyOf(l)
	cp.Stock++
	cp.UpdatedAt = at
	t.st.listings[id] = cp
	return nil
}

func (t *memTx) UpsertListing(_ context.Context, l *Listing) error {
	cp := copyOf(l)
	if prev, ok := t.st.listings[l.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	t.st.listings[l.ID] = cp
	return nil
}

func (t *memTx) GetVoucherForUpdate(_ context.Context, code string) (*pricing.Voucher, error) {
	v, ok := t.st.vouchers[code]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "", "voucher %s not found", code)
	}
	return copyOf(v), nil
}

func (t *memTx) RedeemVoucher(_ context.Context, code string, at time.Time) (bool, error) {
	v, ok := t.st.vouchers[code]
	if !ok || v.Exhausted() {
		return false, nil
	}
	cp := copyOf(v)
	cp.UsedCount++
	cp.UpdatedAt = at
	t.st.vouchers[code] = cp
	return true, nil
}

func (t *memTx) UnredeemVoucher(_ context.Context, code string, at time.Time) error {
	v, ok := t.st.vouchers[code]
	if !ok || v.UsedCount == 0 {
		return nil
	}
	cp := copyOf(v)
	cp.UsedCount--
	cp.UpdatedAt = at
	t.st.vouchers[code] = cp
	return nil
}

func (t *memTx) UpsertVoucher(_ context.Context, v *pricing.Voucher) error {
	cp := copyOf(v)
	if prev, ok := t.st.vouchers[v.Code]; ok {
		cp.CreatedAt = prev.CreatedAt
		cp.UsedCount = prev.UsedCount
	}
	t.st.vouchers[v.Code] = cp
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, o *Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return ErrConflict
	}
	t.st.orders[o.ID] = copyOf(o)
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	return copyOf(o), nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return orderNotFound(o.ID)
	}
	t.st.orders[o.ID] = copyOf(o)
	return nil
}

func (t *memTx) CreateDispute(_ context.Context, d *Dispute) error {
	if _, ok := t.st.disputes[d.OrderID]; ok {
		return ErrConflict
	}
	t.st.disputes[d.OrderID] = copyDispute(d)
	return nil
}

func (t *memTx) GetDisputeForUpdate(_ context.Context, orderID string) (*Dispute, error) {
	d, ok := t.st.disputes[orderID]
	if !ok {
		return nil, disputeNotFound(orderID)
	}
	return copyDispute(d), nil
}

func (t *memTx) UpdateDispute(_ context.Context, d *Dispute) error {
	prev, ok := t.st.disputes[d.OrderID]
	if !ok {
		return disputeNotFound(d.OrderID)
	}
	cp := copyDispute(d)
	cp.Messages = prev.Messages
	t.st.disputes[d.OrderID] = cp
	return nil
}

func (t *memTx) AppendMessage(_ context.Context, msg *Message) error {
	for orderID, d := range t.st.disputes {
		if d.ID != msg.DisputeID {
			continue
		}
		cp := copyOf(d)
		cp.Messages = append(d.Messages[:len(d.Messages):len(d.Messages)], copyOf(msg))
		t.st.disputes[orderID] = cp
		return nil
	}
	return apperror.New(apperror.KindNotFound, "", "dispute %s not found", msg.DisputeID)
}

func (t *memTx) CreateWithdrawal(_ context.Context, w *Withdrawal) error {
	if _, ok := t.st.withdrawals[w.ID]; ok {
		return ErrConflict
	}
	t.st.withdrawals[w.ID] = copyOf(w)
	return nil
}

func (t *memTx) GetWithdrawalForUpdate(_ context.Context, id string) (*Withdrawal, error) {
	w, ok := t.st.withdrawals[id]
	if !ok {
		return nil, withdrawalNotFound(id)
	}
	return copyOf(w), nil
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w *Withdrawal) error {
	if _, ok := t.st.withdrawals[w.ID]; !ok {
		return withdrawalNotFound(w.ID)
	}
	t.st.withdrawals[w.ID] = copyOf(w)
	return nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := copyOf(d)
	cp.Messages = make([]*Message, len(d.Messages))
	for i, m := range d.Messages {
		cp.Messages[i] = copyOf(m)
	}
	return cp
}

func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti.Equal(tj) {
			return idi > idj
		}
		return ti.After(tj)
	})
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func orderNotFound(id string) error {
	return apperror.New(apperror.KindNotFound, id, "order %s not found", id)
}

func disputeNotFound(orderID string) error {
	return apperror.New(apperror.KindNotFound, orderID, "no dispute for order %s", orderID)
}

func withdrawalNotFound(id string) error {
	return apperror.New(apperror.KindNotFound, id, "withdrawal %s not found", id)
}

func listingNotFound(id string) error {
	return apperror.New(apperror.KindNotFound, "", "listing %s not found", id)
}
