package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/pagination"
)

// MemoryBook is an in-memory Book. It is not safe for concurrent use; the
// owning store serializes access and uses Clone to stage a transaction.
type MemoryBook struct {
	accounts map[string]*Account
	entries  []*Entry
}

// NewMemoryBook creates an empty book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{accounts: make(map[string]*Account)}
}

// Clone returns a copy that can be mutated without affecting m. Entries are
// immutable, so the clone shares them and only copies on append.
func (m *MemoryBook) Clone() *MemoryBook {
	accounts := make(map[string]*Account, len(m.accounts))
	for id, a := range m.accounts {
		cp := *a
		accounts[id] = &cp
	}
	return &MemoryBook{
		accounts: accounts,
		entries:  m.entries[:len(m.entries):len(m.entries)],
	}
}

func (m *MemoryBook) account(ref AccountRef) *Account {
	a, ok := m.accounts[ref.ID()]
	if !ok {
		a = &Account{ID: ref.ID(), Kind: ref.Kind, OwnerID: ref.Owner}
		m.accounts[ref.ID()] = a
	}
	return a
}

func (m *MemoryBook) Account(_ context.Context, ref AccountRef) (*Account, error) {
	cp := *m.account(ref)
	return &cp, nil
}

func (m *MemoryBook) Debit(_ context.Context, ref AccountRef, amount int64) error {
	a := m.account(ref)
	if a.Balance < amount {
		return apperror.ErrInsufficientFunds
	}
	a.Balance -= amount
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBook) Credit(_ context.Context, ref AccountRef, amount int64) error {
	a := m.account(ref)
	a.Balance += amount
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBook) Append(_ context.Context, e *Entry) error {
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryBook) Entries(_ context.Context, correlationID string) ([]*Entry, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.CorrelationID == correlationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AccountsByOwner implements Reader.
func (m *MemoryBook) AccountsByOwner(_ context.Context, ownerID string) ([]*Account, error) {
	var out []*Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// History implements Reader.
func (m *MemoryBook) History(_ context.Context, accountID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	var matched []*Entry
	for _, e := range m.entries {
		if (e.From == accountID || e.To == accountID) && after.Before(e.CreatedAt, e.ID) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Entry, len(matched))
	for i, e := range matched {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Totals implements Reader.
func (m *MemoryBook) Totals(_ context.Context) (*Totals, error) {
	t := &Totals{}
	for _, a := range m.accounts {
		if a.Kind == KindPayout {
			t.PayoutBalance += a.Balance
			continue
		}
		t.Held += a.Balance
		if a.Kind == KindEscrow && a.Balance > 0 {
			t.Escrowed += a.Balance
			t.OpenEscrows = append(t.OpenEscrows, a.OwnerID)
		}
	}
	for _, e := range m.entries {
		switch {
		case e.From == ExternalDeposit:
			t.Deposited += e.Amount
		case e.To == PayoutAccount().ID():
			t.PaidOut += e.Amount
		}
	}
	sort.Strings(t.OpenEscrows)
	return t, nil
}
