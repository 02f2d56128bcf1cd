// Package idempotency records the result of every mutating operation under
// an (operation, correlation id) key, inside the same transaction as the
// mutation. A retried call finds the committed record and replays its
// result instead of applying the ledger effect again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate is returned by Store.Save when the key is already recorded.
// Inside a transaction it means a concurrent caller committed first; the
// transaction must be rolled back and retried so that it observes the record.
var ErrDuplicate = errors.New("idempotency key already recorded")

// Key identifies one logical operation.
type Key struct {
	Operation     string
	CorrelationID string
}

func (k Key) String() string { return k.Operation + "/" + k.CorrelationID }

// Record is a committed operation result.
type Record struct {
	Operation     string          `json:"operation" db:"operation"`
	CorrelationID string          `json:"correlationId" db:"correlation_id"`
	Result        json.RawMessage `json:"result" db:"result"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

// Store is the transaction-scoped record store.
type Store interface {
	// Lookup returns the record for key, or nil when none exists.
	Lookup(ctx context.Context, key Key) (*Record, error)
	// Save inserts rec, failing with ErrDuplicate if the key exists.
	Save(ctx context.Context, rec *Record) error
}

// Check returns the stored result for key, if any.
func Check[T any](ctx context.Context, store Store, key Key) (T, bool, error) {
	var zero T
	rec, err := store.Lookup(ctx, key)
	if err != nil {
		return zero, false, fmt.Errorf("lookup %s: %w", key, err)
	}
	if rec == nil {
		return zero, false, nil
	}
	var out T
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return zero, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

// Remember stores result under key.
func Remember[T any](ctx context.Context, store Store, key Key, result T, now time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Save(ctx, &Record{
		Operation:     key.Operation,
		CorrelationID: key.CorrelationID,
		Result:        raw,
		CreatedAt:     now.UTC(),
	})
}

// Do replays the stored result for key when one exists; otherwise it runs
// fn and records its result. Both steps share the caller's transaction, so
// the record commits if and only if fn's effects do.
func Do[T any](ctx context.Context, store Store, key Key, now time.Time, fn func() (T, error)) (T, bool, error) {
	if prev, ok, err := Check[T](ctx, store, key); err != nil || ok {
		return prev, ok, err
	}

	result, err := fn()
	if err != nil {
		var zero T
		return zero, false, err
	}
	if err := Remember(ctx, store, key, result, now); err != nil {
		var zero T
		return zero, false, err
	}
	return result, false, nil
}
