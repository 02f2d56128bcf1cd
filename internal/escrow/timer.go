package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
)

const sweepBatch = 100

// Timer periodically sweeps orders whose deadlines have passed: delivered
// orders past their release time are completed, expired disputes are
// auto-released and unpaid orders are cancelled.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64
}

// NewTimer creates a new escrow sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (t *Timer) LastRun() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Released  int `json:"released"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// Sweep runs one pass. Each order is handled in its own transaction, so a
// failure on one does not stop the rest; a repeated pass is harmless
// because every transition is idempotent.
func (t *Timer) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := t.service.now()
	system := SystemActor()

	releasable, err := t.store.ListReleasable(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list releasable orders", "error", err)
	}
	for _, o := range releasable {
		res, err := t.service.CompleteOrder(ctx, system, o.ID)
		if err != nil {
			stats.Failed++
			t.logger.Warn("failed to auto-release order", "orderId", o.ID, "error", err)
			continue
		}
		if !res.AlreadyProcessed {
			stats.Released++
			t.logger.Info("auto-released order",
				"orderId", o.ID,
				"seller", o.SellerID,
				"amount", res.Amount,
			)
		}
	}

	disputes, err := t.store.ListExpiredDisputes(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expired disputes", "error", err)
	}
	for _, d := range disputes {
		res, err := t.service.ExpireDispute(ctx, system, d.OrderID)
		if err != nil {
			stats.Failed++
			t.logger.Warn("failed to expire dispute", "orderId", d.OrderID, "disputeId", d.ID, "error", err)
			continue
		}
		if !res.AlreadyProcessed {
			stats.Expired++
		}
	}

	overdue, err := t.store.ListPaymentOverdue(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list unpaid orders", "error", err)
	}
	for _, o := range overdue {
		_, err := t.service.CancelOrder(ctx, system, o.ID, "payment window elapsed")
		switch {
		case err == nil:
			stats.Cancelled++
		case apperror.KindOf(err) == apperror.KindInvalidStateTransition:
			// Paid between listing and cancelling.
		default:
			stats.Failed++
			t.logger.Warn("failed to cancel unpaid order", "orderId", o.ID, "error", err)
		}
	}

	t.lastRun.Store(time.Now().UnixNano())
	if stats != (SweepStats{}) {
		t.logger.Info("escrow sweep finished",
			"released", stats.Released, "expired", stats.Expired,
			"cancelled", stats.Cancelled, "failed", stats.Failed)
	}
	return stats
}
