package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/bazaar/internal/notify"
)

// Timer runs reconciliation on an interval, starting with one run as soon
// as it starts. It raises an alert when the ledger turns unhealthy and
// another when it recovers; repeated unhealthy runs stay quiet.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	alerts   notify.Publisher

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64

	unhealthy bool // only touched by the loop goroutine
}

// NewTimer creates a reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		alerts:   notify.Nop{},
		stop:     make(chan struct{}),
	}
}

// WithAlerts sets where health changes are published.
func (t *Timer) WithAlerts(p notify.Publisher) *Timer {
	t.alerts = p
	return t
}

func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last check finished, or the zero time.
func (t *Timer) LastRun() time.Time {
	ns := t.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Start blocks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.check(ctx)
		}
	}
}

func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	defer t.lastRun.Store(time.Now().UnixNano())

	report, err := t.service.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("reconciliation run failed", "error", err)
		}
		return
	}

	switch healthy := report.Healthy(); {
	case !healthy && !t.unhealthy:
		t.unhealthy = true
		t.logger.Error("ledger reconciliation failed",
			"mismatches", report.Mismatches, "stuckEscrows", len(report.StuckEscrows))
		t.alerts.Publish(notify.NewEvent(notify.EventLedgerUnhealthy, "reconciliation", alertData(report)))
	case healthy && t.unhealthy:
		t.unhealthy = false
		t.logger.Info("ledger reconciliation recovered")
		t.alerts.Publish(notify.NewEvent(notify.EventLedgerRecovered, "reconciliation", alertData(report)))
	}
}

func alertData(r *Report) map[string]any {
	stuck := make([]string, 0, len(r.StuckEscrows))
	for _, s := range r.StuckEscrows {
		stuck = append(stuck, s.OrderID)
	}
	return map[string]any{
		"conserved":    r.Conserved,
		"mismatches":   r.Mismatches,
		"stuckEscrows": stuck,
		"checkedAt":    r.CheckedAt,
	}
}
