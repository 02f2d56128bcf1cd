// Package notify delivers order and withdrawal events to external sinks
// after the financial transaction has committed.
//
// Delivery is fire-and-forget: each sink runs on its own goroutine under its
// own timeout, and failures are logged and counted but never returned to the
// caller that published the event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/metrics"
)

// EventType names what happened.
type EventType string

const (
	EventOrderCreated        EventType = "order.created"
	EventOrderPaid           EventType = "order.paid"
	EventOrderDelivered      EventType = "order.delivered"
	EventOrderCompleted      EventType = "order.completed"
	EventOrderRefunded       EventType = "order.refunded"
	EventOrderCancelled      EventType = "order.cancelled"
	EventDisputeOpened       EventType = "dispute.opened"
	EventDisputeMessage      EventType = "dispute.message"
	EventDisputeResolved     EventType = "dispute.resolved"
	EventDisputeExpired      EventType = "dispute.expired"
	EventWithdrawalRequested EventType = "withdrawal.requested"
	EventWithdrawalStarted   EventType = "withdrawal.processing"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
	EventWithdrawalRejected  EventType = "withdrawal.rejected"
	EventDepositReceived     EventType = "balance.deposit"
	EventLedgerUnhealthy     EventType = "ledger.unhealthy"
	EventLedgerRecovered     EventType = "ledger.recovered"
)

// Event is one notification. Recipients are user ids that should see it
// in-app; sinks that broadcast ignore them.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlationId"`
	Recipients    []string       `json:"recipients,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a new event.
func NewEvent(typ EventType, correlationID string, data map[string]any, recipients ...string) *Event {
	return &Event{
		ID:            idgen.WithPrefix(idgen.PrefixEvent),
		Type:          typ,
		CorrelationID: correlationID,
		Recipients:    recipients,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
}

// Notifier is one delivery channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event *Event) error
}

// Publisher is what the order engine depends on.
type Publisher interface {
	Publish(events ...*Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(...*Event) {}

// Dispatcher fans events out to every sink.
type Dispatcher struct {
	sinks   []Notifier
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds each sink call.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, logger: logger}
}

// Publish hands events to every sink and returns immediately.
func (d *Dispatcher) Publish(events ...*Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		for _, sink := range d.sinks {
			d.wg.Add(1)
			go d.deliver(sink, ev)
		}
	}
}

func (d *Dispatcher) deliver(sink Notifier, ev *Event) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := safeNotify(ctx, sink, ev)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "failure").Inc()
		d.logger.Warn("notification failed",
			"sink", sink.Name(),
			"event", ev.Type,
			"correlationId", ev.CorrelationID,
			"error", err,
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "success").Inc()
}

func safeNotify(ctx context.Context, sink Notifier, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sink %s: %v", sink.Name(), r)
		}
	}()
	return sink.Notify(ctx, ev)
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting events and waits for in-flight deliveries, up to ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
