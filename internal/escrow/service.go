package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/pricing"
	"github.com/mbd888/bazaar/internal/retry"
	"github.com/mbd888/bazaar/internal/syncutil"
	"github.com/mbd888/bazaar/internal/traces"
)

// Idempotency operation names. Each is paired with the order, dispute or
// withdrawal id it applies to.
const (
	opCreate          = "order.create"
	opPay             = "order.pay"
	opDeliver         = "order.deliver"
	opComplete        = "order.complete"
	opRefund          = "order.refund"
	opCancel          = "order.cancel"
	opDisputeOpen     = "dispute.open"
	opDisputeResolve  = "dispute.resolve"
	opDisputeExpire   = "dispute.expire"
	opWithdrawRequest = "withdrawal.request"
	opWithdrawStart   = "withdrawal.start"
	opWithdrawProcess = "withdrawal.process"
	opDeposit         = "deposit"
)

// Config holds the lifecycle windows.
type Config struct {
	AutoReleaseAfter time.Duration
	DisputeWindow    time.Duration
	PaymentWindow    time.Duration
	MinWithdrawal    int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AutoReleaseAfter: 72 * time.Hour,
		DisputeWindow:    7 * 24 * time.Hour,
		PaymentWindow:    30 * time.Minute,
		MinWithdrawal:    1,
	}
}

// FeeSource supplies the current platform fee rate.
type FeeSource interface {
	PlatformFeeRate(ctx context.Context) (pricing.Rate, error)
}

// FixedFee is a FeeSource with a constant rate.
type FixedFee pricing.Rate

func (f FixedFee) PlatformFeeRate(context.Context) (pricing.Rate, error) {
	return pricing.Rate(f), nil
}

// OrderResult is returned by order transitions. Amount is what the
// transition moved through the ledger; on a replay it is the amount the
// original call moved and nothing moves again.
type OrderResult struct {
	Order            *Order `json:"order"`
	Amount           int64  `json:"amount"`
	AlreadyProcessed bool   `json:"alreadyProcessed"`
}

// DisputeResult is returned by dispute operations.
type DisputeResult struct {
	Order            *Order   `json:"order"`
	Dispute          *Dispute `json:"dispute"`
	AlreadyProcessed bool     `json:"alreadyProcessed"`
}

// WithdrawalResult is returned by withdrawal operations.
type WithdrawalResult struct {
	Withdrawal       *Withdrawal `json:"withdrawal"`
	AlreadyProcessed bool        `json:"alreadyProcessed"`
}

// outcome is what the idempotency record stores. Replays reload the
// current row by ID rather than trusting a stale snapshot.
type outcome struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// Service implements the order lifecycle, disputes and withdrawals.
type Service struct {
	store  Store
	fees   FeeSource
	events notify.Publisher
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
	locks  syncutil.ContextShardedMutex

	txRetry retry.Policy
}

// NewService creates a new escrow service.
func NewService(store Store, fees FeeSource, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		fees:   fees,
		events: notify.Nop{},
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		txRetry: retry.Policy{
			Attempts:  5,
			BaseDelay: 10 * time.Millisecond,
			MaxDelay:  200 * time.Millisecond,
			Retryable: isConflict,
			OnRetry: func(int, error) {
				metrics.StoreConflictsTotal.Inc()
			},
		},
	}
}

// WithPublisher sets where committed events go.
func (s *Service) WithPublisher(p notify.Publisher) *Service {
	s.events = p
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the service's lifecycle windows.
func (s *Service) Config() Config { return s.cfg }

// txState collects what one transaction attempt produced. It is reset on
// every retry so that only the committed attempt is reported.
type txState struct {
	entries []*ledger.Entry
	events  []*notify.Event
	status  Status
}

func (st *txState) entry(e *ledger.Entry) {
	st.entries = append(st.entries, e)
}

func (st *txState) emit(e *notify.Event) {
	st.events = append(st.events, e)
}

// inTx runs fn in a store transaction, retrying lost races. Events and
// metrics are published only after commit.
func (s *Service) inTx(ctx context.Context, fn func(tx Tx, st *txState) error) error {
	var st *txState
	err := s.txRetry.Do(ctx, func() error {
		st = &txState{}
		return s.store.WithTx(ctx, func(tx Tx) error { return fn(tx, st) })
	})
	if err != nil {
		return err
	}

	ledger.RecordMetrics(st.entries)
	if st.status != "" {
		metrics.OrderTransitionsTotal.WithLabelValues(string(st.status)).Inc()
	}
	if len(st.events) > 0 {
		s.events.Publish(st.events...)
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, idempotency.ErrDuplicate)
}

// fail records a failed operation on the span and the failure counter.
// Classified errors pass through unchanged; anything else is wrapped.
func (s *Service) fail(ctx context.Context, span trace.Span, op, correlationID string, err error) error {
	traces.RecordError(span, err)

	kind := apperror.KindOf(err)
	label := string(kind)
	if kind == "" {
		label = "internal"
	}
	metrics.OrderFailuresTotal.WithLabelValues(op, label).Inc()

	log := s.logger.With("operation", op, "correlationId", correlationID, "error", err)
	if reqID := logging.RequestID(ctx); reqID != "" {
		log = log.With("request_id", reqID)
	}
	switch kind {
	case "":
		log.Error("operation failed")
		return fmt.Errorf("%s %s: %w", op, correlationID, err)
	case apperror.KindInsufficientFunds, apperror.KindInvalidCharge, apperror.KindInvalidAmount:
		log.Warn("operation rejected")
	default:
		log.Debug("operation rejected")
	}
	return err
}

func (s *Service) replayed(op string) {
	metrics.IdempotentReplaysTotal.WithLabelValues(op).Inc()
}

func (s *Service) lock(ctx context.Context, keys ...string) (func(), error) {
	unlock, err := s.locks.LockKeys(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return unlock, nil
}

func invalidTransition(o *Order, action string) error {
	return apperror.New(apperror.KindInvalidStateTransition, o.ID,
		"cannot %s order in status %s", action, o.Status)
}

func notAuthorized(correlationID, format string, args ...any) error {
	return apperror.New(apperror.KindNotAuthorized, correlationID, format, args...)
}

func invalidRequest(correlationID, format string, args ...any) error {
	return apperror.New(apperror.KindInvalidRequest, correlationID, format, args...)
}

func orderData(o *Order) map[string]any {
	return map[string]any{
		"orderId":     o.ID,
		"code":        o.Code,
		"status":      o.Status,
		"grossAmount": o.GrossAmount,
		"listingId":   o.ListingID,
	}
}

func timePtr(t time.Time) *time.Time { return &t }
