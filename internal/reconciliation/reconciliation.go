// Package reconciliation checks that the ledger conserves money and that
// every open escrow matches the order that funded it.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/ledger"
)

// Source is the read side reconciliation needs. escrow.Store satisfies it.
type Source interface {
	ledger.Reader
	GetOrder(ctx context.Context, id string) (*escrow.Order, error)
}

// StuckEscrow is an escrow balance that its order does not account for.
type StuckEscrow struct {
	OrderID string        `json:"orderId"`
	Status  escrow.Status `json:"status,omitempty"`
	Held    int64         `json:"held"`
	Want    int64         `json:"want"`
	Problem string        `json:"problem"`
}

// Report is the outcome of one run.
type Report struct {
	Totals       *ledger.Totals `json:"totals"`
	Conserved    bool           `json:"conserved"`
	Mismatches   int            `json:"mismatches"`
	StuckEscrows []StuckEscrow  `json:"stuckEscrows"`
	CheckedAt    time.Time      `json:"checkedAt"`
	Duration     string         `json:"duration"`
}

// Healthy reports whether the run found nothing wrong.
func (r *Report) Healthy() bool {
	return r.Conserved && len(r.StuckEscrows) == 0
}

// Service performs reconciliation runs and keeps the latest report.
type Service struct {
	source Source
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(source Source, logger *slog.Logger) *Service {
	return &Service{source: source, logger: logger}
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run checks conservation and every open escrow.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runSeconds.Observe(time.Since(start).Seconds()) }()

	totals, err := s.source.Totals(ctx)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("load ledger totals: %w", err)
	}

	report := &Report{
		Totals:       totals,
		Conserved:    totals.Conserved(),
		StuckEscrows: []StuckEscrow{},
		CheckedAt:    start.UTC(),
	}
	if !report.Conserved {
		report.Mismatches++
		s.logger.Error("ledger not conserved",
			"held", totals.Held, "deposited", totals.Deposited,
			"paidOut", totals.PaidOut, "payoutBalance", totals.PayoutBalance)
	}

	for _, orderID := range totals.OpenEscrows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stuck, err := s.checkEscrow(ctx, orderID)
		if err != nil {
			runErrors.Inc()
			s.logger.Warn("escrow check failed", "orderId", orderID, "error", err)
			continue
		}
		if stuck != nil {
			report.StuckEscrows = append(report.StuckEscrows, *stuck)
			s.logger.Warn("escrow does not match order",
				"orderId", orderID, "status", stuck.Status,
				"held", stuck.Held, "want", stuck.Want, "problem", stuck.Problem)
		}
	}

	report.Duration = time.Since(start).String()
	observe(report)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// checkEscrow returns nil when the escrow of orderID is what its order
// expects: the gross amount while funded, zero otherwise.
func (s *Service) checkEscrow(ctx context.Context, orderID string) (*StuckEscrow, error) {
	held, err := s.escrowBalance(ctx, orderID)
	if err != nil {
		return nil, err
	}

	o, err := s.source.GetOrder(ctx, orderID)
	if apperror.KindOf(err) == apperror.KindNotFound {
		return &StuckEscrow{OrderID: orderID, Held: held, Problem: "no order for escrow"}, nil
	}
	if err != nil {
		return nil, err
	}

	var want int64
	if o.Status.Funded() {
		want = o.GrossAmount
	}
	if held == want {
		return nil, nil
	}
	problem := "escrow differs from gross amount"
	if want == 0 {
		problem = "escrow not settled"
	}
	return &StuckEscrow{OrderID: orderID, Status: o.Status, Held: held, Want: want, Problem: problem}, nil
}

func (s *Service) escrowBalance(ctx context.Context, orderID string) (int64, error) {
	ref := ledger.EscrowAccount(orderID)
	accts, err := s.source.AccountsByOwner(ctx, ref.Owner)
	if err != nil {
		return 0, err
	}
	for _, a := range accts {
		if a.ID == ref.ID() {
			return a.Balance, nil
		}
	}
	return 0, nil
}
