package escrow

import (
	"context"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
)

// Decision is the admin outcome for a withdrawal.
type Decision string

const (
	DecisionCompleted Decision = "completed"
	DecisionRejected  Decision = "rejected"
)

// WithdrawalRequest is the input to RequestWithdrawal.
type WithdrawalRequest struct {
	Amount         int64       `json:"amount"`
	Destination    Destination `json:"destination"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// RequestWithdrawal records a seller's payout request. The balance is
// checked now and again when the request is completed; nothing is held in
// between. A request the balance cannot cover is not persisted.
func (s *Service) RequestWithdrawal(ctx context.Context, actor Actor, req WithdrawalRequest) (*WithdrawalResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestWithdrawal",
		traces.ActorID(actor.ID), traces.Amount(req.Amount), traces.Operation(opWithdrawRequest))
	defer span.End()

	if actor.IsSystem() {
		return nil, s.fail(ctx, span, opWithdrawRequest, "", notAuthorized("", "system cannot request withdrawals"))
	}
	if req.Amount <= 0 || req.Amount < s.cfg.MinWithdrawal {
		return nil, s.fail(ctx, span, opWithdrawRequest, "", apperror.New(apperror.KindInvalidAmount, "",
			"withdrawal amount must be at least %d, got %d", max(s.cfg.MinWithdrawal, 1), req.Amount))
	}
	var check validation.Checker
	check.Required("destination.method", req.Destination.Method).
		Required("destination.accountName", req.Destination.AccountName).
		Required("destination.accountNumber", req.Destination.AccountNumber).
		MaxLength("destination.accountNumber", req.Destination.AccountNumber, 64)
	if err := check.Err(); err != nil {
		return nil, s.fail(ctx, span, opWithdrawRequest, "", apperror.Wrap(err, apperror.KindInvalidRequest, "", err.Error()))
	}

	unlock, err := s.lock(ctx, "seller:"+actor.ID)
	if err != nil {
		return nil, s.fail(ctx, span, opWithdrawRequest, "", err)
	}
	defer unlock()

	var key *idempotency.Key
	if req.IdempotencyKey != "" {
		key = &idempotency.Key{Operation: opWithdrawRequest, CorrelationID: actor.ID + ":" + req.IdempotencyKey}
	}

	var result *WithdrawalResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		if key != nil {
			prev, ok, err := idempotency.Check[outcome](ctx, tx, *key)
			if err != nil {
				return err
			}
			if ok {
				w, err := tx.GetWithdrawalForUpdate(ctx, prev.ID)
				if err != nil {
					return err
				}
				result = &WithdrawalResult{Withdrawal: w, AlreadyProcessed: true}
				return nil
			}
		}

		now := s.now()
		id := idgen.WithPrefix(idgen.PrefixWithdrawal)
		acct, err := tx.Account(ctx, ledger.SellerAccount(actor.ID))
		if err != nil {
			return err
		}
		if acct.Balance < req.Amount {
			return apperror.New(apperror.KindInsufficientFunds, id,
				"seller balance %d cannot cover withdrawal of %d", acct.Balance, req.Amount)
		}

		w := &Withdrawal{
			ID:          id,
			SellerID:    actor.ID,
			Amount:      req.Amount,
			Destination: req.Destination,
			Status:      WithdrawalPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return err
		}
		if key != nil {
			if err := idempotency.Remember(ctx, tx, *key, outcome{ID: w.ID, Amount: w.Amount, Status: string(w.Status)}, now); err != nil {
				return err
			}
		}
		st.emit(notify.NewEvent(notify.EventWithdrawalRequested, w.ID, withdrawalData(w), w.SellerID))
		result = &WithdrawalResult{Withdrawal: w}
		return nil
	})
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInsufficientFunds {
			metrics.WithdrawalsTotal.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, s.fail(ctx, span, opWithdrawRequest, actor.ID, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opWithdrawRequest)
	} else {
		metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
		s.logger.Info("withdrawal requested", "withdrawalId", result.Withdrawal.ID,
			"sellerId", actor.ID, "amount", req.Amount, "destination", req.Destination)
	}
	span.SetAttributes(traces.WithdrawalID(result.Withdrawal.ID))
	return result, nil
}

// StartWithdrawal moves a pending request to processing. Admin only.
func (s *Service) StartWithdrawal(ctx context.Context, actor Actor, id string) (*WithdrawalResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartWithdrawal",
		traces.WithdrawalID(id), traces.ActorID(actor.ID), traces.Operation(opWithdrawStart))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, s.fail(ctx, span, opWithdrawStart, id, notAuthorized(id, "only an admin can process withdrawals"))
	}

	unlock, err := s.lock(ctx, "withdrawal:"+id)
	if err != nil {
		return nil, s.fail(ctx, span, opWithdrawStart, id, err)
	}
	defer unlock()

	key := idempotency.Key{Operation: opWithdrawStart, CorrelationID: id}
	var result *WithdrawalResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, ok, err := idempotency.Check[outcome](ctx, tx, key); err != nil {
			return err
		} else if ok {
			result = &WithdrawalResult{Withdrawal: w, AlreadyProcessed: true}
			return nil
		}
		if w.Status != WithdrawalPending {
			return apperror.New(apperror.KindInvalidStateTransition, id, "cannot start withdrawal in status %s", w.Status)
		}

		now := s.now()
		w.Status = WithdrawalProcessing
		w.AdminID = actor.ID
		w.ProcessingAt = timePtr(now)
		w.UpdatedAt = now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		if err := idempotency.Remember(ctx, tx, key, outcome{ID: w.ID, Status: string(w.Status)}, now); err != nil {
			return err
		}
		st.emit(notify.NewEvent(notify.EventWithdrawalStarted, w.ID, withdrawalData(w), w.SellerID))
		result = &WithdrawalResult{Withdrawal: w}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, opWithdrawStart, id, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opWithdrawStart)
	}
	return result, nil
}

// ProcessWithdrawal completes or rejects an open request. Completion
// re-checks the seller's balance under the account row lock and pays out;
// a balance that has dropped below the amount fails with insufficient
// funds and leaves the request open.
func (s *Service) ProcessWithdrawal(ctx context.Context, actor Actor, id string, decision Decision, notes string) (*WithdrawalResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessWithdrawal",
		traces.WithdrawalID(id), traces.ActorID(actor.ID), traces.Operation(opWithdrawProcess))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, s.fail(ctx, span, opWithdrawProcess, id, notAuthorized(id, "only an admin can process withdrawals"))
	}
	if decision != DecisionCompleted && decision != DecisionRejected {
		return nil, s.fail(ctx, span, opWithdrawProcess, id, invalidRequest(id, "decision must be completed or rejected"))
	}
	notes = validation.SanitizeString(notes, maxDisputeText)

	unlock, err := s.lock(ctx, "withdrawal:"+id)
	if err != nil {
		return nil, s.fail(ctx, span, opWithdrawProcess, id, err)
	}
	defer unlock()

	key := idempotency.Key{Operation: opWithdrawProcess, CorrelationID: id}
	var result *WithdrawalResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if prev, ok, err := idempotency.Check[outcome](ctx, tx, key); err != nil {
			return err
		} else if ok {
			if prev.Status != string(decision) {
				return apperror.New(apperror.KindInvalidStateTransition, id,
					"withdrawal was already %s", prev.Status)
			}
			result = &WithdrawalResult{Withdrawal: w, AlreadyProcessed: true}
			return nil
		}
		if !w.Status.Open() {
			return apperror.New(apperror.KindInvalidStateTransition, id, "cannot process withdrawal in status %s", w.Status)
		}

		now := s.now()
		event := notify.EventWithdrawalRejected
		if decision == DecisionCompleted {
			seller := ledger.SellerAccount(w.SellerID)
			acct, err := tx.Account(ctx, seller)
			if err != nil {
				return err
			}
			if acct.Balance < w.Amount {
				return apperror.New(apperror.KindInsufficientFunds, id,
					"seller balance %d cannot cover withdrawal of %d", acct.Balance, w.Amount)
			}
			e, err := ledger.Transfer(ctx, tx, ledger.TransferRequest{
				From:          seller,
				To:            ledger.PayoutAccount(),
				Amount:        w.Amount,
				Reason:        ledger.ReasonWithdrawal,
				CorrelationID: w.ID,
				At:            now,
			})
			if err != nil {
				return err
			}
			st.entry(e)
			event = notify.EventWithdrawalCompleted
		}

		w.Status = WithdrawalStatus(decision)
		w.AdminID = actor.ID
		w.Notes = notes
		w.ProcessedAt = timePtr(now)
		w.UpdatedAt = now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		if err := idempotency.Remember(ctx, tx, key, outcome{ID: w.ID, Amount: w.Amount, Status: string(w.Status)}, now); err != nil {
			return err
		}
		st.emit(notify.NewEvent(event, w.ID, withdrawalData(w), w.SellerID))
		result = &WithdrawalResult{Withdrawal: w}
		return nil
	})
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInsufficientFunds {
			metrics.WithdrawalsTotal.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, s.fail(ctx, span, opWithdrawProcess, id, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opWithdrawProcess)
		return result, nil
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(result.Withdrawal.Status)).Inc()
	s.logger.Info("withdrawal processed", "withdrawalId", id, "status", result.Withdrawal.Status,
		"amount", result.Withdrawal.Amount, "admin", actor.ID)
	return result, nil
}

// GetWithdrawal returns a withdrawal to its seller or an admin.
func (s *Service) GetWithdrawal(ctx context.Context, actor Actor, id string) (*Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.SellerID != actor.ID && !actor.IsAdmin() {
		return nil, notAuthorized(id, "not your withdrawal")
	}
	return w, nil
}

// ListWithdrawals returns the caller's withdrawals, or any seller's for an
// admin. Callers page by asking for limit+1 rows.
func (s *Service) ListWithdrawals(ctx context.Context, actor Actor, sellerID string, status WithdrawalStatus, cursor *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	f := WithdrawalFilter{SellerID: actor.ID, Status: status, Cursor: cursor, Limit: limit}
	if actor.IsAdmin() {
		f.SellerID = sellerID
	} else if sellerID != "" && sellerID != actor.ID {
		return nil, notAuthorized("", "cannot list another seller's withdrawals")
	}
	return s.store.ListWithdrawals(ctx, f)
}

func withdrawalData(w *Withdrawal) map[string]any {
	return map[string]any{
		"withdrawalId": w.ID,
		"amount":       w.Amount,
		"status":       w.Status,
	}
}
