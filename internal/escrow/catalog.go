package escrow

import (
	"context"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/pricing"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
)

// GetListing returns a listing.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// UpsertListing creates or replaces a listing. Admin only.
func (s *Service) UpsertListing(ctx context.Context, actor Actor, l Listing) (*Listing, error) {
	if !actor.IsAdmin() {
		return nil, notAuthorized("", "only an admin can manage listings")
	}
	l.Title = validation.SanitizeString(l.Title, 200)
	var check validation.Checker
	check.Required("id", l.ID).ID("id", l.ID).
		Required("sellerId", l.SellerID).ID("sellerId", l.SellerID).
		Required("title", l.Title).
		Positive("price", l.Price).
		NonNegative("stock", int64(l.Stock))
	if err := check.Err(); err != nil {
		return nil, apperror.Wrap(err, apperror.KindInvalidRequest, "", err.Error())
	}

	now := s.now()
	l.CreatedAt = now
	l.UpdatedAt = now
	err := s.inTx(ctx, func(tx Tx, _ *txState) error {
		if prev, err := tx.GetListingForUpdate(ctx, l.ID); err == nil {
			l.CreatedAt = prev.CreatedAt
		} else if apperror.KindOf(err) != apperror.KindNotFound {
			return err
		}
		return tx.UpsertListing(ctx, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpsertVoucher creates or replaces a voucher. The redemption count of an
// existing voucher is kept. Admin only.
func (s *Service) UpsertVoucher(ctx context.Context, actor Actor, v pricing.Voucher) (*pricing.Voucher, error) {
	if !actor.IsAdmin() {
		return nil, notAuthorized("", "only an admin can manage vouchers")
	}
	v.Code = validation.NormalizeVoucherCode(v.Code)
	var check validation.Checker
	check.Required("code", v.Code).VoucherCode("code", v.Code).
		OneOf("type", string(v.Type), string(pricing.VoucherPercentage), string(pricing.VoucherFixed)).
		Positive("value", v.Value).
		NonNegative("minOrderAmount", v.MinOrderAmount)
	if err := check.Err(); err != nil {
		return nil, apperror.Wrap(err, apperror.KindInvalidRequest, "", err.Error())
	}
	if v.Type == pricing.VoucherPercentage && v.Value > 100 {
		return nil, invalidRequest("", "percentage vouchers cannot exceed 100")
	}
	if v.MinOrderAmount < 0 || (v.MaxDiscount != nil && *v.MaxDiscount < 0) || (v.MaxUses != nil && *v.MaxUses < 0) {
		return nil, invalidRequest("", "voucher limits cannot be negative")
	}
	if v.ValidFrom != nil && v.ValidTo != nil && v.ValidTo.Before(*v.ValidFrom) {
		return nil, invalidRequest("", "validTo is before validFrom")
	}

	now := s.now()
	v.CreatedAt = now
	v.UpdatedAt = now
	v.UsedCount = 0
	err := s.inTx(ctx, func(tx Tx, _ *txState) error {
		if prev, err := tx.GetVoucherForUpdate(ctx, v.Code); err == nil {
			v.CreatedAt = prev.CreatedAt
			v.UsedCount = prev.UsedCount
		} else if apperror.KindOf(err) != apperror.KindNotFound {
			return err
		}
		return tx.UpsertVoucher(ctx, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// DepositRequest injects external funds into a user's buyer balance.
type DepositRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	// Reference identifies the external payment. A repeated reference is
	// answered from the first deposit.
	Reference string `json:"reference"`
}

// DepositResult reports the credited balance.
type DepositResult struct {
	UserID           string `json:"userId"`
	Amount           int64  `json:"amount"`
	Reference        string `json:"reference"`
	Balance          int64  `json:"balance"`
	AlreadyProcessed bool   `json:"alreadyProcessed"`
}

// Deposit credits a buyer wallet from an external payment. Admin or system.
func (s *Service) Deposit(ctx context.Context, actor Actor, req DepositRequest) (*DepositResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit",
		traces.ActorID(actor.ID), traces.Amount(req.Amount), traces.Operation(opDeposit))
	defer span.End()

	if !actor.IsAdmin() && !actor.IsSystem() {
		return nil, s.fail(ctx, span, opDeposit, req.Reference, notAuthorized(req.Reference, "only an admin can record deposits"))
	}
	if req.UserID == "" || req.Reference == "" {
		return nil, s.fail(ctx, span, opDeposit, req.Reference, invalidRequest(req.Reference, "userId and reference are required"))
	}

	key := idempotency.Key{Operation: opDeposit, CorrelationID: req.Reference}
	var result *DepositResult
	err := s.inTx(ctx, func(tx Tx, st *txState) error {
		acctRef := ledger.BuyerAccount(req.UserID)
		if prev, ok, err := idempotency.Check[outcome](ctx, tx, key); err != nil {
			return err
		} else if ok {
			acct, err := tx.Account(ctx, ledger.BuyerAccount(prev.ID))
			if err != nil {
				return err
			}
			result = &DepositResult{UserID: prev.ID, Amount: prev.Amount, Reference: req.Reference,
				Balance: acct.Balance, AlreadyProcessed: true}
			return nil
		}

		now := s.now()
		e, err := ledger.Deposit(ctx, tx, acctRef, req.Amount, req.Reference, now)
		if err != nil {
			return err
		}
		st.entry(e)
		acct, err := tx.Account(ctx, acctRef)
		if err != nil {
			return err
		}
		if err := idempotency.Remember(ctx, tx, key, outcome{ID: req.UserID, Amount: req.Amount, Status: "deposited"}, now); err != nil {
			return err
		}
		st.emit(notify.NewEvent(notify.EventDepositReceived, req.Reference, map[string]any{
			"amount":  req.Amount,
			"balance": acct.Balance,
		}, req.UserID))
		result = &DepositResult{UserID: req.UserID, Amount: req.Amount, Reference: req.Reference, Balance: acct.Balance}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, opDeposit, req.Reference, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opDeposit)
	}
	return result, nil
}
