package escrow

import (
	"context"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pricing"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
)

// CreateOrderRequest is the input to CreateOrder.
type CreateOrderRequest struct {
	ListingID   string `json:"listingId"`
	VoucherCode string `json:"voucherCode,omitempty"`
	// IdempotencyKey makes a retried create return the first order.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// DeferPayment leaves the order pending until PayOrder.
	DeferPayment bool `json:"deferPayment,omitempty"`
}

// CreateOrder reserves the listing, redeems the voucher, prices the order
// and, unless payment is deferred, moves the gross amount into escrow. All
// of it commits together or not at all.
func (s *Service) CreateOrder(ctx context.Context, actor Actor, req CreateOrderRequest) (*OrderResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateOrder",
		traces.ActorID(actor.ID), traces.Operation(opCreate))
	defer span.End()

	if req.ListingID == "" {
		return nil, s.fail(ctx, span, opCreate, "", invalidRequest("", "listingId is required"))
	}
	if actor.IsSystem() {
		return nil, s.fail(ctx, span, opCreate, "", notAuthorized("", "system cannot place orders"))
	}

	rate, err := s.fees.PlatformFeeRate(ctx)
	if err != nil {
		return nil, s.fail(ctx, span, opCreate, "", err)
	}

	code := validation.NormalizeVoucherCode(req.VoucherCode)
	keys := []string{"listing:" + req.ListingID}
	if code != "" {
		keys = append(keys, "voucher:"+code)
	}
	unlock, err := s.lock(ctx, keys...)
	if err != nil {
		return nil, s.fail(ctx, span, opCreate, "", err)
	}
	defer unlock()

	var key *idempotency.Key
	if req.IdempotencyKey != "" {
		key = &idempotency.Key{Operation: opCreate, CorrelationID: actor.ID + ":" + req.IdempotencyKey}
	}

	var result *OrderResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		if key != nil {
			prev, ok, err := idempotency.Check[outcome](ctx, tx, *key)
			if err != nil {
				return err
			}
			if ok {
				o, err := tx.GetOrderForUpdate(ctx, prev.ID)
				if err != nil {
					return err
				}
				result = &OrderResult{Order: o, Amount: prev.Amount, AlreadyProcessed: true}
				return nil
			}
		}

		now := s.now()
		orderID := idgen.WithPrefix(idgen.PrefixOrder)

		listing, err := tx.GetListingForUpdate(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if listing.SellerID == actor.ID {
			return notAuthorized(orderID, "sellers cannot buy their own listing")
		}
		reserved, err := tx.ReserveListing(ctx, listing.ID, now)
		if err != nil {
			return err
		}
		if !reserved {
			return apperror.New(apperror.KindListingUnavailable, orderID, "listing %s is not available", listing.ID)
		}

		var voucher *pricing.Voucher
		if code != "" {
			voucher, err = tx.GetVoucherForUpdate(ctx, code)
			if apperror.KindOf(err) == apperror.KindNotFound {
				return apperror.Correlate(pricing.NotFound(code), orderID)
			}
			if err != nil {
				return err
			}
		}

		charge, err := pricing.ComputeCharge(listing.Price, rate, voucher, now)
		if err != nil {
			return apperror.Correlate(err, orderID)
		}

		if voucher != nil {
			redeemed, err := tx.RedeemVoucher(ctx, voucher.Code, now)
			if err != nil {
				return err
			}
			if !redeemed {
				return apperror.WithReason(apperror.KindVoucherInvalid, orderID, pricing.ReasonExhausted,
					"voucher "+voucher.Code+" has no uses left")
			}
		}

		o := &Order{
			ID:                orderID,
			Code:              idgen.OrderCode(),
			BuyerID:           actor.ID,
			SellerID:          listing.SellerID,
			ListingID:         listing.ID,
			ListingTitle:      listing.Title,
			GrossAmount:       charge.Gross,
			PlatformFeeAmount: charge.PlatformFee,
			DiscountAmount:    charge.Discount,
			NetSellerAmount:   charge.NetSeller,
			VoucherCode:       charge.VoucherCode,
			Status:            StatusPending,
			DisputeStatus:     DisputeNone,
			CreatedAt:         now,
			PaymentDeadline:   timePtr(now.Add(s.cfg.PaymentWindow)),
			UpdatedAt:         now,
		}
		st.emit(notify.NewEvent(notify.EventOrderCreated, o.ID, orderData(o), o.BuyerID, o.SellerID))

		var moved int64
		if !req.DeferPayment {
			if err := s.fund(ctx, tx, st, o, now); err != nil {
				return err
			}
			moved = o.GrossAmount
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		if o.Status == StatusPending {
			st.status = StatusPending
		}

		if key != nil {
			if err := idempotency.Remember(ctx, tx, *key, outcome{ID: o.ID, Amount: moved, Status: string(o.Status)}, now); err != nil {
				return err
			}
		}
		result = &OrderResult{Order: o, Amount: moved}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, opCreate, req.ListingID, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opCreate)
	}
	o := result.Order
	span.SetAttributes(traces.OrderID(o.ID), traces.Amount(o.GrossAmount), traces.Replayed(result.AlreadyProcessed))
	span.SetAttributes(traces.Charge(o.PlatformFeeAmount, o.DiscountAmount, o.NetSellerAmount)...)
	return result, nil
}

// fund reserves the gross amount and marks o paid.
func (s *Service) fund(ctx context.Context, tx Tx, st *txState, o *Order, now time.Time) error {
	e, err := ledger.Reserve(ctx, tx, ledger.BuyerAccount(o.BuyerID), o.ID, o.GrossAmount, now)
	if err != nil {
		return err
	}
	st.entry(e)
	o.Status = StatusPaid
	o.PaidAt = timePtr(now)
	o.UpdatedAt = now
	st.status = StatusPaid
	st.emit(notify.NewEvent(notify.EventOrderPaid, o.ID, orderData(o), o.BuyerID, o.SellerID))
	return nil
}

// PayOrder funds a pending order from the buyer's balance.
func (s *Service) PayOrder(ctx context.Context, actor Actor, id string) (*OrderResult, error) {
	return s.transition(ctx, actor, id, opPay, "pay", func(o *Order) error {
		if actor.ID != o.BuyerID {
			return notAuthorized(o.ID, "only the buyer can pay")
		}
		return nil
	}, func(ctx context.Context, tx Tx, st *txState, o *Order) (int64, error) {
		if o.Status != StatusPending {
			return 0, invalidTransition(o, "pay")
		}
		now := s.now()
		if err := s.fund(ctx, tx, st, o, now); err != nil {
			return 0, err
		}
		return o.GrossAmount, nil
	})
}

// MarkDelivered records the seller's delivery and starts the release clock.
func (s *Service) MarkDelivered(ctx context.Context, actor Actor, id, content string) (*OrderResult, error) {
	return s.transition(ctx, actor, id, opDeliver, "deliver", func(o *Order) error {
		if actor.ID != o.SellerID {
			return notAuthorized(o.ID, "only the seller can mark delivered")
		}
		return nil
	}, func(ctx context.Context, tx Tx, st *txState, o *Order) (int64, error) {
		if o.Status != StatusPaid {
			return 0, invalidTransition(o, "deliver")
		}
		now := s.now()
		o.Status = StatusDelivered
		o.DeliveryContent = content
		o.DeliveredAt = timePtr(now)
		o.EscrowReleaseAt = timePtr(now.Add(s.cfg.AutoReleaseAfter))
		o.UpdatedAt = now
		st.status = StatusDelivered
		st.emit(notify.NewEvent(notify.EventOrderDelivered, o.ID, orderData(o), o.BuyerID))
		return 0, nil
	})
}

// CompleteOrder releases escrow to the seller. The buyer may complete a
// paid or delivered order; the system actor only a delivered order whose
// release time has passed. A repeated call replays the first result.
func (s *Service) CompleteOrder(ctx context.Context, actor Actor, id string) (*OrderResult, error) {
	return s.transition(ctx, actor, id, opComplete, "complete", func(o *Order) error {
		if actor.ID != o.BuyerID && !actor.IsSystem() {
			return notAuthorized(o.ID, "only the buyer can confirm completion")
		}
		return nil
	}, func(ctx context.Context, tx Tx, st *txState, o *Order) (int64, error) {
		now := s.now()
		switch {
		case actor.IsSystem():
			if o.Status != StatusDelivered || o.EscrowReleaseAt == nil || now.Before(*o.EscrowReleaseAt) {
				return 0, invalidTransition(o, "auto-release")
			}
		case o.Status != StatusPaid && o.Status != StatusDelivered:
			return 0, invalidTransition(o, "complete")
		}
		if err := s.release(ctx, tx, st, o, now); err != nil {
			return 0, err
		}
		o.Status = StatusCompleted
		o.UpdatedAt = now
		st.status = StatusCompleted
		st.emit(notify.NewEvent(notify.EventOrderCompleted, o.ID, orderData(o), o.BuyerID, o.SellerID))
		observeDuration(o, now)
		return o.NetSellerAmount, nil
	})
}

// RefundOrder returns the escrow to the buyer. Seller or admin only.
func (s *Service) RefundOrder(ctx context.Context, actor Actor, id, reason string) (*OrderResult, error) {
	return s.transition(ctx, actor, id, opRefund, "refund", func(o *Order) error {
		if actor.ID != o.SellerID && !actor.IsAdmin() {
			return notAuthorized(o.ID, "only the seller or an admin can refund")
		}
		return nil
	}, func(ctx context.Context, tx Tx, st *txState, o *Order) (int64, error) {
		if o.Status != StatusPaid && o.Status != StatusDelivered {
			return 0, invalidTransition(o, "refund")
		}
		now := s.now()
		if err := s.refund(ctx, tx, st, o, now); err != nil {
			return 0, err
		}
		if o.DeliveredAt == nil {
			if err := tx.RestockListing(ctx, o.ListingID, now); err != nil {
				return 0, err
			}
		}
		o.Status = StatusRefunded
		o.Reason = reason
		o.UpdatedAt = now
		st.status = StatusRefunded
		st.emit(notify.NewEvent(notify.EventOrderRefunded, o.ID, orderData(o), o.BuyerID, o.SellerID))
		observeDuration(o, now)
		return o.GrossAmount, nil
	})
}

// CancelOrder cancels an order before delivery. A pending order may be
// cancelled by either party, an admin or the payment sweep; a paid order
// only by the buyer or an admin, and its escrow is refunded.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, id, reason string) (*OrderResult, error) {
	return s.transition(ctx, actor, id, opCancel, "cancel", func(o *Order) error {
		if !o.IsParticipant(actor.ID) && !actor.IsAdmin() && !actor.IsSystem() {
			return notAuthorized(o.ID, "not a participant in this order")
		}
		return nil
	}, func(ctx context.Context, tx Tx, st *txState, o *Order) (int64, error) {
		now := s.now()
		var moved int64
		switch o.Status {
		case StatusPending:
			if o.VoucherCode != "" {
				if err := tx.UnredeemVoucher(ctx, o.VoucherCode, now); err != nil {
					return 0, err
				}
			}
		case StatusPaid:
			if actor.ID != o.BuyerID && !actor.IsAdmin() {
				return 0, notAuthorized(o.ID, "only the buyer or an admin can cancel a paid order")
			}
			if err := s.refund(ctx, tx, st, o, now); err != nil {
				return 0, err
			}
			moved = o.GrossAmount
		default:
			return 0, invalidTransition(o, "cancel")
		}
		if err := tx.RestockListing(ctx, o.ListingID, now); err != nil {
			return 0, err
		}
		o.Status = StatusCancelled
		o.Reason = reason
		o.UpdatedAt = now
		st.status = StatusCancelled
		st.emit(notify.NewEvent(notify.EventOrderCancelled, o.ID, orderData(o), o.BuyerID, o.SellerID))
		return moved, nil
	})
}

type stepFunc func(ctx context.Context, tx Tx, st *txState, o *Order) (int64, error)

// transition runs the common shape of an order transition: lock the row,
// authorize, replay a committed result if there is one, check the status
// and apply, then record the result under (op, order id).
func (s *Service) transition(ctx context.Context, actor Actor, id, op, action string, authorize func(o *Order) error, apply stepFunc) (*OrderResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+action,
		traces.OrderID(id), traces.ActorID(actor.ID), traces.ActorRole(string(actor.Role)), traces.Operation(op))
	defer span.End()

	unlock, err := s.lock(ctx, "order:"+id)
	if err != nil {
		return nil, s.fail(ctx, span, op, id, err)
	}
	defer unlock()

	key := idempotency.Key{Operation: op, CorrelationID: id}
	var result *OrderResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		o, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(o); err != nil {
			return err
		}

		prev, ok, err := idempotency.Check[outcome](ctx, tx, key)
		if err != nil {
			return err
		}
		if ok {
			result = &OrderResult{Order: o, Amount: prev.Amount, AlreadyProcessed: true}
			return nil
		}

		amount, err := apply(ctx, tx, st, o)
		if err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := idempotency.Remember(ctx, tx, key, outcome{ID: o.ID, Amount: amount, Status: string(o.Status)}, o.UpdatedAt); err != nil {
			return err
		}
		result = &OrderResult{Order: o, Amount: amount}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, op, id, err)
	}
	if result.AlreadyProcessed {
		s.replayed(op)
	} else {
		s.logger.Info("order transition", "orderId", id, "status", result.Order.Status, "actor", actor.ID, "amount", result.Amount)
	}
	span.SetAttributes(traces.Amount(result.Amount), traces.Replayed(result.AlreadyProcessed))
	return result, nil
}

// release pays out escrow: net to the seller, fee to the platform and the
// voucher discount back to the buyer.
func (s *Service) release(ctx context.Context, tx Tx, st *txState, o *Order, now time.Time) error {
	entries, err := ledger.Release(ctx, tx, ledger.ReleaseRequest{
		OrderID:  o.ID,
		Seller:   ledger.SellerAccount(o.SellerID),
		Buyer:    ledger.BuyerAccount(o.BuyerID),
		Net:      o.NetSellerAmount,
		Fee:      o.PlatformFeeAmount,
		Discount: o.DiscountAmount,
		At:       now,
	})
	if err != nil {
		return err
	}
	st.entries = append(st.entries, entries...)
	o.ReleasedAt = timePtr(now)
	return nil
}

func (s *Service) refund(ctx context.Context, tx Tx, st *txState, o *Order, now time.Time) error {
	e, err := ledger.Refund(ctx, tx, ledger.BuyerAccount(o.BuyerID), o.ID, o.GrossAmount, now)
	if err != nil {
		return err
	}
	st.entry(e)
	o.ReleasedAt = timePtr(now)
	return nil
}

func observeDuration(o *Order, now time.Time) {
	metrics.OrderDuration.Observe(now.Sub(o.CreatedAt).Seconds())
}

// GetOrder returns an order visible to actor. Delivery content stays hidden
// from the buyer until the seller has delivered.
func (s *Service) GetOrder(ctx context.Context, actor Actor, id string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, notAuthorized(id, "not a participant in this order")
	}
	if actor.ID == o.BuyerID && o.DeliveredAt == nil {
		o.DeliveryContent = ""
	}
	return o, nil
}

// ListOrders returns actor's orders as buyer or seller, newest first.
// Callers page by asking for limit+1 rows.
func (s *Service) ListOrders(ctx context.Context, actor Actor, role string, status Status, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	f := OrderFilter{Status: status, Cursor: cursor, Limit: limit}
	switch role {
	case "", "buyer":
		f.BuyerID = actor.ID
	case "seller":
		f.SellerID = actor.ID
	default:
		return nil, invalidRequest("", "role must be buyer or seller")
	}
	orders, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.BuyerID == actor.ID && o.DeliveredAt == nil {
			o.DeliveryContent = ""
		}
	}
	return orders, nil
}

// ActorFromIdentity converts an authenticated caller.
func ActorFromIdentity(id auth.Identity) Actor {
	return Actor{ID: id.UserID, Role: id.Role}
}
