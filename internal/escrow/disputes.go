package escrow

import (
	"context"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/idempotency"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
)

const maxDisputeText = 2000

// OpenDispute freezes a paid or delivered order. Funds stay in escrow
// until an admin rules or the dispute window runs out.
func (s *Service) OpenDispute(ctx context.Context, actor Actor, orderID, reason string) (*DisputeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute",
		traces.OrderID(orderID), traces.ActorID(actor.ID), traces.Operation(opDisputeOpen))
	defer span.End()

	reason = validation.SanitizeString(reason, maxDisputeText)
	if reason == "" {
		return nil, s.fail(ctx, span, opDisputeOpen, orderID, invalidRequest(orderID, "reason is required"))
	}

	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, s.fail(ctx, span, opDisputeOpen, orderID, err)
	}
	defer unlock()

	key := idempotency.Key{Operation: opDisputeOpen, CorrelationID: orderID}
	var result *DisputeResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		role := participantRole(o, actor.ID)
		if role == "" {
			return notAuthorized(orderID, "only the buyer or seller can open a dispute")
		}

		if _, ok, err := idempotency.Check[outcome](ctx, tx, key); err != nil {
			return err
		} else if ok {
			d, err := tx.GetDisputeForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			result = &DisputeResult{Order: o, Dispute: d, AlreadyProcessed: true}
			return nil
		}

		if o.Status != StatusPaid && o.Status != StatusDelivered {
			return invalidTransition(o, "dispute")
		}

		now := s.now()
		d := &Dispute{
			ID:         idgen.WithPrefix(idgen.PrefixDispute),
			OrderID:    o.ID,
			OpenedBy:   actor.ID,
			OpenerRole: role,
			Reason:     reason,
			Status:     DisputeOpen,
			Deadline:   now.Add(s.cfg.DisputeWindow),
			CreatedAt:  now,
			Messages:   []*Message{},
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}

		o.Status = StatusDisputed
		o.DisputeStatus = DisputeOpen
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := idempotency.Remember(ctx, tx, key, outcome{ID: d.ID, Status: string(o.Status)}, now); err != nil {
			return err
		}

		st.status = StatusDisputed
		st.emit(notify.NewEvent(notify.EventDisputeOpened, o.ID, map[string]any{
			"orderId":   o.ID,
			"disputeId": d.ID,
			"openedBy":  role,
			"reason":    reason,
			"deadline":  d.Deadline,
		}, o.BuyerID, o.SellerID))
		result = &DisputeResult{Order: o, Dispute: d}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, opDisputeOpen, orderID, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opDisputeOpen)
	} else {
		s.logger.Info("dispute opened", "orderId", orderID, "disputeId", result.Dispute.ID, "openedBy", actor.ID)
	}
	return result, nil
}

// AddDisputeMessage appends to the thread while the dispute is open.
func (s *Service) AddDisputeMessage(ctx context.Context, actor Actor, orderID, body string) (*Message, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AddDisputeMessage",
		traces.OrderID(orderID), traces.ActorID(actor.ID))
	defer span.End()

	body = validation.SanitizeString(body, maxDisputeText)
	if body == "" {
		return nil, s.fail(ctx, span, "dispute.message", orderID, invalidRequest(orderID, "message body is required"))
	}

	var msg *Message
	err := s.inTx(ctx, func(tx Tx, st *txState) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		role := participantRole(o, actor.ID)
		if role == "" && actor.IsAdmin() {
			role = "admin"
		}
		if role == "" {
			return notAuthorized(orderID, "not a participant in this dispute")
		}

		d, err := tx.GetDisputeForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if d.Status != DisputeOpen {
			return apperror.New(apperror.KindInvalidStateTransition, orderID, "dispute is %s", d.Status)
		}

		msg = &Message{
			ID:         idgen.WithPrefix(idgen.PrefixMessage),
			DisputeID:  d.ID,
			SenderID:   actor.ID,
			SenderRole: role,
			Body:       body,
			CreatedAt:  s.now(),
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}

		var recipients []string
		for _, id := range []string{o.BuyerID, o.SellerID} {
			if id != actor.ID {
				recipients = append(recipients, id)
			}
		}
		st.emit(notify.NewEvent(notify.EventDisputeMessage, o.ID, map[string]any{
			"orderId":    o.ID,
			"disputeId":  d.ID,
			"senderRole": role,
		}, recipients...))
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "dispute.message", orderID, err)
	}
	return msg, nil
}

// GetDispute returns the dispute thread for an order.
func (s *Service) GetDispute(ctx context.Context, actor Actor, orderID string) (*Dispute, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, notAuthorized(orderID, "not a participant in this dispute")
	}
	return s.store.GetDispute(ctx, orderID)
}

// ResolveDispute applies an admin verdict: buyer refunds the escrow, seller
// releases it. It is single-shot; once the order has left disputed any
// further call fails with an invalid transition.
func (s *Service) ResolveDispute(ctx context.Context, actor Actor, orderID string, verdict Verdict, notes string) (*DisputeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute",
		traces.OrderID(orderID), traces.ActorID(actor.ID), traces.Operation(opDisputeResolve))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, s.fail(ctx, span, opDisputeResolve, orderID, notAuthorized(orderID, "only an admin can resolve disputes"))
	}
	if verdict != VerdictBuyer && verdict != VerdictSeller {
		return nil, s.fail(ctx, span, opDisputeResolve, orderID, invalidRequest(orderID, "verdict must be buyer or seller"))
	}
	notes = validation.SanitizeString(notes, maxDisputeText)

	result, err := s.settle(ctx, actor, orderID, opDisputeResolve, verdict, notes)
	if err != nil {
		return nil, s.fail(ctx, span, opDisputeResolve, orderID, err)
	}
	s.logger.Info("dispute resolved", "orderId", orderID, "verdict", verdict, "admin", actor.ID)
	return result, nil
}

// ExpireDispute releases escrow to the seller once an open dispute has
// passed its deadline without a ruling.
func (s *Service) ExpireDispute(ctx context.Context, actor Actor, orderID string) (*DisputeResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExpireDispute",
		traces.OrderID(orderID), traces.ActorID(actor.ID), traces.Operation(opDisputeExpire))
	defer span.End()

	if !actor.IsSystem() && !actor.IsAdmin() {
		return nil, s.fail(ctx, span, opDisputeExpire, orderID, notAuthorized(orderID, "disputes expire only by sweep or admin"))
	}

	result, err := s.settle(ctx, actor, orderID, opDisputeExpire, VerdictExpired, "dispute window elapsed")
	if err != nil {
		return nil, s.fail(ctx, span, opDisputeExpire, orderID, err)
	}
	if result.AlreadyProcessed {
		s.replayed(opDisputeExpire)
	} else {
		s.logger.Info("dispute expired, escrow released", "orderId", orderID)
	}
	return result, nil
}

// settle closes a disputed order with verdict.
func (s *Service) settle(ctx context.Context, actor Actor, orderID, op string, verdict Verdict, notes string) (*DisputeResult, error) {
	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	key := idempotency.Key{Operation: op, CorrelationID: orderID}
	var result *DisputeResult
	err = s.inTx(ctx, func(tx Tx, st *txState) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		d, err := tx.GetDisputeForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		// An expiry replay is harmless; a second ruling is not.
		if verdict == VerdictExpired {
			if _, ok, err := idempotency.Check[outcome](ctx, tx, key); err != nil {
				return err
			} else if ok {
				result = &DisputeResult{Order: o, Dispute: d, AlreadyProcessed: true}
				return nil
			}
		}

		if o.Status != StatusDisputed || d.Status != DisputeOpen {
			return invalidTransition(o, "resolve dispute for")
		}
		now := s.now()
		if verdict == VerdictExpired && now.Before(d.Deadline) {
			return apperror.New(apperror.KindInvalidStateTransition, orderID,
				"dispute deadline %s has not passed", d.Deadline.Format(time.RFC3339))
		}

		var moved int64
		var event notify.EventType
		switch verdict {
		case VerdictBuyer:
			if err := s.refund(ctx, tx, st, o, now); err != nil {
				return err
			}
			if o.DeliveredAt == nil {
				if err := tx.RestockListing(ctx, o.ListingID, now); err != nil {
					return err
				}
			}
			o.Status = StatusResolvedBuyer
			moved = o.GrossAmount
			event = notify.EventDisputeResolved
		case VerdictSeller:
			if err := s.release(ctx, tx, st, o, now); err != nil {
				return err
			}
			o.Status = StatusResolvedSeller
			moved = o.NetSellerAmount
			event = notify.EventDisputeResolved
		case VerdictExpired:
			if err := s.release(ctx, tx, st, o, now); err != nil {
				return err
			}
			o.Status = StatusAutoReleased
			moved = o.NetSellerAmount
			event = notify.EventDisputeExpired
		}

		o.DisputeStatus = DisputeClosed
		o.Resolution = string(verdict)
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		d.Status = DisputeClosed
		d.Verdict = verdict
		d.ResolvedBy = actor.ID
		d.Notes = notes
		d.ClosedAt = timePtr(now)
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		if err := idempotency.Remember(ctx, tx, key, outcome{ID: d.ID, Amount: moved, Status: string(o.Status)}, now); err != nil {
			return err
		}

		st.status = o.Status
		st.emit(notify.NewEvent(event, o.ID, map[string]any{
			"orderId":   o.ID,
			"disputeId": d.ID,
			"verdict":   verdict,
			"status":    o.Status,
			"amount":    moved,
		}, o.BuyerID, o.SellerID))
		observeDuration(o, now)
		result = &DisputeResult{Order: o, Dispute: d}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func participantRole(o *Order, userID string) string {
	switch userID {
	case o.BuyerID:
		return "buyer"
	case o.SellerID:
		return "seller"
	}
	return ""
}
