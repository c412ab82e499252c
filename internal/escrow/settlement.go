package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/traces"
	"github.com/shopspring/decimal"
)

// ConfirmDelivery completes an order once the buyer enters the delivery code.
// Funds go to the seller unless payout is halted, in which case the release
// is deferred and operators are alerted.
func (s *Service) ConfirmDelivery(ctx context.Context, actor market.Actor, orderID, code string) (out *market.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.OrderID(orderID), traces.UserID(actor.ID))
	defer func() { traces.End(span, err) }()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.ID == "" || actor.ID != o.BuyerID {
		return nil, market.ErrForbidden
	}
	switch o.Status {
	case market.OrderHeldInEscrow, market.OrderDelivered:
	default:
		return nil, market.Transition("order", o.ID, string(o.Status), "only funded orders can be confirmed")
	}
	if !s.verifier.Verify(o.TrackingID, code) {
		return nil, market.Invalid("delivery code does not match")
	}

	var released decimal.Decimal
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		// Offer before order, matching the offer engine's lock order.
		offer, err := linkedOffer(ctx, tx, o.OfferID)
		if err != nil {
			return err
		}
		cur, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status != market.OrderHeldInEscrow && cur.Status != market.OrderDelivered {
			return market.Conflict("order", cur.ID, string(cur.Status), "order changed while confirming")
		}
		now := s.now().UTC()
		next := cur.Clone()
		next.Status = market.OrderCompleted
		next.CompletedAt = &now
		next.UpdatedAt = now
		if next.DeliveredAt == nil {
			next.DeliveredAt = &now
		}
		if next.PayoutHalted {
			next.ReleaseDeferred = true
		} else if released, err = s.release(ctx, tx, next); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, next, cur.Status); err != nil {
			return err
		}
		if err := completeOffer(ctx, tx, offer, now); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitioned(market.OrderCompleted)
	if out.FundedAt != nil {
		metrics.OrderSettlementDuration.Observe(out.CompletedAt.Sub(*out.FundedAt).Seconds())
	}
	s.notifier.Notify(ctx, out.SellerID, notify.EventOrderCompleted, orderPayload(out))
	if out.ReleaseDeferred {
		s.logger.Warn("payout deferred by halt", "order", out.ID, "held", out.Held().String())
		alert := orderPayload(out)
		alert["held"] = out.Held().StringFixed(2)
		s.notifier.Notify(ctx, notify.Admin, notify.EventOrderPayoutDeferred, alert)
	} else {
		s.logger.Info("order completed, payout released", "order", out.ID, "amount", released.String())
		s.notifier.Notify(ctx, out.SellerID, notify.EventOrderReleased, map[string]any{
			"orderId": out.ID,
			"amount":  released.StringFixed(2),
		})
	}
	return out, nil
}

func linkedOffer(ctx context.Context, tx ledger.Tx, offerID string) (*market.Offer, error) {
	if offerID == "" {
		return nil, nil
	}
	return tx.GetOffer(ctx, offerID)
}

// completeOffer moves the offer behind a completed order to completed.
func completeOffer(ctx context.Context, tx ledger.Tx, offer *market.Offer, now time.Time) error {
	if offer == nil {
		return nil
	}
	switch offer.Status {
	case market.OfferAccepted, market.OfferDelivered:
	default:
		return nil
	}
	next := offer.Clone()
	next.Status = market.OfferCompleted
	next.UpdatedAt = now
	if err := tx.UpdateOffer(ctx, next, offer.Status); err != nil {
		return err
	}
	metrics.OfferTransitionsTotal.WithLabelValues(string(market.OfferCompleted)).Inc()
	return nil
}

// AdminHalt stops payout on an open order. Halting again is allowed and
// audited each time.
func (s *Service) AdminHalt(ctx context.Context, actor market.Actor, orderID, reason string) (*market.Order, error) {
	if !actor.IsAdmin() {
		return nil, market.ErrForbidden
	}
	var out *market.Order
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.IsTerminal() {
			return market.Transition("order", cur.ID, string(cur.Status), "order already settled")
		}
		out = cur
		if !cur.PayoutHalted {
			next := cur.Clone()
			next.PayoutHalted = true
			next.UpdatedAt = s.now().UTC()
			if err := tx.UpdateOrder(ctx, next, cur.Status); err != nil {
				return err
			}
			out = next
		}
		return s.audit(ctx, tx, actor, ActionHalt, orderID, reason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order payout halted", "order", orderID, "admin", actor.ID)
	s.notifier.Notify(ctx, out.SellerID, notify.EventOrderHalted, orderPayload(out))
	return out, nil
}

// AdminManualRelease pays the seller regardless of the halt flag. It works on
// funded open orders and on completed orders whose release was deferred.
func (s *Service) AdminManualRelease(ctx context.Context, actor market.Actor, orderID, reason string) (*market.Order, error) {
	if !actor.IsAdmin() {
		return nil, market.ErrForbidden
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var (
		out      *market.Order
		released decimal.Decimal
	)
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		offer, err := linkedOffer(ctx, tx, o.OfferID)
		if err != nil {
			return err
		}
		cur, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.PayoutReleased {
			return market.Transition("order", cur.ID, string(cur.Status), "payout already released")
		}
		switch {
		case cur.Status == market.OrderHeldInEscrow, cur.Status == market.OrderDelivered:
		case cur.Status == market.OrderCompleted && cur.ReleaseDeferred:
		default:
			return market.Transition("order", cur.ID, string(cur.Status), "nothing to release")
		}
		now := s.now().UTC()
		next := cur.Clone()
		if released, err = s.release(ctx, tx, next); err != nil {
			return err
		}
		next.Status = market.OrderCompleted
		next.UpdatedAt = now
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
		if err := tx.UpdateOrder(ctx, next, cur.Status); err != nil {
			return err
		}
		if err := completeOffer(ctx, tx, offer, now); err != nil {
			return err
		}
		out = next
		detail := fmt.Sprintf("released %s", released.StringFixed(2))
		if reason != "" {
			detail += ": " + reason
		}
		return s.audit(ctx, tx, actor, ActionManualRelease, orderID, detail)
	})
	if err != nil {
		return nil, err
	}
	if o.Status != market.OrderCompleted {
		transitioned(market.OrderCompleted)
	}
	s.logger.Info("order payout released by admin", "order", orderID, "admin", actor.ID, "amount", released.String())
	s.notifier.Notify(ctx, out.SellerID, notify.EventOrderReleased, map[string]any{
		"orderId": out.ID,
		"amount":  released.StringFixed(2),
	})
	return out, nil
}

// CancelOrder cancels a whole order (no itemIDs) or some of its items.
// Held funds for the cancelled part are refunded to the buyer's wallet in
// the same transaction. Cancelling every remaining item cancels the order.
func (s *Service) CancelOrder(ctx context.Context, actor market.Actor, orderID string, itemIDs []string) (out *market.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CancelOrder", traces.OrderID(orderID), traces.UserID(actor.ID))
	defer func() { traces.End(span, err) }()

	var refunded decimal.Decimal
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && (actor.ID == "" || actor.ID != cur.BuyerID) {
			return market.ErrForbidden
		}
		if cur.Status != market.OrderPendingPayment && cur.Status != market.OrderHeldInEscrow {
			return market.Transition("order", cur.ID, string(cur.Status), "only unpaid or held orders can be cancelled")
		}
		next := cur.Clone()
		now := s.now().UTC()
		next.UpdatedAt = now

		full, err := markCancelled(next, itemIDs)
		if err != nil {
			return err
		}
		before := next.Held()
		if full {
			next.Status = market.OrderCancelled
			next.CancelledAt = &now
			if err := s.refund(ctx, tx, next, before, "refund:"+next.ID+":full"); err != nil {
				return err
			}
		} else {
			removed := cur.Total.Sub(next.Total)
			if next.Funded() {
				if err := s.refund(ctx, tx, next, removed, "refund:"+next.ID+":"+opSuffix(itemIDs)); err != nil {
					return err
				}
			}
		}
		refunded = next.Refunded.Sub(cur.Refunded)
		if err := tx.UpdateOrder(ctx, next, cur.Status); err != nil {
			return err
		}
		if actor.IsAdmin() && actor.ID != cur.BuyerID {
			detail := "full"
			if !full {
				detail = "items " + strings.Join(itemIDs, ",")
			}
			if err := s.audit(ctx, tx, actor, ActionCancel, orderID, detail); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := orderPayload(out)
	payload["refunded"] = refunded.StringFixed(2)
	if out.Status == market.OrderCancelled {
		transitioned(market.OrderCancelled)
		s.logger.Info("order cancelled", "order", out.ID, "refunded", refunded.String())
		s.notifier.Notify(ctx, out.SellerID, notify.EventOrderCancelled, payload)
	} else {
		s.logger.Info("order items cancelled", "order", out.ID, "items", len(itemIDs), "refunded", refunded.String())
		s.notifier.Notify(ctx, out.SellerID, notify.EventOrderItemsCancelled, payload)
	}
	return out, nil
}

// markCancelled flags itemIDs on o, or every active item when itemIDs is
// empty. It reports whether no active item remains; a partial cancel also
// recomputes the total, a full one keeps it as the order's last value.
func markCancelled(o *market.Order, itemIDs []string) (bool, error) {
	pick := make(map[string]bool, len(o.Items))
	if len(itemIDs) == 0 {
		for _, it := range o.ActiveItems() {
			pick[it.ID] = true
		}
	}
	index := make(map[string]int, len(o.Items))
	for i, it := range o.Items {
		index[it.ID] = i
	}
	for _, id := range itemIDs {
		i, ok := index[id]
		if !ok {
			return false, market.Invalid("order %s has no item %s", o.ID, id)
		}
		if o.Items[i].Cancelled {
			return false, market.Invalid("item %s is already cancelled", id)
		}
		pick[id] = true
	}
	full := len(pick) == len(o.ActiveItems())
	for i := range o.Items {
		if pick[o.Items[i].ID] {
			o.Items[i].Cancelled = true
		}
	}
	if !full {
		o.Recalculate()
	}
	return full, nil
}

func opSuffix(itemIDs []string) string {
	ids := append([]string(nil), itemIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
