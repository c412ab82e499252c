package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/payments"
	"github.com/agrolink/rfq/internal/traces"
)

// InitializeOfferCharge opens (or reuses) the gateway charge a buyer pays
// when accepting an offer with gateway payment.
func (s *Service) InitializeOfferCharge(ctx context.Context, buyer market.Actor, offer *market.Offer) (reference, checkoutURL string, err error) {
	if offer.PaymentRef != "" && offer.CheckoutURL != "" {
		return offer.PaymentRef, offer.CheckoutURL, nil
	}
	ref := idgen.Reference(payments.PrefixOffer)
	ctx, span := traces.StartSpan(ctx, "escrow.InitializeOfferCharge", traces.OfferID(offer.ID), traces.Reference(ref))
	defer func() { traces.End(span, err) }()

	url, err := s.gateway.InitializeCharge(ctx, payments.Charge{
		Amount:      offer.Price,
		Reference:   ref,
		Email:       buyer.Email,
		CallbackURL: s.callbackURL,
		Metadata:    map[string]string{payments.MetaEntityID: offer.ID},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize offer charge: %w", err)
	}
	return ref, url, nil
}

// ConfirmOfferCharge verifies with the gateway that the offer's charge was
// paid in full. Wallet-funded offers need no verification.
func (s *Service) ConfirmOfferCharge(ctx context.Context, offer *market.Offer) error {
	if offer.PaymentMethod != market.PaymentGateway {
		return nil
	}
	if offer.PaymentRef == "" {
		return fmt.Errorf("%w: offer %s has no charge", market.ErrPaymentNotConfirmed, offer.ID)
	}
	return s.verify(ctx, market.ClaimOfferCharge, offer.PaymentRef, offer.Price.String(), func(v *payments.Verification) bool {
		return v.Confirms(offer.Price)
	})
}

// OfferChargePaid reports whether ref was collected in full for offer and
// has not yet been consumed. An unknown or short charge reports false.
func (s *Service) OfferChargePaid(ctx context.Context, offer *market.Offer, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	if _, err := s.store.GetClaim(ctx, ref); err == nil {
		return false, nil
	} else if !errors.Is(err, market.ErrNotFound) {
		return false, err
	}
	err := s.verify(ctx, market.ClaimOfferCharge, ref, offer.Price.String(), func(v *payments.Verification) bool {
		return v.Confirms(offer.Price)
	})
	if errors.Is(err, market.ErrPaymentNotConfirmed) {
		return false, nil
	}
	return err == nil, err
}

// RefundOfferChargeTx consumes a paid offer charge that will never fund an
// order and credits the amount to the buyer's wallet inside tx. Callers
// check OfferChargePaid first.
func (s *Service) RefundOfferChargeTx(ctx context.Context, tx ledger.Tx, actor market.Actor, offer *market.Offer, buyerID, ref string) error {
	now := s.now().UTC()
	if err := ledger.Claim(ctx, tx, &market.PaymentClaim{
		Reference: ref,
		Purpose:   market.ClaimOfferCharge,
		EntityID:  offer.ID,
		Amount:    offer.Price,
		ClaimedAt: now,
	}); err != nil {
		return err
	}
	if _, err := s.wallet.CreditTx(ctx, tx, buyerID, offer.Price, "refund:"+ref, ref); err != nil {
		return err
	}
	s.logger.Info("offer charge refunded to wallet", "offer", offer.ID, "reference", ref, "buyer", buyerID)
	return tx.AppendAudit(ctx, &market.AuditEntry{
		ID:         idgen.WithPrefix("aud_"),
		ActorID:    actor.ID,
		Action:     ActionOfferRefund,
		EntityType: "offer",
		EntityID:   offer.ID,
		Detail:     "charge " + ref + " credited to buyer wallet",
		CreatedAt:  now,
	})
}

func (s *Service) verify(ctx context.Context, purpose market.ClaimPurpose, ref, want string, ok func(*payments.Verification) bool) error {
	v, err := s.gateway.VerifyCharge(ctx, ref)
	if err != nil {
		metrics.PaymentVerificationsTotal.WithLabelValues(string(purpose), "error").Inc()
		if errors.Is(err, payments.ErrUnknownReference) {
			return fmt.Errorf("%w: %v", market.ErrPaymentNotConfirmed, err)
		}
		return err
	}
	if !ok(v) {
		metrics.PaymentVerificationsTotal.WithLabelValues(string(purpose), "rejected").Inc()
		return fmt.Errorf("%w: charge %s is %s for %s, expected %s",
			market.ErrPaymentNotConfirmed, ref, v.Status, v.AmountPaid.StringFixed(2), want)
	}
	metrics.PaymentVerificationsTotal.WithLabelValues(string(purpose), "confirmed").Inc()
	return nil
}

// CreateOrderFromOffer materializes the order for a confirmed offer inside
// the caller's transaction and holds its funds. Wallet offers debit the
// buyer; gateway offers consume the already verified charge reference.
func (s *Service) CreateOrderFromOffer(ctx context.Context, tx ledger.Tx, offer *market.Offer, req *market.Request) (*market.Order, error) {
	items := make([]market.OrderItem, len(offer.Items))
	for i, q := range offer.Items {
		items[i] = market.OrderItem{
			ID:        idgen.WithPrefix("itm_"),
			Name:      q.Name,
			Quantity:  q.Quantity,
			Unit:      q.Unit,
			UnitPrice: q.UnitPrice,
			Subtotal:  q.Total(),
		}
	}
	o := s.newOrder(req.BuyerID, offer.SellerID, items, offer.PaymentMethod,
		market.Fulfillment{Mode: market.FulfillDelivery, Address: req.Location})
	o.OfferID = offer.ID
	o.RequestID = req.ID
	o.Total = offer.Price
	o.ChargeAmount = offer.Price

	ref := o.ID
	switch offer.PaymentMethod {
	case market.PaymentGateway:
		ref = offer.PaymentRef
		o.PaymentRef = ref
		if err := ledger.Claim(ctx, tx, &market.PaymentClaim{
			Reference: ref,
			Purpose:   market.ClaimOfferCharge,
			EntityID:  o.ID,
			Amount:    o.ChargeAmount,
			ClaimedAt: o.CreatedAt,
		}); err != nil {
			return nil, err
		}
	default:
		o.PaymentMethod = market.PaymentWallet
		if _, err := s.wallet.DebitTx(ctx, tx, o.BuyerID, o.ChargeAmount, "order:"+o.ID, o.ID); err != nil {
			return nil, err
		}
	}

	o.Status = market.OrderHeldInEscrow
	o.FundedAt = &o.CreatedAt
	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := s.hold(ctx, tx, o, o.ChargeAmount, ref); err != nil {
		return nil, err
	}
	transitioned(market.OrderHeldInEscrow)
	return o, nil
}

// MarkDeliveredTx moves a funded order to delivered inside the caller's transaction.
func (s *Service) MarkDeliveredTx(ctx context.Context, tx ledger.Tx, orderID string) (*market.Order, error) {
	cur, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if cur.Status != market.OrderHeldInEscrow {
		return nil, market.Transition("order", cur.ID, string(cur.Status), "only funded orders can be delivered")
	}
	next := cur.Clone()
	next.Status = market.OrderDelivered
	now := s.now().UTC()
	next.DeliveredAt = &now
	next.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, next, market.OrderHeldInEscrow); err != nil {
		return nil, err
	}
	transitioned(market.OrderDelivered)
	return next, nil
}

// CreateOrderFromCart checks out a single-seller cart. Wallet checkouts are
// debited and held at once; gateway checkouts wait in pending_payment until
// ConfirmCheckoutPayment verifies the charge.
func (s *Service) CreateOrderFromCart(ctx context.Context, actor market.Actor, in CheckoutInput) (o *market.Order, err error) {
	if err := actor.RequireRole(market.RoleBuyer); err != nil {
		return nil, err
	}
	in.SellerID = strings.TrimSpace(in.SellerID)
	if err := market.Validate(in); err != nil {
		return nil, err
	}
	if in.SellerID == actor.ID {
		return nil, market.Invalid("cannot buy from yourself")
	}
	if err := market.Validate(in.Fulfillment); err != nil {
		return nil, err
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = market.PaymentWallet
	}
	if !in.PaymentMethod.Valid() {
		return nil, market.Invalid("unknown payment method %q", in.PaymentMethod)
	}
	if len(in.Items) == 0 {
		return nil, market.Invalid("cart is empty")
	}
	items := make([]market.OrderItem, len(in.Items))
	for i, it := range in.Items {
		if err := market.Validate(it); err != nil {
			return nil, market.Invalid("item %d: %v", i, err)
		}
		if !it.Quantity.IsPositive() {
			return nil, market.Invalid("item %d: quantity must be positive", i)
		}
		if err := market.ValidateAmount(fmt.Sprintf("item %d: unit price", i), it.UnitPrice); err != nil {
			return nil, err
		}
		items[i] = market.OrderItem{
			ID:        idgen.WithPrefix("itm_"),
			Name:      it.Name,
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			UnitPrice: it.UnitPrice,
			Subtotal:  market.LineTotal(it.Quantity, it.UnitPrice),
		}
	}

	o = s.newOrder(actor.ID, in.SellerID, items, in.PaymentMethod, in.Fulfillment)
	ctx, span := traces.StartSpan(ctx, "escrow.CreateOrderFromCart", traces.OrderID(o.ID), traces.UserID(actor.ID), traces.Amount(o.Total.String()))
	defer func() { traces.End(span, err) }()

	if in.PaymentMethod == market.PaymentGateway {
		ref := idgen.Reference(payments.PrefixOrder)
		url, err := s.gateway.InitializeCharge(ctx, payments.Charge{
			Amount:      o.ChargeAmount,
			Reference:   ref,
			Email:       actor.Email,
			CallbackURL: s.callbackURL,
			Metadata:    map[string]string{payments.MetaEntityID: o.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize checkout charge: %w", err)
		}
		o.PaymentRef = ref
		o.CheckoutURL = url
		o.Status = market.OrderPendingPayment
		if err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertOrder(ctx, o)
		}); err != nil {
			return nil, err
		}
		transitioned(market.OrderPendingPayment)
		s.logger.Info("order awaiting payment", "order", o.ID, "reference", ref)
		s.notifier.Notify(ctx, o.SellerID, notify.EventOrderCreated, orderPayload(o))
		return o, nil
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := s.wallet.DebitTx(ctx, tx, o.BuyerID, o.ChargeAmount, "order:"+o.ID, o.ID); err != nil {
			return err
		}
		o.Status = market.OrderHeldInEscrow
		o.FundedAt = &o.CreatedAt
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return s.hold(ctx, tx, o, o.ChargeAmount, o.ID)
	})
	if err != nil {
		return nil, err
	}
	transitioned(market.OrderHeldInEscrow)
	s.logger.Info("order funded from wallet", "order", o.ID, "amount", o.ChargeAmount.String())
	s.notifier.Notify(ctx, o.SellerID, notify.EventOrderFunded, orderPayload(o))
	return o, nil
}

// ConfirmCheckoutPayment verifies a gateway checkout and moves the order into
// escrow. Items cancelled while payment was pending are refunded from the
// collected amount in the same transaction. A payment that lands after the
// order was cancelled is credited back to the buyer's wallet.
func (s *Service) ConfirmCheckoutPayment(ctx context.Context, orderID string) (out *market.Order, err error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != market.PaymentGateway || o.PaymentRef == "" {
		return nil, market.Transition("order", o.ID, string(o.Status), "order is not paid through the gateway")
	}
	if o.Funded() {
		return o, nil
	}
	switch o.Status {
	case market.OrderPendingPayment, market.OrderCancelled:
	default:
		return nil, market.Transition("order", o.ID, string(o.Status), "order is not awaiting payment")
	}

	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmCheckoutPayment", traces.OrderID(o.ID), traces.Reference(o.PaymentRef))
	defer func() { traces.End(span, err) }()

	if err := s.verify(ctx, market.ClaimOrderCheckout, o.PaymentRef, o.ChargeAmount.String(), func(v *payments.Verification) bool {
		return v.Confirms(o.ChargeAmount)
	}); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Funded() {
			out = cur
			return nil
		}
		now := s.now().UTC()
		if err := ledger.Claim(ctx, tx, &market.PaymentClaim{
			Reference: cur.PaymentRef,
			Purpose:   market.ClaimOrderCheckout,
			EntityID:  cur.ID,
			Amount:    cur.ChargeAmount,
			ClaimedAt: now,
		}); err != nil {
			return err
		}
		next := cur.Clone()
		next.FundedAt = &now
		next.UpdatedAt = now
		if err := s.hold(ctx, tx, next, next.ChargeAmount, next.PaymentRef); err != nil {
			return err
		}
		switch cur.Status {
		case market.OrderPendingPayment:
			next.Status = market.OrderHeldInEscrow
			if excess := next.ChargeAmount.Sub(next.Total); excess.IsPositive() {
				if err := s.refund(ctx, tx, next, excess, "refund:"+next.ID+":checkout"); err != nil {
					return err
				}
			}
		case market.OrderCancelled:
			if err := s.refund(ctx, tx, next, next.ChargeAmount, "refund:"+next.ID+":late-payment"); err != nil {
				return err
			}
		default:
			return market.Transition("order", cur.ID, string(cur.Status), "order is not awaiting payment")
		}
		if err := tx.UpdateOrder(ctx, next, cur.Status); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status == market.OrderHeldInEscrow {
		transitioned(market.OrderHeldInEscrow)
		s.logger.Info("checkout payment confirmed", "order", out.ID, "reference", out.PaymentRef)
		s.notifier.Notify(ctx, out.SellerID, notify.EventOrderFunded, orderPayload(out))
		s.notifier.Notify(ctx, out.BuyerID, notify.EventOrderFunded, orderPayload(out))
	} else {
		s.logger.Warn("payment arrived for cancelled order, credited to buyer wallet", "order", out.ID, "reference", out.PaymentRef)
	}
	return out, nil
}

// CheckoutCallback adapts ConfirmCheckoutPayment to the payment webhook router.
func (s *Service) CheckoutCallback(ctx context.Context, entityID, reference string) error {
	if entityID == "" {
		return fmt.Errorf("%w: charge %s carries no order id", market.ErrNotFound, reference)
	}
	o, err := s.store.GetOrder(ctx, entityID)
	if err != nil {
		return err
	}
	if o.PaymentRef != reference {
		return fmt.Errorf("%w: reference %s does not belong to order %s", market.ErrPaymentNotConfirmed, reference, entityID)
	}
	_, err = s.ConfirmCheckoutPayment(ctx, entityID)
	return err
}
