package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/syncutil"
	"github.com/agrolink/rfq/internal/traces"
)

// Service implements the offer handshake.
type Service struct {
	store    ledger.Store
	orders   OrderFormer
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	locks    syncutil.ShardedMutex // per-offer, serializes gateway charge setup
}

// NewService creates a new offer service.
func NewService(store ledger.Store, orders OrderFormer, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		orders:   orders,
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds a notifier for offer events.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitOffer places a seller's bid on a live request.
func (s *Service) SubmitOffer(ctx context.Context, actor market.Actor, requestID string, in SubmitOfferInput) (out *market.Offer, err error) {
	if err := actor.RequireRole(market.RoleSeller); err != nil {
		return nil, err
	}
	if err := market.Validate(in); err != nil {
		return nil, err
	}
	if err := market.ValidateQuote(in.Items, in.Price); err != nil {
		return nil, err
	}
	if in.DeliveryDate.IsZero() {
		return nil, market.Invalid("deliveryDate is required")
	}
	if in.SellerRole == "" {
		in.SellerRole = SellerFarmer
	}

	ctx, span := traces.StartSpan(ctx, "offers.SubmitOffer", traces.RequestID(requestID), traces.UserID(actor.ID))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.BuyerID == actor.ID {
			return market.Invalid("cannot bid on your own request")
		}
		now := s.now().UTC()
		if !req.AcceptingOffers(now) {
			reason := "request is not accepting offers"
			if req.Status == market.RequestActive && !now.Before(req.ExpiresAt) {
				reason = "request has expired"
			}
			return market.Transition("request", req.ID, string(req.Status), reason)
		}

		o := &market.Offer{
			ID:           idgen.WithPrefix("ofr_"),
			RequestID:    req.ID,
			SellerID:     actor.ID,
			SellerRole:   in.SellerRole,
			Items:        append([]market.QuotedItem(nil), in.Items...),
			Price:        in.Price,
			DeliveryDate: in.DeliveryDate.UTC(),
			Notes:        strings.TrimSpace(in.Notes),
			Images:       in.Images,
			Status:       market.OfferPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertOffer(ctx, o); err != nil {
			return err
		}
		next := req.Clone()
		next.OfferCount++
		next.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, next, req.Status); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitioned(market.OfferPending)
	s.logger.Info("offer submitted", "offer", out.ID, "request", requestID, "seller", actor.ID, "price", out.Price.String())
	if req, err := s.store.GetRequest(ctx, requestID); err == nil {
		s.notifier.Notify(ctx, req.BuyerID, notify.EventOfferSubmitted, offerPayload(out))
	}
	return out, nil
}

// BuyerAccept picks an offer as the request's winner and attaches terms. A
// sibling already holding the winner slot fails with a conflict. Gateway
// terms open (or reuse) the charge the buyer pays before the seller confirms.
func (s *Service) BuyerAccept(ctx context.Context, actor market.Actor, offerID string, terms market.Terms) (out *market.Offer, err error) {
	if err := actor.RequireRole(market.RoleBuyer); err != nil {
		return nil, err
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	terms.DeliveryDate = terms.DeliveryDate.UTC()

	unlock := s.locks.Lock(offerID)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "offers.BuyerAccept", traces.OfferID(offerID), traces.UserID(actor.ID))
	defer func() { traces.End(span, err) }()

	offer, req, err := s.load(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if req.BuyerID != actor.ID {
		return nil, fmt.Errorf("offer %s: %w", offerID, market.ErrNotFound)
	}
	if err := acceptable(req, offer); err != nil {
		return nil, err
	}

	var ref, url string
	if terms.PaymentMethod == market.PaymentGateway {
		if ref, url, err = s.orders.InitializeOfferCharge(ctx, actor, offer); err != nil {
			return nil, err
		}
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		// Request first: its row lock serializes sibling acceptances.
		req, err := tx.GetRequest(ctx, offer.RequestID)
		if err != nil {
			return err
		}
		cur, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if err := acceptable(req, cur); err != nil {
			return err
		}
		siblings, err := tx.ListOffersByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID != cur.ID && sib.Status.Winning() {
				return market.Conflict("offer", cur.ID, string(cur.Status), "another offer on this request is already accepted")
			}
		}

		next := cur.Clone()
		next.Status = market.OfferAcceptedByBuyer
		next.Terms = &terms
		next.PaymentMethod = terms.PaymentMethod
		next.PaymentRef = ref
		next.CheckoutURL = url
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOffer(ctx, next, cur.Status); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitioned(market.OfferAcceptedByBuyer)
	s.logger.Info("offer accepted by buyer", "offer", out.ID, "request", out.RequestID, "payment", out.PaymentMethod)
	s.notifier.Notify(ctx, out.SellerID, notify.EventOfferAccepted, offerPayload(out))
	return out, nil
}

// BuyerReject turns down a pending offer for good.
func (s *Service) BuyerReject(ctx context.Context, actor market.Actor, offerID string) (*market.Offer, error) {
	offer, req, err := s.load(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if req.BuyerID != actor.ID || actor.Role != market.RoleBuyer {
		return nil, fmt.Errorf("offer %s: %w", offerID, market.ErrNotFound)
	}
	out, err := s.move(ctx, offer.ID, market.OfferPending, market.OfferRejected, "only pending offers can be rejected")
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, out.SellerID, notify.EventOfferRejected, offerPayload(out))
	return out, nil
}

// SellerConfirm agrees to the buyer's terms. The gateway charge is verified
// first, then the order is created and the offer accepted in one
// transaction. On any failure the offer stays accepted_by_buyer.
func (s *Service) SellerConfirm(ctx context.Context, actor market.Actor, offerID string) (offer *market.Offer, order *market.Order, err error) {
	if err := actor.RequireRole(market.RoleSeller); err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(offerID)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "offers.SellerConfirm", traces.OfferID(offerID), traces.UserID(actor.ID))
	defer func() { traces.End(span, err) }()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	if o.SellerID != actor.ID {
		return nil, nil, market.ErrForbidden
	}
	if o.Status != market.OfferAcceptedByBuyer {
		return nil, nil, market.Transition("offer", o.ID, string(o.Status), "buyer has not accepted this offer")
	}
	if err := s.orders.ConfirmOfferCharge(ctx, o); err != nil {
		return nil, nil, err
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		req, err := tx.GetRequest(ctx, o.RequestID)
		if err != nil {
			return err
		}
		cur, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if cur.Status != market.OfferAcceptedByBuyer || cur.PaymentRef != o.PaymentRef {
			return market.Conflict("offer", cur.ID, string(cur.Status), "offer changed while confirming")
		}
		if req.IsTerminal() {
			return market.Transition("request", req.ID, string(req.Status), "request has ended")
		}
		order, err = s.orders.CreateOrderFromOffer(ctx, tx, cur, req)
		if err != nil {
			return err
		}
		next := cur.Clone()
		next.Status = market.OfferAccepted
		next.OrderID = order.ID
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOffer(ctx, next, cur.Status); err != nil {
			return err
		}
		offer = next
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	transitioned(market.OfferAccepted)
	s.logger.Info("offer confirmed, order created", "offer", offer.ID, "order", order.ID, "amount", order.Total.String())
	payload := offerPayload(offer)
	payload["orderId"] = order.ID
	if req, err := s.store.GetRequest(ctx, offer.RequestID); err == nil {
		s.notifier.Notify(ctx, req.BuyerID, notify.EventOfferConfirmed, payload)
	}
	return offer, order, nil
}

// SellerReject declines the buyer's terms. The buyer may accept again with
// different terms; a charge they already paid goes back to their wallet.
func (s *Service) SellerReject(ctx context.Context, actor market.Actor, offerID string) (*market.Offer, error) {
	out, req, err := s.release(ctx, actor, offerID, market.OfferTermsRejected, func(o *market.Offer) error {
		if o.SellerID != actor.ID || actor.Role != market.RoleSeller {
			return market.ErrForbidden
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, req.BuyerID, notify.EventOfferTermsRejected, offerPayload(out))
	return out, nil
}

// ReleaseAcceptances withdraws every acceptance on the request that is
// still waiting for its seller, refunding paid charges. Called when the
// request closes or expires.
func (s *Service) ReleaseAcceptances(ctx context.Context, actor market.Actor, requestID string) error {
	waiting, err := s.store.ListOffers(ctx, ledger.OfferFilter{
		RequestID: requestID,
		Status:    []market.OfferStatus{market.OfferAcceptedByBuyer},
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range waiting {
		out, _, err := s.release(ctx, actor, o.ID, market.OfferRejected, func(*market.Offer) error { return nil })
		if err != nil {
			if errors.Is(err, market.ErrTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("offer %s: %w", o.ID, err))
			continue
		}
		s.notifier.Notify(ctx, out.SellerID, notify.EventOfferRejected, offerPayload(out))
	}
	return errors.Join(errs...)
}

// release takes an offer out of accepted_by_buyer. A gateway charge already
// paid is credited to the buyer's wallet in the same transaction, and the
// reference is dropped so a later acceptance opens a fresh charge.
func (s *Service) release(ctx context.Context, actor market.Actor, offerID string, to market.OfferStatus, allow func(*market.Offer) error) (*market.Offer, *market.Request, error) {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	o, req, err := s.load(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	if err := allow(o); err != nil {
		return nil, nil, err
	}
	if o.Status != market.OfferAcceptedByBuyer {
		return nil, nil, market.Transition("offer", o.ID, string(o.Status), "buyer has not accepted this offer")
	}
	paid := false
	if o.PaymentMethod == market.PaymentGateway {
		if paid, err = s.orders.OfferChargePaid(ctx, o, o.PaymentRef); err != nil {
			return nil, nil, err
		}
	}

	var out *market.Offer
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if cur.Status != market.OfferAcceptedByBuyer || cur.PaymentRef != o.PaymentRef {
			return market.Conflict("offer", cur.ID, string(cur.Status), "offer changed while releasing")
		}
		next := cur.Clone()
		next.Status = to
		next.PaymentRef = ""
		next.CheckoutURL = ""
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOffer(ctx, next, cur.Status); err != nil {
			return err
		}
		if paid {
			if err := s.orders.RefundOfferChargeTx(ctx, tx, actor, cur, req.BuyerID, cur.PaymentRef); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	transitioned(to)
	s.logger.Info("offer acceptance released", "offer", offerID, "to", to, "refunded", paid)
	return out, req, nil
}

// MarkDelivered records that the seller handed over the goods. The offer and
// its order move to delivered together.
func (s *Service) MarkDelivered(ctx context.Context, actor market.Actor, offerID string) (out *market.Offer, err error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != actor.ID || actor.Role != market.RoleSeller {
		return nil, market.ErrForbidden
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if cur.Status != market.OfferAccepted {
			return market.Transition("offer", cur.ID, string(cur.Status), "only accepted offers can be delivered")
		}
		if _, err := s.orders.MarkDeliveredTx(ctx, tx, cur.OrderID); err != nil {
			return err
		}
		next := cur.Clone()
		next.Status = market.OfferDelivered
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOffer(ctx, next, cur.Status); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitioned(market.OfferDelivered)
	s.logger.Info("offer delivered", "offer", out.ID, "order", out.OrderID)
	if req, err := s.store.GetRequest(ctx, out.RequestID); err == nil {
		s.notifier.Notify(ctx, req.BuyerID, notify.EventOfferDelivered, offerPayload(out))
	}
	return out, nil
}

// ChargeCallback handles a gateway notification for an offer charge. It only
// verifies the payment and tells the seller; the order is still created by
// SellerConfirm. A charge that no longer backs a live acceptance is
// credited to the buyer's wallet.
func (s *Service) ChargeCallback(ctx context.Context, entityID, reference string) error {
	if entityID == "" {
		return fmt.Errorf("%w: charge %s carries no offer id", market.ErrNotFound, reference)
	}
	o, req, err := s.load(ctx, entityID)
	if err != nil {
		return err
	}
	if o.PaymentRef != reference || o.Status != market.OfferAcceptedByBuyer {
		return s.refundStrayCharge(ctx, entityID, reference)
	}
	if req.IsTerminal() {
		_, _, err := s.release(ctx, market.System, o.ID, market.OfferRejected, func(*market.Offer) error { return nil })
		return err
	}
	if err := s.orders.ConfirmOfferCharge(ctx, o); err != nil {
		return err
	}
	s.logger.Info("offer charge paid", "offer", o.ID, "reference", reference)
	s.notifier.Notify(ctx, o.SellerID, notify.EventOfferPaid, offerPayload(o))
	return nil
}

// refundStrayCharge credits a paid offer charge whose acceptance was
// already released. Unpaid or consumed references are ignored.
func (s *Service) refundStrayCharge(ctx context.Context, offerID, reference string) error {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	o, req, err := s.load(ctx, offerID)
	if err != nil {
		return err
	}
	if o.PaymentRef == reference && o.Status == market.OfferAcceptedByBuyer {
		return nil
	}
	paid, err := s.orders.OfferChargePaid(ctx, o, reference)
	if err != nil {
		return err
	}
	if !paid {
		s.logger.Info("ignoring stale offer charge", "offer", offerID, "reference", reference)
		return nil
	}
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		return s.orders.RefundOfferChargeTx(ctx, tx, market.System, o, req.BuyerID, reference)
	})
	if err != nil {
		return err
	}
	s.logger.Warn("payment arrived for released offer, credited to buyer wallet", "offer", offerID, "reference", reference)
	return nil
}

// move applies a single-offer status change as a compare-and-swap.
func (s *Service) move(ctx context.Context, offerID string, from, to market.OfferStatus, reason string) (*market.Offer, error) {
	var out *market.Offer
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return market.Transition("offer", cur.ID, string(cur.Status), reason)
		}
		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOffer(ctx, next, from); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitioned(to)
	s.logger.Info("offer status changed", "offer", offerID, "from", from, "to", to)
	return out, nil
}

func (s *Service) load(ctx context.Context, offerID string) (*market.Offer, *market.Request, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.store.GetRequest(ctx, o.RequestID)
	if err != nil {
		return nil, nil, err
	}
	return o, req, nil
}

// acceptable checks the statuses a buyer acceptance starts from.
func acceptable(req *market.Request, o *market.Offer) error {
	if req.Status != market.RequestActive && req.Status != market.RequestOnHold {
		return market.Transition("request", req.ID, string(req.Status), "request no longer takes acceptances")
	}
	if o.Status != market.OfferPending && o.Status != market.OfferTermsRejected {
		if o.Status.Winning() {
			return market.Conflict("offer", o.ID, string(o.Status), "offer was already accepted")
		}
		return market.Transition("offer", o.ID, string(o.Status), "offer cannot be accepted")
	}
	return nil
}

func transitioned(to market.OfferStatus) {
	metrics.OfferTransitionsTotal.WithLabelValues(string(to)).Inc()
}

func offerPayload(o *market.Offer) map[string]any {
	return map[string]any{
		"offerId":   o.ID,
		"requestId": o.RequestID,
		"status":    string(o.Status),
		"price":     o.Price.StringFixed(2),
	}
}
