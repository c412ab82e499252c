// Package escrow holds buyer funds for an order until delivery is confirmed.
//
// Flow:
//  1. Order is funded (wallet debit or verified gateway charge) → funds held
//  2. Seller delivers, buyer confirms with the delivery code → funds released to seller
//  3. Admin halts payout → release on confirmation is deferred until an admin releases
//  4. Buyer cancels (fully or some items) before delivery → held funds refunded to buyer wallet
//
// Every movement is written in the same store transaction as the order's
// status change, together with an append-only escrow entry.
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/agrolink/rfq/internal/delivery"
	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/payments"
	"github.com/agrolink/rfq/internal/syncutil"
	"github.com/shopspring/decimal"
)

// Audit actions recorded for privileged operations.
const (
	ActionHalt          = "order.halt"
	ActionManualRelease = "order.manual_release"
	ActionCancel        = "order.cancel"
	ActionOfferRefund   = "offer.charge_refund"
)

// CartItem is one line of a direct checkout.
type CartItem struct {
	Name      string          `json:"name" validate:"required,max=120"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit" validate:"required,max=32"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// CheckoutInput contains the parameters for a cart checkout.
type CheckoutInput struct {
	SellerID      string               `json:"sellerId" validate:"required"`
	Items         []CartItem           `json:"items"`
	Fulfillment   market.Fulfillment   `json:"fulfillment"`
	PaymentMethod market.PaymentMethod `json:"paymentMethod"`
}

// Page is one page of a cursor-paginated order listing.
type Page struct {
	Orders     []*market.Order `json:"orders"`
	NextCursor string          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

// Service implements escrow and payout business logic.
type Service struct {
	store       ledger.Store
	wallet      *ledger.Wallet
	gateway     payments.Gateway
	verifier    *delivery.Verifier
	notifier    notify.Notifier
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
	locks       syncutil.ShardedMutex
}

// NewService creates a new escrow service.
func NewService(store ledger.Store, wallet *ledger.Wallet, gateway payments.Gateway, verifier *delivery.Verifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		wallet:   wallet,
		gateway:  gateway,
		verifier: verifier,
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds a notifier for order events.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithCallbackURL sets where the gateway redirects the buyer after paying.
func (s *Service) WithCallbackURL(url string) *Service {
	s.callbackURL = url
	return s
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// hold records funds entering escrow for o.
func (s *Service) hold(ctx context.Context, tx ledger.Tx, o *market.Order, amount decimal.Decimal, reference string) error {
	return s.movement(ctx, tx, o, market.EscrowHold, amount, o.BuyerID, reference)
}

// release pays everything still held on o to the seller and marks the payout done.
func (s *Service) release(ctx context.Context, tx ledger.Tx, o *market.Order) (decimal.Decimal, error) {
	amount := o.Held()
	if amount.IsPositive() {
		if _, err := s.wallet.CreditTx(ctx, tx, o.SellerID, amount, "release:"+o.ID, o.ID); err != nil {
			return decimal.Zero, err
		}
		if err := s.movement(ctx, tx, o, market.EscrowRelease, amount, o.SellerID, o.ID); err != nil {
			return decimal.Zero, err
		}
	}
	o.PayoutReleased = true
	o.ReleaseDeferred = false
	return amount, nil
}

// refund returns amount of the held funds to the buyer's wallet.
func (s *Service) refund(ctx context.Context, tx ledger.Tx, o *market.Order, amount decimal.Decimal, opID string) error {
	if !amount.IsPositive() {
		return nil
	}
	if _, err := s.wallet.CreditTx(ctx, tx, o.BuyerID, amount, opID, o.ID); err != nil {
		return err
	}
	if err := s.movement(ctx, tx, o, market.EscrowRefund, amount, o.BuyerID, opID); err != nil {
		return err
	}
	o.Refunded = o.Refunded.Add(amount)
	return nil
}

func (s *Service) movement(ctx context.Context, tx ledger.Tx, o *market.Order, kind market.EscrowKind, amount decimal.Decimal, account, reference string) error {
	err := tx.AppendEscrow(ctx, &market.EscrowEntry{
		ID:        idgen.WithPrefix("esc_"),
		OrderID:   o.ID,
		Kind:      kind,
		Amount:    amount,
		Account:   account,
		Reference: reference,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	metrics.EscrowMovementsTotal.WithLabelValues(string(kind)).Inc()
	f, _ := amount.Float64()
	metrics.EscrowAmountTotal.WithLabelValues(string(kind)).Add(f)
	return nil
}

func (s *Service) audit(ctx context.Context, tx ledger.Tx, actor market.Actor, action, orderID, detail string) error {
	return tx.AppendAudit(ctx, &market.AuditEntry{
		ID:         idgen.WithPrefix("aud_"),
		ActorID:    actor.ID,
		Action:     action,
		EntityType: "order",
		EntityID:   orderID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	})
}

func (s *Service) newOrder(buyerID, sellerID string, items []market.OrderItem, method market.PaymentMethod, f market.Fulfillment) *market.Order {
	now := s.now().UTC()
	o := &market.Order{
		ID:            idgen.WithPrefix("ord_"),
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Items:         items,
		Refunded:      decimal.Zero,
		Fulfillment:   f,
		PaymentMethod: method,
		TrackingID:    s.verifier.NewTrackingID(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Recalculate()
	o.ChargeAmount = o.Total
	return o
}

func transitioned(to market.OrderStatus) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
}

func orderPayload(o *market.Order) map[string]any {
	return map[string]any{
		"orderId":  o.ID,
		"status":   string(o.Status),
		"total":    o.Total.StringFixed(2),
		"buyerId":  o.BuyerID,
		"sellerId": o.SellerID,
	}
}

func canView(actor market.Actor, o *market.Order) bool {
	if actor.IsAdmin() {
		return true
	}
	return actor.ID != "" && (actor.ID == o.BuyerID || actor.ID == o.SellerID)
}
