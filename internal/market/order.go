package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the state of an order.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderHeldInEscrow   OrderStatus = "held_in_escrow"
	OrderDelivered      OrderStatus = "delivered"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
)

// FulfillmentMode says whether goods are shipped or collected.
type FulfillmentMode string

const (
	FulfillDelivery FulfillmentMode = "delivery"
	FulfillPickup   FulfillmentMode = "pickup"
)

// Fulfillment is the delivery address or pickup descriptor of an order.
type Fulfillment struct {
	Mode        FulfillmentMode `json:"mode" validate:"required,oneof=delivery pickup"`
	Address     string          `json:"address,omitempty" validate:"required_if=Mode delivery,max=500"`
	PickupPoint string          `json:"pickupPoint,omitempty" validate:"required_if=Mode pickup,max=200"`
}

// OrderItem is one line of an order. Cancelled items stay for history.
type OrderItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Cancelled bool            `json:"cancelled"`
}

// Order is the binding transaction between one buyer and one seller.
type Order struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	OfferID         string          `json:"offerId,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	Items           []OrderItem     `json:"items"`
	Total           decimal.Decimal `json:"total"`
	ChargeAmount    decimal.Decimal `json:"chargeAmount"`
	Refunded        decimal.Decimal `json:"refunded"`
	Fulfillment     Fulfillment     `json:"fulfillment"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	PaymentRef      string          `json:"paymentRef,omitempty"`
	CheckoutURL     string          `json:"checkoutUrl,omitempty"`
	Status          OrderStatus     `json:"status"`
	PayoutHalted    bool            `json:"payoutHalted"`
	PayoutReleased  bool            `json:"payoutReleased"`
	ReleaseDeferred bool            `json:"releaseDeferred"`
	TrackingID      string          `json:"trackingId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	FundedAt        *time.Time      `json:"fundedAt,omitempty"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
}

// IsTerminal returns true if the order is completed or cancelled.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderCompleted || o.Status == OrderCancelled
}

// Funded reports whether money has been collected for the order.
func (o *Order) Funded() bool {
	return o.FundedAt != nil
}

// Held returns the amount currently sitting in escrow.
func (o *Order) Held() decimal.Decimal {
	if !o.Funded() || o.PayoutReleased {
		return decimal.Zero
	}
	return o.ChargeAmount.Sub(o.Refunded)
}

// ActiveItems returns the items that have not been cancelled.
func (o *Order) ActiveItems() []OrderItem {
	var out []OrderItem
	for _, it := range o.Items {
		if !it.Cancelled {
			out = append(out, it)
		}
	}
	return out
}

// Recalculate sets Total to the sum of active item subtotals.
func (o *Order) Recalculate() {
	total := decimal.Zero
	for _, it := range o.Items {
		if !it.Cancelled {
			total = total.Add(it.Subtotal)
		}
	}
	o.Total = total
}
