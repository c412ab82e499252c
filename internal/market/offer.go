package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OfferStatus represents the state of a seller's bid.
type OfferStatus string

const (
	OfferPending         OfferStatus = "pending"
	OfferAcceptedByBuyer OfferStatus = "accepted_by_buyer"
	OfferAccepted        OfferStatus = "accepted"
	OfferTermsRejected   OfferStatus = "terms_rejected"
	OfferRejected        OfferStatus = "rejected"
	OfferDelivered       OfferStatus = "delivered"
	OfferCompleted       OfferStatus = "completed"
)

// Winning reports whether the status claims the request's single winner slot.
func (s OfferStatus) Winning() bool {
	switch s {
	case OfferAcceptedByBuyer, OfferAccepted, OfferDelivered, OfferCompleted:
		return true
	}
	return false
}

// WinningOfferStatuses lists statuses that occupy the winner slot.
var WinningOfferStatuses = []OfferStatus{OfferAcceptedByBuyer, OfferAccepted, OfferDelivered, OfferCompleted}

// QuotedItem is one priced line of an offer.
type QuotedItem struct {
	Name      string          `json:"name" validate:"required,max=120"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit" validate:"required,max=32"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Moisture  string          `json:"moisture,omitempty" validate:"max=32"`
}

// Total returns the line total rounded to MoneyScale.
func (q QuotedItem) Total() decimal.Decimal {
	return LineTotal(q.Quantity, q.UnitPrice)
}

// Terms are the binding conditions a buyer attaches when accepting.
type Terms struct {
	DeliveryDate      time.Time     `json:"deliveryDate"`
	UpfrontPercent    int           `json:"upfrontPercent" validate:"min=0,max=100"`
	OnDeliveryPercent int           `json:"onDeliveryPercent" validate:"min=0,max=100"`
	Note              string        `json:"note,omitempty" validate:"max=2000"`
	Files             []string      `json:"files,omitempty" validate:"max=10,dive,url"`
	PaymentMethod     PaymentMethod `json:"paymentMethod"`
}

// Validate checks the payment split and delivery date.
func (t *Terms) Validate() error {
	if err := Validate(t); err != nil {
		return err
	}
	if t.UpfrontPercent+t.OnDeliveryPercent != 100 {
		return Invalid("upfront and on-delivery percentages must sum to 100")
	}
	if t.DeliveryDate.IsZero() {
		return Invalid("confirmed delivery date is required")
	}
	if t.PaymentMethod == "" {
		t.PaymentMethod = PaymentWallet
	}
	if !t.PaymentMethod.Valid() {
		return Invalid("unknown payment method %q", t.PaymentMethod)
	}
	return nil
}

// Offer is a seller's bid against a request.
type Offer struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"requestId"`
	SellerID      string          `json:"sellerId"`
	SellerRole    string          `json:"sellerRole"`
	Items         []QuotedItem    `json:"items"`
	Price         decimal.Decimal `json:"price"`
	DeliveryDate  time.Time       `json:"deliveryDate"`
	Notes         string          `json:"notes,omitempty"`
	Images        []string        `json:"images,omitempty"`
	Status        OfferStatus     `json:"status"`
	Terms         *Terms          `json:"buyerTerms,omitempty"`
	PaymentMethod PaymentMethod   `json:"paymentMethod,omitempty"`
	PaymentRef    string          `json:"paymentRef,omitempty"`
	CheckoutURL   string          `json:"checkoutUrl,omitempty"`
	OrderID       string          `json:"orderId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if no party can act on the offer any more.
func (o *Offer) IsTerminal() bool {
	return o.Status == OfferCompleted || o.Status == OfferRejected
}

// SumItems returns the aggregate of all line totals.
func SumItems(items []QuotedItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Total())
	}
	return total
}

// ValidateQuote checks the quoted items and that price equals the sum of
// their rounded line totals.
func ValidateQuote(items []QuotedItem, price decimal.Decimal) error {
	if len(items) == 0 {
		return Invalid("at least one quoted item is required")
	}
	for i, it := range items {
		if err := Validate(it); err != nil {
			return Invalid("item %d: %v", i, err)
		}
		if !it.Quantity.IsPositive() {
			return Invalid("item %d: quantity must be positive", i)
		}
		if err := ValidateAmount(fmt.Sprintf("item %d: unit price", i), it.UnitPrice); err != nil {
			return err
		}
	}
	if err := ValidateAmount("price", price); err != nil {
		return err
	}
	if sum := SumItems(items); !sum.Equal(price) {
		return Invalid("price %s does not equal sum of line items %s", price.StringFixed(2), sum.StringFixed(2))
	}
	return nil
}
