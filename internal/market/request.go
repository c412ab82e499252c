package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestKind selects the listing tier and its activation fee.
type RequestKind string

const (
	RequestInstant  RequestKind = "instant"
	RequestStandard RequestKind = "standard"
)

// RequestStatus represents the state of a sourcing request.
type RequestStatus string

const (
	RequestDraft          RequestStatus = "draft"
	RequestPendingPayment RequestStatus = "pending_payment"
	RequestActive         RequestStatus = "active"
	RequestOnHold         RequestStatus = "on_hold"
	RequestClosed         RequestStatus = "closed"
	RequestExpired        RequestStatus = "expired"
)

// LineItem is one commodity a buyer wants to source.
type LineItem struct {
	Name          string          `json:"name" validate:"required,max=120"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit" validate:"required,max=32"`
	Specification string          `json:"specification,omitempty" validate:"max=500"`
	Moisture      string          `json:"moisture,omitempty" validate:"max=32"`
}

// Request is a buyer's sourcing ask.
type Request struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyerId"`
	Kind        RequestKind     `json:"kind"`
	Items       []LineItem      `json:"items"`
	Location    string          `json:"location"`
	PublishAt   *time.Time      `json:"publishAt,omitempty"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Fee         decimal.Decimal `json:"fee"`
	PaymentRef  string          `json:"paymentRef,omitempty"`
	CheckoutURL string          `json:"checkoutUrl,omitempty"`
	AmountPaid  decimal.Decimal `json:"amountPaid"`
	OfferCount  int             `json:"offerCount"`
	Status      RequestStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ActivatedAt *time.Time      `json:"activatedAt,omitempty"`
	ClosedAt    *time.Time      `json:"closedAt,omitempty"`
}

// IsTerminal returns true if the request can no longer change state.
func (r *Request) IsTerminal() bool {
	return r.Status == RequestClosed || r.Status == RequestExpired
}

// Published reports whether the scheduled publish time has arrived.
func (r *Request) Published(now time.Time) bool {
	return r.PublishAt == nil || !r.PublishAt.After(now)
}

// AcceptingOffers reports whether sellers may bid right now.
func (r *Request) AcceptingOffers(now time.Time) bool {
	return r.Status == RequestActive && r.Published(now) && now.Before(r.ExpiresAt)
}

// Visible reports whether a seller browsing the market can see the request.
func (r *Request) Visible(now time.Time) bool {
	return r.AcceptingOffers(now)
}

// ValidateSchedule enforces expiresAt > max(publishAt, now).
func ValidateSchedule(publishAt *time.Time, expiresAt, now time.Time) error {
	if expiresAt.IsZero() {
		return Invalid("expiresAt is required")
	}
	floor := now
	if publishAt != nil && publishAt.After(floor) {
		floor = *publishAt
	}
	if !expiresAt.After(floor) {
		return Invalid("expiresAt must be after %s", floor.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateLineItems checks a request's items.
func ValidateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return Invalid("at least one line item is required")
	}
	for i, it := range items {
		if err := Validate(it); err != nil {
			return Invalid("item %d: %v", i, err)
		}
		if !it.Quantity.IsPositive() {
			return Invalid("item %d: quantity must be positive", i)
		}
	}
	return nil
}
