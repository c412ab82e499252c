// Package payments is the boundary to the card/bank payment gateway.
//
// Protocol code only ever initializes a charge and later verifies it by
// reference; the gateway is the source of truth for whether money moved.
package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownReference   = errors.New("payments: unknown reference")
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	ErrInvalidSignature   = errors.New("payments: invalid webhook signature")
)

// Reference prefixes tell the webhook router which flow a charge belongs to.
const (
	PrefixRequestFee = "REQ"
	PrefixOffer      = "OFR"
	PrefixOrder      = "ORD"
	PrefixDeposit    = "DEP"
)

// MetaEntityID is the charge metadata key carrying the paid-for entity's ID.
const MetaEntityID = "entity_id"

// Charge describes a payment the gateway should collect.
type Charge struct {
	Amount      decimal.Decimal
	Reference   string
	Email       string
	CallbackURL string
	Metadata    map[string]string
}

// Verification is the gateway's authoritative view of a charge.
type Verification struct {
	Reference  string
	Status     string
	Success    bool
	AmountPaid decimal.Decimal
}

// Confirms reports whether the charge succeeded for exactly amount.
func (v *Verification) Confirms(amount decimal.Decimal) bool {
	return v != nil && v.Success && v.AmountPaid.Equal(amount)
}

// Gateway initializes and verifies charges.
type Gateway interface {
	InitializeCharge(ctx context.Context, c Charge) (checkoutURL string, err error)
	VerifyCharge(ctx context.Context, reference string) (*Verification, error)
}

// PrefixOf returns the flow prefix of a reference such as "ORD-1A2B".
func PrefixOf(reference string) string {
	prefix, _, ok := strings.Cut(reference, "-")
	if !ok {
		return ""
	}
	return prefix
}

var hundred = decimal.NewFromInt(100)

// ToKobo converts a Naira amount to the gateway's minor unit.
func ToKobo(naira decimal.Decimal) int64 {
	return naira.Mul(hundred).Round(0).IntPart()
}

// FromKobo converts a minor-unit amount back to Naira.
func FromKobo(kobo int64) decimal.Decimal {
	return decimal.NewFromInt(kobo).Div(hundred).Round(2)
}
