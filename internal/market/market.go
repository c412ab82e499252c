// Package market defines the entities shared by the RFQ protocol.
//
// A buyer posts a Request, sellers answer with Offers, and a mutually
// confirmed Offer (or a direct cart checkout) becomes an Order whose funds
// sit in escrow until delivery is confirmed, an admin releases them, or the
// buyer cancels.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the capability an authenticated caller acts with.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Actor identifies the caller of a protocol operation.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
}

// System is the actor used by background jobs and payment callbacks.
var System = Actor{ID: "system", Role: RoleAdmin}

// IsAdmin returns true for administrative callers.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// RequireRole returns ErrForbidden unless the actor holds one of roles.
func (a Actor) RequireRole(roles ...Role) error {
	if a.ID == "" {
		return ErrForbidden
	}
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

// PaymentMethod is how an order is funded.
type PaymentMethod string

const (
	PaymentWallet  PaymentMethod = "wallet"
	PaymentGateway PaymentMethod = "gateway"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentWallet || m == PaymentGateway
}

// EscrowKind classifies an escrow ledger movement.
type EscrowKind string

const (
	EscrowHold    EscrowKind = "hold"
	EscrowRelease EscrowKind = "release"
	EscrowRefund  EscrowKind = "refund"
)

// EscrowEntry is an append-only record of funds moving into or out of escrow.
type EscrowEntry struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Kind      EscrowKind      `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Account   string          `json:"account"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WalletEntryKind is the direction of a wallet movement.
type WalletEntryKind string

const (
	WalletCredit WalletEntryKind = "credit"
	WalletDebit  WalletEntryKind = "debit"
)

// WalletEntry records one idempotent wallet operation.
type WalletEntry struct {
	OpID         string          `json:"opId"`
	Account      string          `json:"account"`
	Kind         WalletEntryKind `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ClaimPurpose says what a gateway payment reference paid for.
type ClaimPurpose string

const (
	ClaimRequestFee    ClaimPurpose = "request_fee"
	ClaimOfferCharge   ClaimPurpose = "offer_charge"
	ClaimOrderCheckout ClaimPurpose = "order_checkout"
	ClaimDeposit       ClaimPurpose = "deposit"
)

// PaymentClaim marks a gateway reference as consumed so it cannot be replayed.
type PaymentClaim struct {
	Reference string          `json:"reference"`
	Purpose   ClaimPurpose    `json:"purpose"`
	EntityID  string          `json:"entityId"`
	Amount    decimal.Decimal `json:"amount"`
	ClaimedAt time.Time       `json:"claimedAt"`
}

// AuditEntry records a privileged action.
type AuditEntry struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actorId"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DepositStatus tracks a wallet top-up through the payment gateway.
type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositCredited DepositStatus = "credited"
)

// Deposit is a gateway charge that credits the payer's wallet once verified.
type Deposit struct {
	Reference   string          `json:"reference"`
	Account     string          `json:"account"`
	Amount      decimal.Decimal `json:"amount"`
	CheckoutURL string          `json:"checkoutUrl,omitempty"`
	Status      DepositStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	CreditedAt  *time.Time      `json:"creditedAt,omitempty"`
}
