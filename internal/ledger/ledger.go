// Package ledger is the durable store behind the RFQ protocol.
//
// It persists Requests, Offers, Orders, escrow movements, wallet balances,
// consumed payment references and the admin audit log. Every status change
// goes through WithTx and is applied as a compare-and-swap on the entity's
// expected prior status, so concurrent callers never both win a transition.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/pagination"
	"github.com/shopspring/decimal"
)

// Tx is the unit of atomic work. Reads through Tx lock the row they return
// until the transaction ends.
type Tx interface {
	GetRequest(ctx context.Context, id string) (*market.Request, error)
	InsertRequest(ctx context.Context, r *market.Request) error
	// UpdateRequest writes r only if the stored status still equals prev.
	UpdateRequest(ctx context.Context, r *market.Request, prev market.RequestStatus) error

	GetOffer(ctx context.Context, id string) (*market.Offer, error)
	InsertOffer(ctx context.Context, o *market.Offer) error
	UpdateOffer(ctx context.Context, o *market.Offer, prev market.OfferStatus) error
	ListOffersByRequest(ctx context.Context, requestID string) ([]*market.Offer, error)

	GetOrder(ctx context.Context, id string) (*market.Order, error)
	InsertOrder(ctx context.Context, o *market.Order) error
	UpdateOrder(ctx context.Context, o *market.Order, prev market.OrderStatus) error

	// ClaimPayment consumes a gateway reference. A reference can be claimed once.
	ClaimPayment(ctx context.Context, c *market.PaymentClaim) error
	// ApplyWallet applies e once per OpID and returns the stored entry.
	// A debit that would overdraw fails with market.ErrInsufficientFunds.
	ApplyWallet(ctx context.Context, e *market.WalletEntry) (*market.WalletEntry, error)
	AppendEscrow(ctx context.Context, e *market.EscrowEntry) error
	AppendAudit(ctx context.Context, e *market.AuditEntry) error

	InsertDeposit(ctx context.Context, d *market.Deposit) error
	GetDeposit(ctx context.Context, reference string) (*market.Deposit, error)
	UpdateDeposit(ctx context.Context, d *market.Deposit, prev market.DepositStatus) error
}

// Store persists protocol state.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetRequest(ctx context.Context, id string) (*market.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*market.Request, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*market.Request, error)

	GetOffer(ctx context.Context, id string) (*market.Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]*market.Offer, error)

	GetOrder(ctx context.Context, id string) (*market.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*market.Order, error)
	ListEscrowEntries(ctx context.Context, orderID string) ([]*market.EscrowEntry, error)
	ListAudit(ctx context.Context, entityID string, limit int) ([]*market.AuditEntry, error)

	Balance(ctx context.Context, account string) (decimal.Decimal, error)
	ListWalletEntries(ctx context.Context, account string, limit int) ([]*market.WalletEntry, error)
	GetClaim(ctx context.Context, reference string) (*market.PaymentClaim, error)
	GetDeposit(ctx context.Context, reference string) (*market.Deposit, error)

	Ping(ctx context.Context) error
}

// RequestFilter narrows request listings. Results are newest first.
type RequestFilter struct {
	BuyerID string
	Kind    market.RequestKind
	Status  []market.RequestStatus
	// VisibleAt keeps only active, published, unexpired requests.
	VisibleAt *time.Time
	Cursor    *pagination.Cursor
	Limit     int
}

// OfferFilter narrows offer listings. Results are newest first.
type OfferFilter struct {
	RequestID string
	SellerID  string
	Status    []market.OfferStatus
	Cursor    *pagination.Cursor
	Limit     int
}

// OrderFilter narrows order listings. Results are newest first.
type OrderFilter struct {
	BuyerID  string
	SellerID string
	Status   []market.OrderStatus
	Cursor   *pagination.Cursor
	Limit    int
}

const defaultLimit = 50

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

// Claim consumes a verified gateway reference inside tx. A reference that was
// already consumed fails with market.ErrPaymentNotConfirmed.
func Claim(ctx context.Context, tx Tx, c *market.PaymentClaim) error {
	err := tx.ClaimPayment(ctx, c)
	if errors.Is(err, market.ErrConflict) {
		return fmt.Errorf("%w: reference %s was already used", market.ErrPaymentNotConfirmed, c.Reference)
	}
	return err
}
