// Package offers runs the bidding handshake on a sourcing request.
//
// Flow:
//  1. Sellers submit priced offers while the request is live
//  2. The buyer accepts one offer with terms (or rejects it)
//  3. The seller confirms the terms, which creates a funded order in escrow,
//     or declines them so the buyer can try again
//  4. The seller marks the goods delivered; the buyer settles via the order
//
// At most one offer per request ever holds the winner slot. Losing offers
// stay pending until the buyer closes the request.
package offers

import (
	"context"
	"time"

	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/shopspring/decimal"
)

// Seller roles accepted on an offer.
const (
	SellerFarmer     = "farmer"
	SellerAggregator = "aggregator"
	SellerSupplier   = "supplier"
)

// SubmitOfferInput contains the parameters for a new offer.
type SubmitOfferInput struct {
	SellerRole   string              `json:"sellerRole" validate:"omitempty,oneof=farmer aggregator supplier"`
	Items        []market.QuotedItem `json:"items"`
	Price        decimal.Decimal     `json:"price"`
	DeliveryDate time.Time           `json:"deliveryDate"`
	Notes        string              `json:"notes,omitempty" validate:"max=2000"`
	Images       []string            `json:"images,omitempty" validate:"max=10,dive,url"`
}

// Page is one page of a cursor-paginated offer listing.
type Page struct {
	Offers     []*market.Offer `json:"offers"`
	NextCursor string          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
	// Total is the number of offers on the request, shown even when the
	// caller may not see them.
	Total int `json:"total,omitempty"`
}

// OrderFormer turns a confirmed offer into a funded order.
type OrderFormer interface {
	InitializeOfferCharge(ctx context.Context, buyer market.Actor, offer *market.Offer) (reference, checkoutURL string, err error)
	ConfirmOfferCharge(ctx context.Context, offer *market.Offer) error
	OfferChargePaid(ctx context.Context, offer *market.Offer, ref string) (bool, error)
	RefundOfferChargeTx(ctx context.Context, tx ledger.Tx, actor market.Actor, offer *market.Offer, buyerID, ref string) error
	CreateOrderFromOffer(ctx context.Context, tx ledger.Tx, offer *market.Offer, req *market.Request) (*market.Order, error)
	MarkDeliveredTx(ctx context.Context, tx ledger.Tx, orderID string) (*market.Order, error)
}
