package offers

import (
	"context"
	"fmt"
	"time"

	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/pagination"
)

// Get returns an offer visible to its seller, the request's buyer and admins.
func (s *Service) Get(ctx context.Context, actor market.Actor, id string) (*market.Offer, error) {
	o, req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && (actor.ID == "" || (actor.ID != o.SellerID && actor.ID != req.BuyerID)) {
		return nil, fmt.Errorf("offer %s: %w", id, market.ErrNotFound)
	}
	return o, nil
}

// ListByRequest lists offers on a request straight from the store. The
// request's buyer and admins see every offer, a seller sees their own, and
// anyone else only learns how many offers there are.
func (s *Service) ListByRequest(ctx context.Context, actor market.Actor, requestID, cursor string, limit int) (*Page, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	f := ledger.OfferFilter{RequestID: req.ID}
	switch {
	case actor.IsAdmin(), actor.ID != "" && actor.ID == req.BuyerID:
	case actor.ID != "" && actor.Role == market.RoleSeller:
		f.SellerID = actor.ID
	default:
		if !req.Visible(s.now().UTC()) {
			return nil, fmt.Errorf("request %s: %w", requestID, market.ErrNotFound)
		}
		return &Page{Offers: []*market.Offer{}, Total: req.OfferCount}, nil
	}
	page, err := s.list(ctx, f, cursor, limit)
	if err != nil {
		return nil, err
	}
	page.Total = req.OfferCount
	return page, nil
}

// ListBySeller lists a seller's offers across requests, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, statuses []market.OfferStatus, cursor string, limit int) (*Page, error) {
	return s.list(ctx, ledger.OfferFilter{SellerID: sellerID, Status: statuses}, cursor, limit)
}

func (s *Service) list(ctx context.Context, f ledger.OfferFilter, cursor string, limit int) (*Page, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, market.Invalid("bad cursor")
	}
	if limit <= 0 {
		limit = 50
	}
	f.Cursor = c
	f.Limit = limit + 1
	rows, err := s.store.ListOffers(ctx, f)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, limit, func(o *market.Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if items == nil {
		items = []*market.Offer{}
	}
	return &Page{Offers: items, NextCursor: next, HasMore: more}, nil
}
