package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/pagination"
)

// Get returns an order visible to its buyer, its seller and admins.
func (s *Service) Get(ctx context.Context, actor market.Actor, id string) (*market.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, o) {
		return nil, fmt.Errorf("order %s: %w", id, market.ErrNotFound)
	}
	return o, nil
}

// ListByBuyer lists a buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, statuses []market.OrderStatus, cursor string, limit int) (*Page, error) {
	return s.list(ctx, ledger.OrderFilter{BuyerID: buyerID, Status: statuses}, cursor, limit)
}

// ListBySeller lists a seller's orders, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, statuses []market.OrderStatus, cursor string, limit int) (*Page, error) {
	return s.list(ctx, ledger.OrderFilter{SellerID: sellerID, Status: statuses}, cursor, limit)
}

func (s *Service) list(ctx context.Context, f ledger.OrderFilter, cursor string, limit int) (*Page, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, market.Invalid("bad cursor")
	}
	if limit <= 0 {
		limit = 50
	}
	f.Cursor = c
	f.Limit = limit + 1
	rows, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, limit, func(o *market.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if items == nil {
		items = []*market.Order{}
	}
	return &Page{Orders: items, NextCursor: next, HasMore: more}, nil
}

// ListEntries returns the escrow movements of an order, oldest first.
func (s *Service) ListEntries(ctx context.Context, actor market.Actor, orderID string) ([]*market.EscrowEntry, error) {
	if _, err := s.Get(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.store.ListEscrowEntries(ctx, orderID)
}

// ListAudit returns privileged actions, optionally for one order.
func (s *Service) ListAudit(ctx context.Context, actor market.Actor, orderID string, limit int) ([]*market.AuditEntry, error) {
	if !actor.IsAdmin() {
		return nil, market.ErrForbidden
	}
	return s.store.ListAudit(ctx, orderID, limit)
}
