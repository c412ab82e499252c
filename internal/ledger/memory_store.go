package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
// Transactions run one at a time under the store lock and stage their
// writes, which are applied only when fn returns nil.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*market.Request
	offers    map[string]*market.Offer
	orders    map[string]*market.Order
	escrow    []*market.EscrowEntry
	audit     []*market.AuditEntry
	balances  map[string]decimal.Decimal
	wallet    map[string]*market.WalletEntry
	walletSeq []string
	claims    map[string]*market.PaymentClaim
	deposits  map[string]*market.Deposit
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*market.Request),
		offers:   make(map[string]*market.Offer),
		orders:   make(map[string]*market.Order),
		balances: make(map[string]decimal.Decimal),
		wallet:   make(map[string]*market.WalletEntry),
		claims:   make(map[string]*market.PaymentClaim),
		deposits: make(map[string]*market.Deposit),
	}
}

// WithTx runs fn with exclusive access and commits its writes on success.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:        m,
		requests: make(map[string]*market.Request),
		offers:   make(map[string]*market.Offer),
		orders:   make(map[string]*market.Order),
		balances: make(map[string]decimal.Decimal),
		wallet:   make(map[string]*market.WalletEntry),
		claims:   make(map[string]*market.PaymentClaim),
		deposits: make(map[string]*market.Deposit),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*market.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]*market.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*market.Request
	for _, r := range m.requests {
		if f.BuyerID != "" && r.BuyerID != f.BuyerID {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if len(f.Status) > 0 && !containsStatus(f.Status, r.Status) {
			continue
		}
		if f.VisibleAt != nil && !r.Visible(*f.VisibleAt) {
			continue
		}
		if !f.Cursor.Admits(r.CreatedAt, r.ID) {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return truncate(result, limitOr(f.Limit)), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*market.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*market.Request
	for _, r := range m.requests {
		if r.Status == market.RequestActive && !r.ExpiresAt.After(now) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return truncate(result, limitOr(limit)), nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*market.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOffers(_ context.Context, f OfferFilter) ([]*market.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*market.Offer
	for _, o := range m.offers {
		if f.RequestID != "" && o.RequestID != f.RequestID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if len(f.Status) > 0 && !containsStatus(f.Status, o.Status) {
			continue
		}
		if !f.Cursor.Admits(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return truncate(result, limitOr(f.Limit)), nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*market.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*market.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*market.Order
	for _, o := range m.orders {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if len(f.Status) > 0 && !containsStatus(f.Status, o.Status) {
			continue
		}
		if !f.Cursor.Admits(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return truncate(result, limitOr(f.Limit)), nil
}

func (m *MemoryStore) ListEscrowEntries(_ context.Context, orderID string) ([]*market.EscrowEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*market.EscrowEntry
	for _, e := range m.escrow {
		if e.OrderID == orderID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, entityID string, limit int) ([]*market.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = limitOr(limit)
	var result []*market.AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.audit[i]
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Balance(_ context.Context, account string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

func (m *MemoryStore) ListWalletEntries(_ context.Context, account string, limit int) ([]*market.WalletEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = limitOr(limit)
	var result []*market.WalletEntry
	for i := len(m.walletSeq) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.wallet[m.walletSeq[i]]
		if e.Account != account {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetClaim(_ context.Context, reference string) (*market.PaymentClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[reference]
	if !ok {
		return nil, market.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetDeposit(_ context.Context, reference string) (*market.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[reference]
	if !ok {
		return nil, market.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// memTx stages writes on top of the committed maps. The store lock is held
// by WithTx for the lifetime of the transaction.
type memTx struct {
	m         *MemoryStore
	requests  map[string]*market.Request
	offers    map[string]*market.Offer
	orders    map[string]*market.Order
	escrow    []*market.EscrowEntry
	audit     []*market.AuditEntry
	balances  map[string]decimal.Decimal
	wallet    map[string]*market.WalletEntry
	walletSeq []string
	claims    map[string]*market.PaymentClaim
	deposits  map[string]*market.Deposit
}

func (t *memTx) request(id string) (*market.Request, bool) {
	if r, ok := t.requests[id]; ok {
		return r, true
	}
	r, ok := t.m.requests[id]
	return r, ok
}

func (t *memTx) GetRequest(_ context.Context, id string) (*market.Request, error) {
	r, ok := t.request(id)
	if !ok {
		return nil, market.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) InsertRequest(_ context.Context, r *market.Request) error {
	if _, ok := t.request(r.ID); ok {
		return market.ErrConflict
	}
	t.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, r *market.Request, prev market.RequestStatus) error {
	cur, ok := t.request(r.ID)
	if !ok {
		return market.ErrNotFound
	}
	if cur.Status != prev {
		return market.Conflict("request", r.ID, string(cur.Status), "status changed concurrently")
	}
	t.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) offer(id string) (*market.Offer, bool) {
	if o, ok := t.offers[id]; ok {
		return o, true
	}
	o, ok := t.m.offers[id]
	return o, ok
}

func (t *memTx) GetOffer(_ context.Context, id string) (*market.Offer, error) {
	o, ok := t.offer(id)
	if !ok {
		return nil, market.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *memTx) InsertOffer(_ context.Context, o *market.Offer) error {
	if _, ok := t.offer(o.ID); ok {
		return market.ErrConflict
	}
	t.offers[o.ID] = o.Clone()
	return nil
}

func (t *memTx) UpdateOffer(_ context.Context, o *market.Offer, prev market.OfferStatus) error {
	cur, ok := t.offer(o.ID)
	if !ok {
		return market.ErrNotFound
	}
	if cur.Status != prev {
		return market.Conflict("offer", o.ID, string(cur.Status), "status changed concurrently")
	}
	if o.Status.Winning() && !prev.Winning() {
		for _, sib := range t.siblings(o.RequestID) {
			if sib.ID != o.ID && sib.Status.Winning() {
				return market.Conflict("offer", o.ID, string(cur.Status), "another offer on this request is already accepted")
			}
		}
	}
	t.offers[o.ID] = o.Clone()
	return nil
}

func (t *memTx) siblings(requestID string) []*market.Offer {
	var out []*market.Offer
	for id, o := range t.m.offers {
		if staged, ok := t.offers[id]; ok {
			o = staged
		}
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	for id, o := range t.offers {
		if _, ok := t.m.offers[id]; !ok && o.RequestID == requestID {
			out = append(out, o)
		}
	}
	return out
}

func (t *memTx) ListOffersByRequest(_ context.Context, requestID string) ([]*market.Offer, error) {
	sibs := t.siblings(requestID)
	result := make([]*market.Offer, 0, len(sibs))
	for _, o := range sibs {
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (t *memTx) order(id string) (*market.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.m.orders[id]
	return o, ok
}

func (t *memTx) GetOrder(_ context.Context, id string) (*market.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, market.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *memTx) InsertOrder(_ context.Context, o *market.Order) error {
	if _, ok := t.order(o.ID); ok {
		return market.ErrConflict
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *market.Order, prev market.OrderStatus) error {
	cur, ok := t.order(o.ID)
	if !ok {
		return market.ErrNotFound
	}
	if cur.Status != prev {
		return market.Conflict("order", o.ID, string(cur.Status), "status changed concurrently")
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) ClaimPayment(_ context.Context, c *market.PaymentClaim) error {
	if _, ok := t.claims[c.Reference]; ok {
		return market.ErrConflict
	}
	if _, ok := t.m.claims[c.Reference]; ok {
		return market.ErrConflict
	}
	cp := *c
	t.claims[c.Reference] = &cp
	return nil
}

func (t *memTx) balance(account string) decimal.Decimal {
	if b, ok := t.balances[account]; ok {
		return b
	}
	return t.m.balances[account]
}

func (t *memTx) ApplyWallet(_ context.Context, e *market.WalletEntry) (*market.WalletEntry, error) {
	if prior, ok := t.wallet[e.OpID]; ok {
		cp := *prior
		return &cp, nil
	}
	if prior, ok := t.m.wallet[e.OpID]; ok {
		cp := *prior
		return &cp, nil
	}

	bal := t.balance(e.Account)
	switch e.Kind {
	case market.WalletCredit:
		bal = bal.Add(e.Amount)
	case market.WalletDebit:
		if bal.LessThan(e.Amount) {
			return nil, market.ErrInsufficientFunds
		}
		bal = bal.Sub(e.Amount)
	default:
		return nil, market.Invalid("unknown wallet entry kind %q", e.Kind)
	}

	cp := *e
	cp.BalanceAfter = bal
	t.balances[e.Account] = bal
	t.wallet[e.OpID] = &cp
	t.walletSeq = append(t.walletSeq, e.OpID)
	out := cp
	return &out, nil
}

func (t *memTx) AppendEscrow(_ context.Context, e *market.EscrowEntry) error {
	cp := *e
	t.escrow = append(t.escrow, &cp)
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e *market.AuditEntry) error {
	cp := *e
	t.audit = append(t.audit, &cp)
	return nil
}

func (t *memTx) deposit(ref string) (*market.Deposit, bool) {
	if d, ok := t.deposits[ref]; ok {
		return d, true
	}
	d, ok := t.m.deposits[ref]
	return d, ok
}

func (t *memTx) InsertDeposit(_ context.Context, d *market.Deposit) error {
	if _, ok := t.deposit(d.Reference); ok {
		return market.ErrConflict
	}
	cp := *d
	t.deposits[d.Reference] = &cp
	return nil
}

func (t *memTx) GetDeposit(_ context.Context, reference string) (*market.Deposit, error) {
	d, ok := t.deposit(reference)
	if !ok {
		return nil, market.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) UpdateDeposit(_ context.Context, d *market.Deposit, prev market.DepositStatus) error {
	cur, ok := t.deposit(d.Reference)
	if !ok {
		return market.ErrNotFound
	}
	if cur.Status != prev {
		return market.Conflict("deposit", d.Reference, string(cur.Status), "status changed concurrently")
	}
	cp := *d
	t.deposits[d.Reference] = &cp
	return nil
}

func (t *memTx) commit() {
	m := t.m
	for id, r := range t.requests {
		m.requests[id] = r
	}
	for id, o := range t.offers {
		m.offers[id] = o
	}
	for id, o := range t.orders {
		m.orders[id] = o
	}
	m.escrow = append(m.escrow, t.escrow...)
	m.audit = append(m.audit, t.audit...)
	for acct, b := range t.balances {
		m.balances[acct] = b
	}
	for id, e := range t.wallet {
		m.wallet[id] = e
	}
	m.walletSeq = append(m.walletSeq, t.walletSeq...)
	for ref, c := range t.claims {
		m.claims[ref] = c
	}
	for ref, d := range t.deposits {
		m.deposits[ref] = d
	}
}

// --- helpers ---

func containsStatus[S comparable](set []S, s S) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func newer(a time.Time, aID string, b time.Time, bID string) bool {
	if a.Equal(b) {
		return aID > bID
	}
	return a.After(b)
}

func truncate[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
