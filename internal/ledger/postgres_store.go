package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const requestColumns = `id, buyer_id, kind, items, location, publish_at, expires_at,
	fee, payment_ref, checkout_url, amount_paid, offer_count, status,
	created_at, updated_at, activated_at, closed_at`

const offerColumns = `id, request_id, seller_id, seller_role, items, price,
	delivery_date, notes, images, status, terms, payment_method, payment_ref,
	checkout_url, order_id, created_at, updated_at`

const orderColumns = `id, buyer_id, seller_id, offer_id, request_id, items, total,
	charge_amount, refunded, fulfillment_mode, address, pickup_point,
	payment_method, payment_ref, checkout_url, status, payout_halted,
	payout_released, release_deferred, tracking_id, created_at, updated_at,
	funded_at, delivered_at, completed_at, cancelled_at`

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// Tx reads plus status-guarded updates give compare-and-swap semantics.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return mapPQError(sqlTx.Commit())
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- Request reads ---

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*market.Request, error) {
	return getRequest(ctx, p.db, id, false)
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]*market.Request, error) {
	var w where
	if f.BuyerID != "" {
		w.add("buyer_id = $%d", f.BuyerID)
	}
	if f.Kind != "" {
		w.add("kind = $%d", string(f.Kind))
	}
	if len(f.Status) > 0 {
		w.add("status = ANY($%d)", pq.Array(toStrings(f.Status)))
	}
	if f.VisibleAt != nil {
		w.add("status = 'active' AND (publish_at IS NULL OR publish_at <= $%d) AND expires_at > $%d", *f.VisibleAt, *f.VisibleAt)
	}
	if f.Cursor != nil {
		w.add("(created_at, id) < ($%d, $%d)", f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query := `SELECT ` + requestColumns + ` FROM requests` + w.sql() +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limitOr(f.Limit))

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*market.Request, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`,
		now, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

// --- Offer reads ---

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*market.Offer, error) {
	return getOffer(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOffers(ctx context.Context, f OfferFilter) ([]*market.Offer, error) {
	var w where
	if f.RequestID != "" {
		w.add("request_id = $%d", f.RequestID)
	}
	if f.SellerID != "" {
		w.add("seller_id = $%d", f.SellerID)
	}
	if len(f.Status) > 0 {
		w.add("status = ANY($%d)", pq.Array(toStrings(f.Status)))
	}
	if f.Cursor != nil {
		w.add("(created_at, id) < ($%d, $%d)", f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query := `SELECT ` + offerColumns + ` FROM offers` + w.sql() +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limitOr(f.Limit))

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

// --- Order reads ---

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*market.Order, error) {
	return getOrder(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*market.Order, error) {
	var w where
	if f.BuyerID != "" {
		w.add("buyer_id = $%d", f.BuyerID)
	}
	if f.SellerID != "" {
		w.add("seller_id = $%d", f.SellerID)
	}
	if len(f.Status) > 0 {
		w.add("status = ANY($%d)", pq.Array(toStrings(f.Status)))
	}
	if f.Cursor != nil {
		w.add("(created_at, id) < ($%d, $%d)", f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query := `SELECT ` + orderColumns + ` FROM orders` + w.sql() +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limitOr(f.Limit))

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*market.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEscrowEntries(ctx context.Context, orderID string) ([]*market.EscrowEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, kind, amount, account, reference, created_at
		FROM escrow_entries WHERE order_id = $1 ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*market.EscrowEntry
	for rows.Next() {
		e := &market.EscrowEntry{}
		var kind string
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &kind, &e.Amount, &e.Account, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = market.EscrowKind(kind)
		e.Reference = ref.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListAudit(ctx context.Context, entityID string, limit int) ([]*market.AuditEntry, error) {
	var w where
	if entityID != "" {
		w.add("entity_id = $%d", entityID)
	}
	query := `SELECT id, actor_id, action, entity_type, entity_id, detail, created_at FROM audit_log` +
		w.sql() + fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limitOr(limit))

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*market.AuditEntry
	for rows.Next() {
		e := &market.AuditEntry{}
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Wallet reads ---

func (p *PostgresStore) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE account = $1`, account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return bal, err
}

func (p *PostgresStore) ListWalletEntries(ctx context.Context, account string, limit int) ([]*market.WalletEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT op_id, account, kind, amount, balance_after, reference, created_at
		FROM wallet_entries WHERE account = $1
		ORDER BY created_at DESC, op_id DESC LIMIT $2`, account, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*market.WalletEntry
	for rows.Next() {
		e, err := scanWalletEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetClaim(ctx context.Context, reference string) (*market.PaymentClaim, error) {
	c := &market.PaymentClaim{}
	var purpose string
	err := p.db.QueryRowContext(ctx, `
		SELECT reference, purpose, entity_id, amount, claimed_at
		FROM payment_claims WHERE reference = $1`, reference).
		Scan(&c.Reference, &purpose, &c.EntityID, &c.Amount, &c.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Purpose = market.ClaimPurpose(purpose)
	return c, nil
}

func (p *PostgresStore) GetDeposit(ctx context.Context, reference string) (*market.Deposit, error) {
	return getDeposit(ctx, p.db, reference, false)
}

// --- Transaction ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetRequest(ctx context.Context, id string) (*market.Request, error) {
	return getRequest(ctx, t.tx, id, true)
}

func (t *pgTx) InsertRequest(ctx context.Context, r *market.Request) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		r.ID, r.BuyerID, string(r.Kind), items, r.Location, nullTime(r.PublishAt), r.ExpiresAt,
		r.Fee, nullStr(r.PaymentRef), nullStr(r.CheckoutURL), r.AmountPaid, r.OfferCount, string(r.Status),
		r.CreatedAt, r.UpdatedAt, nullTime(r.ActivatedAt), nullTime(r.ClosedAt),
	)
	return mapPQError(err)
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *market.Request, prev market.RequestStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE requests SET
			status = $1, payment_ref = $2, checkout_url = $3, amount_paid = $4,
			offer_count = $5, expires_at = $6, updated_at = $7,
			activated_at = $8, closed_at = $9
		WHERE id = $10 AND status = $11`,
		string(r.Status), nullStr(r.PaymentRef), nullStr(r.CheckoutURL), r.AmountPaid,
		r.OfferCount, r.ExpiresAt, r.UpdatedAt,
		nullTime(r.ActivatedAt), nullTime(r.ClosedAt),
		r.ID, string(prev),
	)
	if err != nil {
		return mapPQError(err)
	}
	return t.casResult(ctx, result, "request", "requests", r.ID)
}

func (t *pgTx) GetOffer(ctx context.Context, id string) (*market.Offer, error) {
	return getOffer(ctx, t.tx, id, true)
}

func (t *pgTx) InsertOffer(ctx context.Context, o *market.Offer) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	terms, err := marshalTerms(o.Terms)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		o.ID, o.RequestID, o.SellerID, o.SellerRole, items, o.Price,
		o.DeliveryDate, nullStr(o.Notes), pq.Array(nonNil(o.Images)), string(o.Status), terms, nullStr(string(o.PaymentMethod)), nullStr(o.PaymentRef),
		nullStr(o.CheckoutURL), nullStr(o.OrderID), o.CreatedAt, o.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *market.Offer, prev market.OfferStatus) error {
	terms, err := marshalTerms(o.Terms)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET
			status = $1, terms = $2, payment_method = $3, payment_ref = $4,
			checkout_url = $5, order_id = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(o.Status), terms, nullStr(string(o.PaymentMethod)), nullStr(o.PaymentRef),
		nullStr(o.CheckoutURL), nullStr(o.OrderID), o.UpdatedAt,
		o.ID, string(prev),
	)
	if err != nil {
		return mapPQError(err)
	}
	return t.casResult(ctx, result, "offer", "offers", o.ID)
}

func (t *pgTx) ListOffersByRequest(ctx context.Context, requestID string) ([]*market.Offer, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE request_id = $1 ORDER BY created_at ASC, id ASC`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*market.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *market.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25, $26
		)`,
		o.ID, o.BuyerID, o.SellerID, nullStr(o.OfferID), nullStr(o.RequestID), items, o.Total,
		o.ChargeAmount, o.Refunded, string(o.Fulfillment.Mode), nullStr(o.Fulfillment.Address), nullStr(o.Fulfillment.PickupPoint),
		string(o.PaymentMethod), nullStr(o.PaymentRef), nullStr(o.CheckoutURL), string(o.Status), o.PayoutHalted,
		o.PayoutReleased, o.ReleaseDeferred, o.TrackingID, o.CreatedAt, o.UpdatedAt,
		nullTime(o.FundedAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
	)
	return mapPQError(err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *market.Order, prev market.OrderStatus) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET
			items = $1, total = $2, charge_amount = $3, refunded = $4,
			payment_ref = $5, checkout_url = $6, status = $7,
			payout_halted = $8, payout_released = $9, release_deferred = $10,
			updated_at = $11, funded_at = $12, delivered_at = $13,
			completed_at = $14, cancelled_at = $15
		WHERE id = $16 AND status = $17`,
		items, o.Total, o.ChargeAmount, o.Refunded,
		nullStr(o.PaymentRef), nullStr(o.CheckoutURL), string(o.Status),
		o.PayoutHalted, o.PayoutReleased, o.ReleaseDeferred,
		o.UpdatedAt, nullTime(o.FundedAt), nullTime(o.DeliveredAt),
		nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.ID, string(prev),
	)
	if err != nil {
		return mapPQError(err)
	}
	return t.casResult(ctx, result, "order", "orders", o.ID)
}

func (t *pgTx) ClaimPayment(ctx context.Context, c *market.PaymentClaim) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_claims (reference, purpose, entity_id, amount, claimed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.Reference, string(c.Purpose), c.EntityID, c.Amount, c.ClaimedAt)
	return mapPQError(err)
}

func (t *pgTx) ApplyWallet(ctx context.Context, e *market.WalletEntry) (*market.WalletEntry, error) {
	prior, err := scanWalletEntry(t.tx.QueryRowContext(ctx, `
		SELECT op_id, account, kind, amount, balance_after, reference, created_at
		FROM wallet_entries WHERE op_id = $1`, e.OpID))
	if err == nil {
		return prior, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (account, balance) VALUES ($1, 0) ON CONFLICT (account) DO NOTHING`,
		e.Account); err != nil {
		return nil, err
	}

	var bal decimal.Decimal
	if err := t.tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE account = $1 FOR UPDATE`, e.Account).Scan(&bal); err != nil {
		return nil, err
	}

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

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $2, updated_at = NOW() WHERE account = $1`,
		e.Account, bal); err != nil {
		return nil, mapPQError(err)
	}

	out := *e
	out.BalanceAfter = bal
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (op_id, account, kind, amount, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		out.OpID, out.Account, string(out.Kind), out.Amount, out.BalanceAfter, nullStr(out.Reference), out.CreatedAt)
	if err != nil {
		return nil, mapPQError(err)
	}
	return &out, nil
}

func (t *pgTx) AppendEscrow(ctx context.Context, e *market.EscrowEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_entries (id, order_id, kind, amount, account, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrderID, string(e.Kind), e.Amount, e.Account, nullStr(e.Reference), e.CreatedAt)
	return mapPQError(err)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *market.AuditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ActorID, e.Action, e.EntityType, e.EntityID, nullStr(e.Detail), e.CreatedAt)
	return mapPQError(err)
}

func (t *pgTx) InsertDeposit(ctx context.Context, d *market.Deposit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deposits (reference, account, amount, checkout_url, status, created_at, credited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.Reference, d.Account, d.Amount, nullStr(d.CheckoutURL), string(d.Status), d.CreatedAt, nullTime(d.CreditedAt))
	return mapPQError(err)
}

func (t *pgTx) GetDeposit(ctx context.Context, reference string) (*market.Deposit, error) {
	return getDeposit(ctx, t.tx, reference, true)
}

func (t *pgTx) UpdateDeposit(ctx context.Context, d *market.Deposit, prev market.DepositStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE deposits SET status = $1, checkout_url = $2, credited_at = $3
		WHERE reference = $4 AND status = $5`,
		string(d.Status), nullStr(d.CheckoutURL), nullTime(d.CreditedAt), d.Reference, string(prev))
	if err != nil {
		return mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM deposits WHERE reference = $1`, d.Reference).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	if err != nil {
		return err
	}
	return market.Conflict("deposit", d.Reference, status, "status changed concurrently")
}

// casResult turns a zero-row status-guarded update into NotFound or a
// Conflict carrying the row's current status.
func (t *pgTx) casResult(ctx context.Context, result sql.Result, entity, table, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&status) // #nosec G202 -- table is a package constant
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	if err != nil {
		return err
	}
	return market.Conflict(entity, id, status, "status changed concurrently")
}

// --- shared getters ---

func getRequest(ctx context.Context, q querier, id string, lock bool) (*market.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	return r, err
}

func getOffer(ctx context.Context, q querier, id string, lock bool) (*market.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOffer(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	return o, err
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (*market.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	return o, err
}

func getDeposit(ctx context.Context, q querier, reference string, lock bool) (*market.Deposit, error) {
	query := `SELECT reference, account, amount, checkout_url, status, created_at, credited_at
		FROM deposits WHERE reference = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	d := &market.Deposit{}
	var status string
	var checkout sql.NullString
	var credited sql.NullTime
	err := q.QueryRowContext(ctx, query, reference).
		Scan(&d.Reference, &d.Account, &d.Amount, &checkout, &status, &d.CreatedAt, &credited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, market.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = market.DepositStatus(status)
	d.CheckoutURL = checkout.String
	d.CreditedAt = timePtr(credited)
	return d, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(sc scanner) (*market.Request, error) {
	r := &market.Request{}
	var (
		kind, status         string
		items                []byte
		paymentRef, checkout sql.NullString
		publishAt, activated sql.NullTime
		closed               sql.NullTime
	)
	err := sc.Scan(
		&r.ID, &r.BuyerID, &kind, &items, &r.Location, &publishAt, &r.ExpiresAt,
		&r.Fee, &paymentRef, &checkout, &r.AmountPaid, &r.OfferCount, &status,
		&r.CreatedAt, &r.UpdatedAt, &activated, &closed,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("decode request items: %w", err)
	}
	r.Kind = market.RequestKind(kind)
	r.Status = market.RequestStatus(status)
	r.PaymentRef = paymentRef.String
	r.CheckoutURL = checkout.String
	r.PublishAt = timePtr(publishAt)
	r.ActivatedAt = timePtr(activated)
	r.ClosedAt = timePtr(closed)
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*market.Request, error) {
	var result []*market.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanOffer(sc scanner) (*market.Offer, error) {
	o := &market.Offer{}
	var (
		status                       string
		items, terms                 []byte
		notes, method, ref, checkout sql.NullString
		orderID                      sql.NullString
		images                       []string
	)
	err := sc.Scan(
		&o.ID, &o.RequestID, &o.SellerID, &o.SellerRole, &items, &o.Price,
		&o.DeliveryDate, &notes, pq.Array(&images), &status, &terms, &method, &ref,
		&checkout, &orderID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode offer items: %w", err)
	}
	if len(terms) > 0 {
		o.Terms = &market.Terms{}
		if err := json.Unmarshal(terms, o.Terms); err != nil {
			return nil, fmt.Errorf("decode offer terms: %w", err)
		}
	}
	o.Status = market.OfferStatus(status)
	o.Notes = notes.String
	o.Images = images
	o.PaymentMethod = market.PaymentMethod(method.String)
	o.PaymentRef = ref.String
	o.CheckoutURL = checkout.String
	o.OrderID = orderID.String
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*market.Offer, error) {
	var result []*market.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanOrder(sc scanner) (*market.Order, error) {
	o := &market.Order{}
	var (
		mode, method, status         string
		items                        []byte
		offerID, requestID, address  sql.NullString
		pickup, ref, checkout        sql.NullString
		funded, delivered, completed sql.NullTime
		cancelled                    sql.NullTime
	)
	err := sc.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &offerID, &requestID, &items, &o.Total,
		&o.ChargeAmount, &o.Refunded, &mode, &address, &pickup,
		&method, &ref, &checkout, &status, &o.PayoutHalted,
		&o.PayoutReleased, &o.ReleaseDeferred, &o.TrackingID, &o.CreatedAt, &o.UpdatedAt,
		&funded, &delivered, &completed, &cancelled,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	o.OfferID = offerID.String
	o.RequestID = requestID.String
	o.Fulfillment = market.Fulfillment{
		Mode:        market.FulfillmentMode(mode),
		Address:     address.String,
		PickupPoint: pickup.String,
	}
	o.PaymentMethod = market.PaymentMethod(method)
	o.PaymentRef = ref.String
	o.CheckoutURL = checkout.String
	o.Status = market.OrderStatus(status)
	o.FundedAt = timePtr(funded)
	o.DeliveredAt = timePtr(delivered)
	o.CompletedAt = timePtr(completed)
	o.CancelledAt = timePtr(cancelled)
	return o, nil
}

func scanWalletEntry(sc scanner) (*market.WalletEntry, error) {
	e := &market.WalletEntry{}
	var kind string
	var ref sql.NullString
	if err := sc.Scan(&e.OpID, &e.Account, &kind, &e.Amount, &e.BalanceAfter, &ref, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = market.WalletEntryKind(kind)
	e.Reference = ref.String
	return e, nil
}

// --- helpers ---

// where accumulates AND-ed clauses with positional placeholders.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, args ...interface{}) {
	idx := make([]interface{}, len(args))
	for i := range args {
		idx[i] = len(w.args) + i + 1
	}
	w.clauses = append(w.clauses, fmt.Sprintf(clause, idx...))
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// mapPQError folds unique and serialization violations into ErrConflict.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", market.ErrConflict, pqErr.Message)
		}
	}
	return err
}

func marshalTerms(t *market.Terms) (interface{}, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

func toStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
