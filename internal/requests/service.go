// Package requests manages the lifecycle of buyer sourcing requests:
// drafting, paying the activation fee, going live, pausing, closing and
// expiring.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/ledger"
	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/pagination"
	"github.com/agrolink/rfq/internal/payments"
	"github.com/agrolink/rfq/internal/syncutil"
	"github.com/agrolink/rfq/internal/traces"
	"github.com/shopspring/decimal"
)

const sweepBatch = 100

// CreateRequestInput contains the parameters for drafting a request.
type CreateRequestInput struct {
	Kind      market.RequestKind `json:"kind"`
	Items     []market.LineItem  `json:"items"`
	Location  string             `json:"location" validate:"required,max=200"`
	PublishAt *time.Time         `json:"publishAt,omitempty"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// Page is one page of a cursor-paginated listing.
type Page struct {
	Requests   []*market.Request `json:"requests"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// AcceptanceReleaser withdraws offer acceptances still waiting for their
// seller once a request has ended.
type AcceptanceReleaser interface {
	ReleaseAcceptances(ctx context.Context, actor market.Actor, requestID string) error
}

// Service implements the request lifecycle.
type Service struct {
	store       ledger.Store
	gateway     payments.Gateway
	notifier    notify.Notifier
	releaser    AcceptanceReleaser
	fees        map[market.RequestKind]decimal.Decimal
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
	locks       syncutil.ShardedMutex
}

// NewService creates a new request service.
func NewService(store ledger.Store, gateway payments.Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		notifier: notify.Nop{},
		fees: map[market.RequestKind]decimal.Decimal{
			market.RequestInstant:  decimal.NewFromInt(2500),
			market.RequestStandard: decimal.NewFromInt(1000),
		},
		logger: logger,
		now:    time.Now,
	}
}

// WithFees sets the activation fee charged per request kind.
func (s *Service) WithFees(instant, standard decimal.Decimal) *Service {
	s.fees[market.RequestInstant] = instant
	s.fees[market.RequestStandard] = standard
	return s
}

// WithCallbackURL sets where the gateway redirects the buyer after paying.
func (s *Service) WithCallbackURL(url string) *Service {
	s.callbackURL = url
	return s
}

// WithNotifier adds a notifier for lifecycle events.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithAcceptanceReleaser sets who unwinds pending acceptances when a
// request closes or expires.
func (s *Service) WithAcceptanceReleaser(r AcceptanceReleaser) *Service {
	s.releaser = r
	return s
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest drafts a new request for the calling buyer.
func (s *Service) CreateRequest(ctx context.Context, actor market.Actor, in CreateRequestInput) (*market.Request, error) {
	if err := actor.RequireRole(market.RoleBuyer); err != nil {
		return nil, err
	}
	if in.Kind == "" {
		in.Kind = market.RequestStandard
	}
	fee, ok := s.fees[in.Kind]
	if !ok {
		return nil, market.Invalid("unknown request kind %q", in.Kind)
	}
	in.Location = strings.TrimSpace(in.Location)
	if err := market.Validate(in); err != nil {
		return nil, err
	}
	if err := market.ValidateLineItems(in.Items); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := market.ValidateSchedule(in.PublishAt, in.ExpiresAt, now); err != nil {
		return nil, err
	}

	r := &market.Request{
		ID:         idgen.WithPrefix("req_"),
		BuyerID:    actor.ID,
		Kind:       in.Kind,
		Items:      in.Items,
		Location:   in.Location,
		PublishAt:  utcPtr(in.PublishAt),
		ExpiresAt:  in.ExpiresAt.UTC(),
		Fee:        fee,
		AmountPaid: decimal.Zero,
		Status:     market.RequestDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertRequest(ctx, r)
	}); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(market.RequestDraft)).Inc()
	s.logger.Info("request drafted", "request", r.ID, "buyer", r.BuyerID, "kind", r.Kind)
	return r, nil
}

// InitiatePayment opens the activation-fee charge and moves the request to
// pending_payment. Calling it again while payment is pending returns the
// existing checkout.
func (s *Service) InitiatePayment(ctx context.Context, actor market.Actor, id string) (out *market.Request, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(actor, r) {
		return nil, market.ErrForbidden
	}
	switch r.Status {
	case market.RequestPendingPayment:
		return r, nil
	case market.RequestDraft:
	default:
		return nil, market.Transition("request", r.ID, string(r.Status), "only drafts can be paid for")
	}

	ctx, span := traces.StartSpan(ctx, "requests.InitiatePayment", traces.RequestID(id), traces.Amount(r.Fee.String()))
	defer func() { traces.End(span, err) }()

	ref := idgen.Reference(payments.PrefixRequestFee)
	url, err := s.gateway.InitializeCharge(ctx, payments.Charge{
		Amount:      r.Fee,
		Reference:   ref,
		Email:       actor.Email,
		CallbackURL: s.callbackURL,
		Metadata:    map[string]string{payments.MetaEntityID: r.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize activation charge: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != market.RequestDraft {
			return market.Conflict("request", cur.ID, string(cur.Status), "payment already initiated")
		}
		next := cur.Clone()
		next.Status = market.RequestPendingPayment
		next.PaymentRef = ref
		next.CheckoutURL = url
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateRequest(ctx, next, market.RequestDraft); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(market.RequestPendingPayment)).Inc()
	s.logger.Info("request payment initiated", "request", id, "reference", ref)
	return out, nil
}

// ActivateOnPayment verifies the activation charge with the gateway and, only
// if it succeeded for exactly the fee, consumes the reference and activates
// the request. An empty reference means the one issued by InitiatePayment.
func (s *Service) ActivateOnPayment(ctx context.Context, id, reference string) (out *market.Request, err error) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if reference == "" {
		reference = r.PaymentRef
	}
	if reference == "" || (r.PaymentRef != "" && reference != r.PaymentRef) {
		return nil, fmt.Errorf("%w: reference does not belong to request %s", market.ErrPaymentNotConfirmed, id)
	}

	ctx, span := traces.StartSpan(ctx, "requests.ActivateOnPayment", traces.RequestID(id), traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	v, err := s.gateway.VerifyCharge(ctx, reference)
	if err != nil {
		metrics.PaymentVerificationsTotal.WithLabelValues(string(market.ClaimRequestFee), "error").Inc()
		if errors.Is(err, payments.ErrUnknownReference) {
			return nil, fmt.Errorf("%w: %v", market.ErrPaymentNotConfirmed, err)
		}
		return nil, err
	}
	if !v.Confirms(r.Fee) {
		metrics.PaymentVerificationsTotal.WithLabelValues(string(market.ClaimRequestFee), "rejected").Inc()
		return nil, fmt.Errorf("%w: charge %s is %s for %s, fee is %s",
			market.ErrPaymentNotConfirmed, reference, v.Status, v.AmountPaid.StringFixed(2), r.Fee.StringFixed(2))
	}
	metrics.PaymentVerificationsTotal.WithLabelValues(string(market.ClaimRequestFee), "confirmed").Inc()

	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := s.now().UTC()
		if err := ledger.Claim(ctx, tx, &market.PaymentClaim{
			Reference: reference,
			Purpose:   market.ClaimRequestFee,
			EntityID:  id,
			Amount:    v.AmountPaid,
			ClaimedAt: now,
		}); err != nil {
			return err
		}
		cur, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != market.RequestPendingPayment {
			return market.Transition("request", cur.ID, string(cur.Status), "request is not awaiting payment")
		}
		next := cur.Clone()
		next.Status = market.RequestActive
		next.AmountPaid = v.AmountPaid
		next.ActivatedAt = &now
		next.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, next, market.RequestPendingPayment); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(market.RequestActive)).Inc()
	s.logger.Info("request activated", "request", id, "reference", reference)
	s.notifier.Notify(ctx, out.BuyerID, notify.EventRequestActivated, map[string]any{
		"requestId": out.ID,
		"expiresAt": out.ExpiresAt,
	})
	return out, nil
}

// ActivateCallback adapts ActivateOnPayment to the payment webhook router.
func (s *Service) ActivateCallback(ctx context.Context, entityID, reference string) error {
	if entityID == "" {
		return fmt.Errorf("%w: charge %s carries no request id", market.ErrNotFound, reference)
	}
	_, err := s.ActivateOnPayment(ctx, entityID, reference)
	return err
}

// SetHold pauses (on=true) or resumes an active request. Asking for the
// state the request is already in is a no-op.
func (s *Service) SetHold(ctx context.Context, actor market.Actor, id string, on bool) (*market.Request, error) {
	from, to := market.RequestActive, market.RequestOnHold
	if !on {
		from, to = to, from
	}
	return s.transition(ctx, actor, id, func(cur *market.Request) (bool, error) {
		switch cur.Status {
		case to:
			return false, nil
		case from:
			return true, nil
		}
		return false, market.Transition("request", cur.ID, string(cur.Status), "only active requests can be put on hold and resumed")
	}, to)
}

// Close ends a request from any non-terminal status.
func (s *Service) Close(ctx context.Context, actor market.Actor, id string) (*market.Request, error) {
	r, err := s.transition(ctx, actor, id, func(cur *market.Request) (bool, error) {
		if cur.IsTerminal() {
			return false, market.Transition("request", cur.ID, string(cur.Status), "request already ended")
		}
		return true, nil
	}, market.RequestClosed)
	if err == nil && r.Status == market.RequestClosed {
		s.release(ctx, actor, r.ID)
		s.notifier.Notify(ctx, r.BuyerID, notify.EventRequestClosed, map[string]any{"requestId": r.ID})
	}
	return r, err
}

// release unwinds acceptances on an ended request. Failures are logged; a
// later gateway callback for the charge retries the refund.
func (s *Service) release(ctx context.Context, actor market.Actor, id string) {
	if s.releaser == nil {
		return
	}
	if err := s.releaser.ReleaseAcceptances(ctx, actor, id); err != nil {
		s.logger.Error("failed to release offer acceptances", "request", id, "error", err)
	}
}

// transition applies a buyer-owned status change. check reports whether a
// write is needed; false with a nil error returns the request unchanged.
func (s *Service) transition(ctx context.Context, actor market.Actor, id string, check func(*market.Request) (bool, error), to market.RequestStatus) (*market.Request, error) {
	var out *market.Request
	changed := false
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if !owns(actor, cur) {
			return market.ErrForbidden
		}
		write, err := check(cur)
		if err != nil {
			return err
		}
		out = cur
		if !write {
			return nil
		}
		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = s.now().UTC()
		if to == market.RequestClosed {
			next.ClosedAt = &next.UpdatedAt
		}
		if err := tx.UpdateRequest(ctx, next, cur.Status); err != nil {
			return err
		}
		out = next
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.RequestTransitionsTotal.WithLabelValues(string(to)).Inc()
		s.logger.Info("request status changed", "request", id, "to", to, "actor", actor.ID)
	}
	return out, nil
}

// ExpireSweep moves every active request whose expiry has passed to expired.
// Requests that changed concurrently are skipped. Returns how many expired.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		batch, err := s.store.ListExpirable(ctx, now, sweepBatch)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, r := range batch {
			ok, err := s.expireOne(ctx, r.ID, now)
			if err != nil {
				if errors.Is(err, market.ErrConflict) || errors.Is(err, market.ErrNotFound) {
					continue
				}
				return expired, err
			}
			if ok {
				progressed++
				s.release(ctx, market.System, r.ID)
				s.notifier.Notify(ctx, r.BuyerID, notify.EventRequestExpired, map[string]any{"requestId": r.ID})
			}
		}
		expired += progressed
		if len(batch) < sweepBatch || progressed == 0 {
			break
		}
	}
	if expired > 0 {
		s.logger.Info("expired requests", "count", expired)
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	changed := false
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != market.RequestActive || cur.ExpiresAt.After(now) {
			return nil
		}
		next := cur.Clone()
		next.Status = market.RequestExpired
		next.UpdatedAt = now.UTC()
		next.ClosedAt = &next.UpdatedAt
		if err := tx.UpdateRequest(ctx, next, market.RequestActive); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if changed {
		metrics.RequestTransitionsTotal.WithLabelValues(string(market.RequestExpired)).Inc()
	}
	return changed, err
}

// Get returns a request. Requests not open to the market are only visible to
// their buyer and admins.
func (s *Service) Get(ctx context.Context, actor market.Actor, id string) (*market.Request, error) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Visible(s.now()) && !owns(actor, r) {
		return nil, fmt.Errorf("request %s: %w", id, market.ErrNotFound)
	}
	return r, nil
}

// ListOpen lists requests sellers can bid on, newest first.
func (s *Service) ListOpen(ctx context.Context, kind market.RequestKind, cursor string, limit int) (*Page, error) {
	now := s.now().UTC()
	return s.list(ctx, ledger.RequestFilter{Kind: kind, VisibleAt: &now}, cursor, limit)
}

// ListByBuyer lists a buyer's requests in every status, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, statuses []market.RequestStatus, cursor string, limit int) (*Page, error) {
	return s.list(ctx, ledger.RequestFilter{BuyerID: buyerID, Status: statuses}, cursor, limit)
}

func (s *Service) list(ctx context.Context, f ledger.RequestFilter, cursor string, limit int) (*Page, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, market.Invalid("bad cursor")
	}
	if limit <= 0 {
		limit = 50
	}
	f.Cursor = c
	f.Limit = limit + 1
	rows, err := s.store.ListRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(rows, limit, func(r *market.Request) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if items == nil {
		items = []*market.Request{}
	}
	return &Page{Requests: items, NextCursor: next, HasMore: more}, nil
}

func owns(actor market.Actor, r *market.Request) bool {
	return actor.IsAdmin() || (actor.ID != "" && actor.ID == r.BuyerID)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
