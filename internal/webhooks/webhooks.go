// Package webhooks delivers protocol notifications to URLs registered by users.
//
// Each delivery is a signed JSON POST. Receivers verify the
// X-AgroLink-Signature header, which is HMAC-SHA256(body, secret) in hex.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/agrolink/rfq/internal/metrics"
	"github.com/agrolink/rfq/internal/notify"
	"github.com/agrolink/rfq/internal/retry"
	"github.com/agrolink/rfq/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = fmt.Errorf("webhook subscription %w", market.ErrNotFound)

const (
	headerEvent     = "X-AgroLink-Event"
	headerTimestamp = "X-AgroLink-Timestamp"
	headerSignature = "X-AgroLink-Signature"
)

// Subscription is a user's registered endpoint. An empty Events list
// receives every event addressed to the user.
type Subscription struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"userId"`
	URL                 string         `json:"url"`
	Secret              string         `json:"-"`
	Events              []notify.Event `json:"events"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"createdAt"`
	LastSuccess         *time.Time     `json:"lastSuccess,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive event.
func (s *Subscription) Wants(event notify.Event) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher posts notifications to subscribed endpoints. It is a notify.Sink,
// so it runs on the notification worker pool and may block while retrying.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	attempts     int
	backoff      time.Duration
	maxFailures  int
}

var _ notify.Sink = (*Dispatcher)(nil)

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		attempts:     3,
		backoff:      500 * time.Millisecond,
		maxFailures:  10,
	}
}

// WithRetry overrides the per-delivery attempt count and base backoff.
func (d *Dispatcher) WithRetry(attempts int, backoff time.Duration) *Dispatcher {
	d.attempts = attempts
	d.backoff = backoff
	return d
}

// WithMaxFailures sets how many consecutive failed deliveries disable a
// subscription. Zero never disables.
func (d *Dispatcher) WithMaxFailures(n int) *Dispatcher {
	d.maxFailures = n
	return d
}

func (d *Dispatcher) Name() string { return "webhook" }

// Send delivers msg to every active subscription of its recipient.
func (d *Dispatcher) Send(ctx context.Context, msg notify.Message) error {
	subs, err := d.store.ListByUser(ctx, msg.Recipient)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var targets []*Subscription
	for _, sub := range subs {
		if sub.Wants(msg.Event) {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := d.deliver(ctx, sub, msg, body); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, msg notify.Message, body []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.recordFailure(ctx, sub, "blocked: "+err.Error())
		return err
	}

	err := retry.Do(ctx, d.attempts, d.backoff, func() error {
		return d.post(ctx, sub, msg, body)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, msg notify.Message, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, string(msg.Event))
	req.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(headerSignature, Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	next := *sub
	next.LastSuccess = &now
	next.LastError = ""
	next.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, &next); err != nil {
		d.logger.Warn("failed to record webhook success", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, reason string) {
	next := *sub
	next.LastError = reason
	next.ConsecutiveFailures++
	if d.maxFailures > 0 && next.ConsecutiveFailures >= d.maxFailures {
		next.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook", sub.ID, "user", sub.UserID, "failures", next.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, &next); err != nil {
		d.logger.Warn("failed to record webhook failure", "webhook", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("webhook %s already exists", sub.ID)
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func sortByCreated(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
