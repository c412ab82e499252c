// Package notify fans protocol events out to users and operators.
//
// Services call Notify after a transition commits. Delivery happens on a
// bounded worker pool; a full queue drops the message and counts it, so a
// slow sink can never stall or fail a state change.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/agrolink/rfq/internal/metrics"
)

// Event names a protocol occurrence.
type Event string

const (
	EventRequestActivated Event = "request.activated"
	EventRequestExpired   Event = "request.expired"
	EventRequestClosed    Event = "request.closed"

	EventOfferSubmitted     Event = "offer.submitted"
	EventOfferAccepted      Event = "offer.accepted_by_buyer"
	EventOfferPaid          Event = "offer.paid"
	EventOfferRejected      Event = "offer.rejected"
	EventOfferConfirmed     Event = "offer.confirmed"
	EventOfferTermsRejected Event = "offer.terms_rejected"
	EventOfferDelivered     Event = "offer.delivered"

	EventOrderCreated        Event = "order.created"
	EventOrderFunded         Event = "order.funded"
	EventOrderCompleted      Event = "order.completed"
	EventOrderReleased       Event = "order.payout_released"
	EventOrderPayoutDeferred Event = "order.payout_deferred"
	EventOrderHalted         Event = "order.payout_halted"
	EventOrderCancelled      Event = "order.cancelled"
	EventOrderItemsCancelled Event = "order.items_cancelled"

	EventDepositCredited Event = "deposit.credited"
)

var known = map[Event]bool{
	EventRequestActivated: true, EventRequestExpired: true, EventRequestClosed: true,
	EventOfferSubmitted: true, EventOfferAccepted: true, EventOfferPaid: true,
	EventOfferRejected: true, EventOfferConfirmed: true, EventOfferTermsRejected: true,
	EventOfferDelivered: true,
	EventOrderCreated: true, EventOrderFunded: true, EventOrderCompleted: true,
	EventOrderReleased: true, EventOrderPayoutDeferred: true, EventOrderHalted: true,
	EventOrderCancelled: true, EventOrderItemsCancelled: true,
	EventDepositCredited: true,
}

// Known reports whether e is an event the protocol emits.
func (e Event) Known() bool { return known[e] }

// Admin is the recipient used for operator alerts.
const Admin = "admin"

// Message is one notification addressed to a single recipient.
type Message struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Event     Event          `json:"event"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, recipient string, event Event, payload map[string]any)
}

// Sink delivers messages to one channel (webhooks, websocket, email).
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, Event, map[string]any) {}

// Dispatcher queues messages and delivers them to every sink.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Message
	workers int
	timeout time.Duration
	logger  *slog.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with the given pool size and queue depth.
func NewDispatcher(logger *slog.Logger, workers, queueSize int, sinks ...Sink) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Message, queueSize),
		workers: workers,
		timeout: 15 * time.Second,
		logger:  logger,
	}
}

// AddSink registers another delivery channel. Call before Start.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Stop closes the queue and waits for queued messages to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

// Notify enqueues a message. It never blocks; when the queue is full or the
// dispatcher is stopped the message is dropped.
func (d *Dispatcher) Notify(_ context.Context, recipient string, event Event, payload map[string]any) {
	if recipient == "" {
		return
	}
	msg := Message{
		ID:        idgen.WithPrefix("evt_"),
		Recipient: recipient,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NotificationsDropped.Inc()
		return
	}
	select {
	case d.queue <- msg:
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping", "event", event, "recipient", recipient)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Send(ctx, msg)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			d.logger.Warn("notification delivery failed",
				"sink", s.Name(), "event", msg.Event, "recipient", msg.Recipient, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// LogSink writes every message to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at Info.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification", "id", msg.ID, "event", msg.Event, "recipient", msg.Recipient)
	return nil
}
