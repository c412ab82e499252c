package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agrolink/rfq/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu    sync.Mutex
	name  string
	msgs  []Message
	err   error
	block chan struct{}
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, msg Message) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSink) received() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("down")}
	d := NewDispatcher(discard(), 2, 16, a, b)
	d.Start()

	d.Notify(context.Background(), "usr_1", EventOfferSubmitted, map[string]any{"offerId": "ofr_1"})
	d.Notify(context.Background(), "", EventOfferSubmitted, nil)
	d.Stop()

	require.Len(t, a.received(), 1)
	msg := a.received()[0]
	assert.Equal(t, "usr_1", msg.Recipient)
	assert.Equal(t, EventOfferSubmitted, msg.Event)
	assert.Contains(t, msg.ID, "evt_")
	assert.Len(t, b.received(), 1, "a failing sink still receives the message")
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{name: "slow", block: block}
	d := NewDispatcher(discard(), 1, 1, sink)
	d.Start()

	before := testutil.ToFloat64(metrics.NotificationsDropped)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(context.Background(), "usr_1", EventOrderFunded, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(block)
	d.Stop()

	dropped := testutil.ToFloat64(metrics.NotificationsDropped) - before
	assert.GreaterOrEqual(t, dropped, float64(8))
	assert.Equal(t, 10, len(sink.received())+int(dropped))
}

func TestDispatcher_NotifyAfterStop(t *testing.T) {
	d := NewDispatcher(discard(), 1, 4)
	d.Start()
	d.Stop()
	d.Stop()
	assert.NotPanics(t, func() {
		d.Notify(context.Background(), "usr_1", EventOrderFunded, nil)
	})
}

type fakeEmails struct {
	sent []*resend.SendEmailRequest
	err  error
}

func (f *fakeEmails) SendWithContext(_ context.Context, p *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &resend.SendEmailResponse{Id: "em_1"}, nil
}

func TestEmailSink(t *testing.T) {
	fake := &fakeEmails{}
	s := newEmailSink(fake, "alerts@agrolink.ng", "ops@agrolink.ng")

	require.NoError(t, s.Send(context.Background(), Message{
		Recipient: "usr_1", Event: EventOrderPayoutDeferred,
	}))
	require.NoError(t, s.Send(context.Background(), Message{
		Recipient: Admin, Event: EventOrderCompleted,
	}))
	assert.Empty(t, fake.sent, "only admin alerts are mailed")

	require.NoError(t, s.Send(context.Background(), Message{
		Recipient: Admin,
		Event:     EventOrderPayoutDeferred,
		Payload:   map[string]any{"orderId": "ord_9", "amount": "<b>100</b>"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}))
	require.Len(t, fake.sent, 1)
	sent := fake.sent[0]
	assert.Equal(t, []string{"ops@agrolink.ng"}, sent.To)
	assert.Contains(t, sent.Subject, "ord_9")
	assert.Contains(t, sent.Html, "&lt;b&gt;100&lt;/b&gt;")
	assert.Equal(t, "order_payout_deferred", sent.Tags[0].Value)

	fake.err = errors.New("quota")
	err := s.Send(context.Background(), Message{Recipient: Admin, Event: EventOrderHalted})
	assert.ErrorContains(t, err, "quota")
}
