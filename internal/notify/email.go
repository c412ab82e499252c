package notify

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/resend/resend-go/v2"
)

// emailSender is the subset of the Resend client used by EmailSink.
type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailSink mails operator alerts through Resend. Only messages addressed
// to Admin whose event is in the alert set are sent; everything else is
// ignored.
type EmailSink struct {
	emails emailSender
	from   string
	to     string
	alerts map[Event]bool
}

// NewEmailSink creates an alert mailer using a Resend API key.
func NewEmailSink(apiKey, from, to string) *EmailSink {
	return newEmailSink(resend.NewClient(apiKey).Emails, from, to)
}

func newEmailSink(emails emailSender, from, to string) *EmailSink {
	return &EmailSink{
		emails: emails,
		from:   from,
		to:     to,
		alerts: map[Event]bool{
			EventOrderPayoutDeferred: true,
			EventOrderHalted:         true,
		},
	}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, msg Message) error {
	if msg.Recipient != Admin || !s.alerts[msg.Event] || s.to == "" {
		return nil
	}
	_, err := s.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{s.to},
		Subject: alertSubject(msg),
		Html:    alertBody(msg),
		Tags:    []resend.Tag{{Name: "event", Value: strings.ReplaceAll(string(msg.Event), ".", "_")}},
	})
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}

func alertSubject(msg Message) string {
	id, _ := msg.Payload["orderId"].(string)
	switch msg.Event {
	case EventOrderPayoutDeferred:
		return fmt.Sprintf("[AgroLink] Payout deferred for order %s", id)
	case EventOrderHalted:
		return fmt.Sprintf("[AgroLink] Payout halted for order %s", id)
	}
	return "[AgroLink] " + string(msg.Event)
}

func alertBody(msg Message) string {
	keys := make([]string, 0, len(msg.Payload))
	for k := range msg.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Event <strong>%s</strong> at %s</p><ul>",
		html.EscapeString(string(msg.Event)), msg.Timestamp.Format("2006-01-02 15:04:05 MST"))
	for _, k := range keys {
		fmt.Fprintf(&b, "<li>%s: %s</li>", html.EscapeString(k), html.EscapeString(fmt.Sprint(msg.Payload[k])))
	}
	b.WriteString("</ul>")
	return b.String()
}
