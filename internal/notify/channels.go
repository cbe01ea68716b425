package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
	"creditcontrol/pkg/httputil"
)

// WebhookChannel posts every event as JSON to a single URL.
type WebhookChannel struct {
	client *resty.Client
	url    string
}

func NewWebhookChannel(url string, timeout time.Duration) (*WebhookChannel, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL cannot be empty")
	}
	return &WebhookChannel{
		client: httputil.NewClient("", httputil.Options{Timeout: timeout}),
		url:    url,
	}, nil
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Accepts(collections.Outcome) bool { return true }

func (w *WebhookChannel) Deliver(ctx context.Context, ev Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Event-Type", string(ev.Type)).
		SetBody(ev).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", w.url).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Notification webhook returned an error")
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// Sender is the outbound half of the message transport.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailChannel mails the escalation address about outcomes that need a person.
type EmailChannel struct {
	sender Sender
	to     string
}

func NewEmailChannel(sender Sender, to string) (*EmailChannel, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if to == "" {
		return nil, fmt.Errorf("escalation address cannot be empty")
	}
	return &EmailChannel{sender: sender, to: to}, nil
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Accepts(o collections.Outcome) bool { return o.NeedsHuman() }

func (e *EmailChannel) Deliver(ctx context.Context, ev Event) error {
	subject, body := escalationNotice(ev.Outcome)
	return e.sender.Send(ctx, e.to, subject, body)
}

func escalationNotice(o collections.Outcome) (string, string) {
	invoice := o.InvoiceID
	if invoice == "" {
		invoice = "unmatched reply"
	}
	subject := fmt.Sprintf("[Collections] %s: %s", o.Action, invoice)

	var b strings.Builder
	fmt.Fprintf(&b, "Invoice: %s\n", invoice)
	fmt.Fprintf(&b, "Action: %s\n", o.Action)
	fmt.Fprintf(&b, "Rule: %s\n", o.Rule)
	if o.FromStatus != "" || o.ToStatus != "" {
		fmt.Fprintf(&b, "Status: %s -> %s\n", o.FromStatus, o.ToStatus)
	}
	if o.TicketID != "" {
		fmt.Fprintf(&b, "Ticket: %s\n", o.TicketID)
	}
	if o.Recipient != "" {
		fmt.Fprintf(&b, "Client: %s\n", o.Recipient)
	}
	if o.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", o.Detail)
	}
	if o.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", o.Error)
	}
	conv := collections.ConversationContext{Messages: o.Transcript}
	if latest, ok := conv.LatestInbound(); ok {
		fmt.Fprintf(&b, "\nLatest message from %s\nSubject: %s\n\n%s\n", latest.Sender, latest.Subject, strings.TrimSpace(latest.Body))
	}
	return subject, b.String()
}

type transcriptArchiver interface {
	ArchiveTranscript(ctx context.Context, o collections.Outcome) (string, error)
}

// ArchiveChannel stores the transcript of every outcome that closes an invoice.
type ArchiveChannel struct {
	archiver transcriptArchiver
}

func NewArchiveChannel(a transcriptArchiver) (*ArchiveChannel, error) {
	if a == nil {
		return nil, fmt.Errorf("archiver cannot be nil")
	}
	return &ArchiveChannel{archiver: a}, nil
}

func (a *ArchiveChannel) Name() string { return "archive" }

func (a *ArchiveChannel) Accepts(o collections.Outcome) bool {
	return o.Terminal() && len(o.Transcript) > 0
}

func (a *ArchiveChannel) Deliver(ctx context.Context, ev Event) error {
	_, err := a.archiver.ArchiveTranscript(ctx, ev.Outcome)
	return err
}
