package collections

import (
	"context"
	"time"
)

// InvoiceStore holds invoice records. Only the engine calls UpdateStatus.
type InvoiceStore interface {
	// GetDue returns invoices with a due date before now whose status still allows reminders.
	GetDue(ctx context.Context, now time.Time) ([]Invoice, error)
	Get(ctx context.Context, id string) (Invoice, error)
	// FindByContact returns invoices whose client contact matches addr, case-insensitively.
	FindByContact(ctx context.Context, addr string) ([]Invoice, error)
	ListByStatus(ctx context.Context, status Status) ([]Invoice, error)
	UpdateStatus(ctx context.Context, id string, status Status, meta StatusMeta) error
}

// MessageTransport sends outbound messages and fetches inbound replies.
type MessageTransport interface {
	Send(ctx context.Context, to, subject, body string) error
	FetchNew(ctx context.Context) ([]RawMessage, error)
}

// Requeuer is implemented by transports that can take back fetched messages
// a reply pass did not get to. The next FetchNew returns them first.
type Requeuer interface {
	Requeue(msgs []RawMessage)
}

// ResponseGenerator classifies the latest inbound message and drafts a reply.
type ResponseGenerator interface {
	ClassifyAndDraft(ctx context.Context, conv ConversationContext) (Classification, string, error)
}

// ReminderComposer renders the body of a reminder.
type ReminderComposer interface {
	ComposeReminder(ctx context.Context, inv Invoice, attempt int) (string, error)
}

// ConversationLog is the append-only message history, one active conversation per invoice.
type ConversationLog interface {
	// Open returns the active conversation of the invoice, creating one when needed.
	Open(ctx context.Context, invoiceID string) (string, error)
	Append(ctx context.Context, conversationID string, msg Message) (Message, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	AttachClassification(ctx context.Context, messageID string, c Classification) error
	// Close deactivates the active conversation, if any.
	Close(ctx context.Context, invoiceID string) error
}

// TicketQueue is where humans pick up escalations.
type TicketQueue interface {
	OpenTicket(ctx context.Context, t EscalationTicket) (EscalationTicket, error)
	GetTicket(ctx context.Context, id string) (EscalationTicket, error)
	CloseTicket(ctx context.Context, id, resolution, closedBy string, at time.Time) (EscalationTicket, error)
}

// OutcomeRecorder persists audit outcomes. It has no decision logic.
type OutcomeRecorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Locker serialises work on a single invoice.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
