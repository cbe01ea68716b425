package collections

import (
	"strings"
	"time"
)

// Status is the collections lifecycle state of an invoice.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusReminded       Status = "REMINDED"
	StatusAwaitingReview Status = "AWAITING_REVIEW"
	StatusResolved       Status = "RESOLVED"
	StatusEscalated      Status = "ESCALATED"
)

// Closed reports whether automated handling of the invoice has ended.
func (s Status) Closed() bool {
	return s == StatusResolved || s == StatusEscalated
}

// Invoice is the engine's view of an invoice record.
type Invoice struct {
	ID             string     `json:"id"`
	ClientName     string     `json:"client_name"`
	Contact        string     `json:"contact"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	DueDate        time.Time  `json:"due_date"`
	Status         Status     `json:"status"`
	ReminderCount  int        `json:"reminder_count"`
	LastRemindedAt *time.Time `json:"last_reminded_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StatusMeta carries the bookkeeping written together with a status change.
// Nil / zero fields leave the stored value untouched.
type StatusMeta struct {
	LastRemindedAt *time.Time
	ReminderCount  int
	Note           string
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message is one entry of a conversation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int             `json:"seq"`
	Direction      Direction       `json:"direction"`
	Sender         string          `json:"sender,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Body           string          `json:"body"`
	ExternalID     string          `json:"external_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Classification *Classification `json:"classification,omitempty"`
}

// Category is the closed set of reply intents the policy understands.
type Category string

const (
	CategoryPromiseToPay        Category = "promise_to_pay"
	CategoryExtensionRequest    Category = "extension_request"
	CategoryQuestion            Category = "question"
	CategoryAcknowledgement     Category = "acknowledgement"
	CategoryPaymentConfirmation Category = "payment_confirmation"
	CategoryDispute             Category = "dispute"
	CategoryLegalThreat         Category = "legal_threat"
	CategoryUnclear             Category = "unclear"
	CategoryUnknown             Category = "unknown"
)

// Categories lists every known category, CategoryUnknown last.
var Categories = []Category{
	CategoryPromiseToPay,
	CategoryExtensionRequest,
	CategoryQuestion,
	CategoryAcknowledgement,
	CategoryPaymentConfirmation,
	CategoryDispute,
	CategoryLegalThreat,
	CategoryUnclear,
	CategoryUnknown,
}

// ParseCategory normalises a free-form label. Anything unrecognised is CategoryUnknown.
func ParseCategory(raw string) Category {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for _, c := range Categories {
		if string(c) == norm {
			return c
		}
	}
	return CategoryUnknown
}

// Classification is the generator's reading of the latest inbound message.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
}

// Decision is the escalation policy output.
type Decision string

const (
	DecisionAutoRespond Decision = "AUTO_RESPOND"
	DecisionEscalate    Decision = "ESCALATE"
)

// Rule names the policy rule or workflow path that produced an outcome.
type Rule string

const (
	RuleReminderDue       Rule = "reminder_due"
	RuleDenyList          Rule = "deny_list"
	RuleLowConfidence     Rule = "low_confidence"
	RuleAutoRespond       Rule = "auto_respond"
	RuleGenerationFailure Rule = "generation_failure"
	RuleCorrelation       Rule = "correlation_failure"
	RuleClosedInvoice     Rule = "reply_on_closed_invoice"
	RuleTransportFailure  Rule = "transport_failure"
	RulePolicyViolation   Rule = "policy_violation"
	RuleHumanClosed       Rule = "human_closed"
	RuleExternalReset     Rule = "external_reset"
	RuleStatusWrite       Rule = "status_write_failure"
)

type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketClosed TicketStatus = "closed"
)

// EscalationTicket hands a case to a human. InvoiceID is empty for
// messages that could not be correlated.
type EscalationTicket struct {
	ID         string       `json:"id"`
	InvoiceID  string       `json:"invoice_id,omitempty"`
	MessageID  string       `json:"message_id,omitempty"`
	Rule       Rule         `json:"rule"`
	Reason     string       `json:"reason"`
	Sender     string       `json:"sender,omitempty"`
	Subject    string       `json:"subject,omitempty"`
	Body       string       `json:"body,omitempty"`
	Status     TicketStatus `json:"status"`
	Resolution string       `json:"resolution,omitempty"`
	ClosedBy   string       `json:"closed_by,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
}

// Action is what an outcome records.
type Action string

const (
	ActionReminderSent   Action = "reminder_sent"
	ActionReminderFailed Action = "reminder_failed"
	ActionAutoResponded  Action = "auto_responded"
	ActionEscalated      Action = "escalated"
	ActionHumanReview    Action = "routed_to_human"
	ActionReplyFailed    Action = "reply_failed"
	ActionHumanResolved  Action = "human_resolved"
	ActionReset          Action = "reset"
)

// Outcome is the audit summary written after every reminder send, terminal
// transition or failure.
type Outcome struct {
	ID         string    `json:"id"`
	InvoiceID  string    `json:"invoice_id,omitempty"`
	Action     Action    `json:"action"`
	Rule       Rule      `json:"rule"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	TicketID   string    `json:"ticket_id,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Transcript is attached to terminal outcomes for archival; it is not persisted with the outcome row.
	Transcript []Message `json:"transcript,omitempty"`
}

// Terminal reports whether the outcome closes the automated loop for an invoice.
func (o Outcome) Terminal() bool {
	return o.ToStatus.Closed() && o.FromStatus != o.ToStatus
}

// NeedsHuman reports whether someone has to act on the outcome.
func (o Outcome) NeedsHuman() bool {
	switch o.Action {
	case ActionEscalated, ActionHumanReview, ActionReminderFailed, ActionReplyFailed:
		return true
	}
	return false
}

// RawMessage is an inbound message as delivered by the transport.
type RawMessage struct {
	ExternalID string    `json:"message_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// ConversationContext is everything the generator sees.
type ConversationContext struct {
	Invoice  Invoice
	Messages []Message
	Company  string
}

// LatestInbound returns the most recent inbound message, if any.
func (c ConversationContext) LatestInbound() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Direction == DirectionInbound {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}
