package models

import (
	"time"
)

// Conversation is the message history of one invoice. Only one row per invoice
// is active; a reset deactivates it and the next interaction opens a new one.
type Conversation struct {
	ID        string     `gorm:"primaryKey;size:36"`
	InvoiceID string     `gorm:"index;not null;comment:Invoice the conversation belongs to"`
	Active    bool       `gorm:"index;not null;default:true"`
	OpenedAt  time.Time  `gorm:"not null"`
	ClosedAt  *time.Time `gorm:"comment:Set when the conversation was closed by a reset"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
}

// ConversationMessage is an append-only entry of a conversation.
type ConversationMessage struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"uniqueIndex:idx_conversation_seq;not null"`
	Seq            int       `gorm:"uniqueIndex:idx_conversation_seq;not null"`
	Direction      string    `gorm:"not null;comment:outbound or inbound"`
	Sender         string    `gorm:"index"`
	Subject        string    `gorm:"type:text"`
	Body           string    `gorm:"type:text"`
	ExternalID     *string   `gorm:"uniqueIndex;comment:Transport message ID, used to drop redeliveries"`
	Timestamp      time.Time `gorm:"index;not null"`

	Category   string   `gorm:"comment:Classification category, empty until reviewed"`
	Confidence *float64 `gorm:"comment:Classification confidence"`
	Rationale  string   `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// EscalationTicket is a case waiting for a human.
type EscalationTicket struct {
	ID         string     `gorm:"primaryKey;size:36"`
	InvoiceID  string     `gorm:"index;comment:Empty when the message could not be correlated"`
	MessageID  string     `gorm:"index"`
	Rule       string     `gorm:"index;not null"`
	Reason     string     `gorm:"type:text"`
	Sender     string
	Subject    string     `gorm:"type:text"`
	Body       string     `gorm:"type:text"`
	Status     string     `gorm:"index;not null;default:open"`
	Resolution string     `gorm:"type:text"`
	ClosedBy   string
	ClosedAt   *time.Time
	CreatedAt  time.Time  `gorm:"index"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
}

// Outcome is one audit record of the collections workflow.
type Outcome struct {
	ID         string    `gorm:"primaryKey;size:36"`
	InvoiceID  string    `gorm:"index"`
	Action     string    `gorm:"index;not null"`
	Rule       string    `gorm:"index"`
	FromStatus string
	ToStatus   string
	TicketID   string
	Recipient  string
	Detail     string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
	Timestamp  time.Time `gorm:"index;not null"`
}

// All lists every ledger model for MigrateDB.
func All() []interface{} {
	return []interface{}{&Conversation{}, &ConversationMessage{}, &EscalationTicket{}, &Outcome{}}
}
