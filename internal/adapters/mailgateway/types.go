package mailgateway

import (
	"time"

	"creditcontrol/internal/collections"
)

// SendPayload is the body of POST /v1/messages.
type SendPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type SendResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// InboundMessage is one unread mail as listed by GET /v1/inbound.
type InboundMessage struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"` // RFC 5322 Message-ID header
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// ToRaw converts the gateway format; the gateway ID stands in for a missing Message-ID.
func (m InboundMessage) ToRaw() collections.RawMessage {
	ext := m.MessageID
	if ext == "" {
		ext = m.ID
	}
	return collections.RawMessage{
		ExternalID: ext,
		From:       m.From,
		Subject:    m.Subject,
		Body:       m.Text,
		ReceivedAt: m.ReceivedAt,
	}
}

type InboundPage struct {
	Messages []InboundMessage `json:"messages"`
}

type AckPayload struct {
	IDs []string `json:"ids"`
}
