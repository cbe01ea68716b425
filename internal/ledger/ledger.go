// Package ledger persists conversations, escalation tickets and outcomes with GORM.
// A Ledger implements collections.ConversationLog, collections.TicketQueue and
// collections.OutcomeRecorder.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"creditcontrol/internal/collections"
	"creditcontrol/internal/models"
)

type Ledger struct {
	db *gorm.DB
}

// New creates a Ledger. The models must already be migrated.
func New(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil")
	}
	return &Ledger{db: db}, nil
}

func notFound(what, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, collections.ErrNotFound)
	}
	return fmt.Errorf("error querying %s %s: %w", what, id, err)
}

// Open returns the active conversation of the invoice, creating one when none exists.
func (l *Ledger) Open(ctx context.Context, invoiceID string) (string, error) {
	var conv models.Conversation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("invoice_id = ? AND active = ?", invoiceID, true).First(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		conv = models.Conversation{
			ID:        uuid.NewString(),
			InvoiceID: invoiceID,
			Active:    true,
			OpenedAt:  time.Now().UTC(),
		}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		log.Debug().Str("invoiceID", invoiceID).Str("conversationID", conv.ID).Msg("Conversation opened")
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("invoiceID", invoiceID).Msg("Failed to open conversation")
		return "", fmt.Errorf("open conversation for %s: %w", invoiceID, err)
	}
	return conv.ID, nil
}

// Close deactivates the invoice's active conversation. Messages are kept.
func (l *Ledger) Close(ctx context.Context, invoiceID string) error {
	now := time.Now().UTC()
	err := l.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("invoice_id = ? AND active = ?", invoiceID, true).
		Updates(map[string]interface{}{"active": false, "closed_at": now}).Error
	if err != nil {
		return fmt.Errorf("close conversation for %s: %w", invoiceID, err)
	}
	return nil
}

// Append adds msg at the end of the conversation. A message whose ExternalID was
// already stored is rejected with collections.ErrDuplicate.
func (l *Ledger) Append(ctx context.Context, conversationID string, msg collections.Message) (collections.Message, error) {
	row := messageRow(msg)
	row.ID = uuid.NewString()
	row.ConversationID = conversationID
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, "id = ?", conversationID).Error; err != nil {
			return notFound("conversation", conversationID, err)
		}
		if row.ExternalID != nil {
			var n int64
			if err := tx.Model(&models.ConversationMessage{}).Where("external_id = ?", *row.ExternalID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return collections.ErrDuplicate
			}
		}
		var last struct{ Seq int }
		if err := tx.Model(&models.ConversationMessage{}).
			Select("COALESCE(MAX(seq), 0) AS seq").
			Where("conversation_id = ?", conversationID).
			Scan(&last).Error; err != nil {
			return err
		}
		row.Seq = last.Seq + 1
		return tx.Create(&row).Error
	})
	if errors.Is(err, collections.ErrDuplicate) {
		return collections.Message{}, fmt.Errorf("message %s: %w", *row.ExternalID, collections.ErrDuplicate)
	}
	if err != nil {
		return collections.Message{}, fmt.Errorf("append message to %s: %w", conversationID, err)
	}
	return toMessage(row), nil
}

func (l *Ledger) Messages(ctx context.Context, conversationID string) ([]collections.Message, error) {
	var rows []models.ConversationMessage
	if err := l.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", conversationID, err)
	}
	out := make([]collections.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMessage(r))
	}
	return out, nil
}

// AttachClassification stores the generator's reading of an inbound message.
func (l *Ledger) AttachClassification(ctx context.Context, messageID string, c collections.Classification) error {
	res := l.db.WithContext(ctx).Model(&models.ConversationMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"category":   string(c.Category),
			"confidence": c.Confidence,
			"rationale":  c.Rationale,
		})
	if res.Error != nil {
		return fmt.Errorf("classify message %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message %s: %w", messageID, collections.ErrNotFound)
	}
	return nil
}

func messageRow(m collections.Message) models.ConversationMessage {
	row := models.ConversationMessage{
		Direction: string(m.Direction),
		Sender:    m.Sender,
		Subject:   m.Subject,
		Body:      m.Body,
		Timestamp: m.Timestamp.UTC(),
	}
	if m.ExternalID != "" {
		ext := m.ExternalID
		row.ExternalID = &ext
	}
	if m.Classification != nil {
		conf := m.Classification.Confidence
		row.Category = string(m.Classification.Category)
		row.Confidence = &conf
		row.Rationale = m.Classification.Rationale
	}
	return row
}

func toMessage(r models.ConversationMessage) collections.Message {
	m := collections.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Seq:            r.Seq,
		Direction:      collections.Direction(r.Direction),
		Sender:         r.Sender,
		Subject:        r.Subject,
		Body:           r.Body,
		Timestamp:      r.Timestamp.UTC(),
	}
	if r.ExternalID != nil {
		m.ExternalID = *r.ExternalID
	}
	if r.Category != "" {
		c := collections.Classification{Category: collections.Category(r.Category), Rationale: r.Rationale}
		if r.Confidence != nil {
			c.Confidence = *r.Confidence
		}
		m.Classification = &c
	}
	return m
}
