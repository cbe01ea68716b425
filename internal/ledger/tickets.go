package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
	"creditcontrol/internal/models"
)

func (l *Ledger) OpenTicket(ctx context.Context, t collections.EscalationTicket) (collections.EscalationTicket, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = collections.TicketOpen
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	row := ticketRow(t)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Error().Err(err).Str("invoiceID", t.InvoiceID).Str("rule", string(t.Rule)).Msg("Failed to open escalation ticket")
		return collections.EscalationTicket{}, fmt.Errorf("open ticket: %w", err)
	}
	log.Info().Str("ticketID", t.ID).Str("invoiceID", t.InvoiceID).Str("rule", string(t.Rule)).Msg("Escalation ticket opened")
	return t, nil
}

func (l *Ledger) GetTicket(ctx context.Context, id string) (collections.EscalationTicket, error) {
	var row models.EscalationTicket
	if err := l.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return collections.EscalationTicket{}, notFound("ticket", id, err)
	}
	return toTicket(row), nil
}

func (l *Ledger) CloseTicket(ctx context.Context, id, resolution, closedBy string, at time.Time) (collections.EscalationTicket, error) {
	at = at.UTC()
	res := l.db.WithContext(ctx).Model(&models.EscalationTicket{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     string(collections.TicketClosed),
			"resolution": resolution,
			"closed_by":  closedBy,
			"closed_at":  at,
		})
	if res.Error != nil {
		return collections.EscalationTicket{}, fmt.Errorf("close ticket %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return collections.EscalationTicket{}, fmt.Errorf("ticket %s: %w", id, collections.ErrNotFound)
	}
	return l.GetTicket(ctx, id)
}

// ListTickets returns tickets newest first. An empty status lists all of them.
func (l *Ledger) ListTickets(ctx context.Context, status collections.TicketStatus, limit int) ([]collections.EscalationTicket, error) {
	q := l.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.EscalationTicket
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	out := make([]collections.EscalationTicket, 0, len(rows))
	for _, r := range rows {
		out = append(out, toTicket(r))
	}
	return out, nil
}

func ticketRow(t collections.EscalationTicket) models.EscalationTicket {
	return models.EscalationTicket{
		ID:         t.ID,
		InvoiceID:  t.InvoiceID,
		MessageID:  t.MessageID,
		Rule:       string(t.Rule),
		Reason:     t.Reason,
		Sender:     t.Sender,
		Subject:    t.Subject,
		Body:       t.Body,
		Status:     string(t.Status),
		Resolution: t.Resolution,
		ClosedBy:   t.ClosedBy,
		ClosedAt:   t.ClosedAt,
		CreatedAt:  t.CreatedAt.UTC(),
	}
}

func toTicket(r models.EscalationTicket) collections.EscalationTicket {
	t := collections.EscalationTicket{
		ID:         r.ID,
		InvoiceID:  r.InvoiceID,
		MessageID:  r.MessageID,
		Rule:       collections.Rule(r.Rule),
		Reason:     r.Reason,
		Sender:     r.Sender,
		Subject:    r.Subject,
		Body:       r.Body,
		Status:     collections.TicketStatus(r.Status),
		Resolution: r.Resolution,
		ClosedBy:   r.ClosedBy,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.ClosedAt != nil {
		at := r.ClosedAt.UTC()
		t.ClosedAt = &at
	}
	return t
}
