package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"creditcontrol/internal/collections"
	"creditcontrol/internal/models"
)

// Record persists an outcome. The transcript is not stored here.
func (l *Ledger) Record(ctx context.Context, o collections.Outcome) error {
	row := models.Outcome{
		ID:         o.ID,
		InvoiceID:  o.InvoiceID,
		Action:     string(o.Action),
		Rule:       string(o.Rule),
		FromStatus: string(o.FromStatus),
		ToStatus:   string(o.ToStatus),
		TicketID:   o.TicketID,
		Recipient:  o.Recipient,
		Detail:     o.Detail,
		Error:      o.Error,
		Timestamp:  o.Timestamp.UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record outcome %s: %w", o.Action, err)
	}
	return nil
}

// OutcomeFilter narrows ListOutcomes. Zero values match everything.
type OutcomeFilter struct {
	InvoiceID string
	Action    collections.Action
	Limit     int
}

// ListOutcomes returns outcomes newest first.
func (l *Ledger) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]collections.Outcome, error) {
	q := l.db.WithContext(ctx).Order("timestamp DESC")
	if f.InvoiceID != "" {
		q = q.Where("invoice_id = ?", f.InvoiceID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", string(f.Action))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.Outcome
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	out := make([]collections.Outcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, collections.Outcome{
			ID:         r.ID,
			InvoiceID:  r.InvoiceID,
			Action:     collections.Action(r.Action),
			Rule:       collections.Rule(r.Rule),
			FromStatus: collections.Status(r.FromStatus),
			ToStatus:   collections.Status(r.ToStatus),
			TicketID:   r.TicketID,
			Recipient:  r.Recipient,
			Detail:     r.Detail,
			Error:      r.Error,
			Timestamp:  r.Timestamp.UTC(),
		})
	}
	return out, nil
}
