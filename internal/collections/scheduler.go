package collections

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ReminderDue is the scheduling rule: the invoice is overdue, still in the
// reminder phase, and either never reminded or out of its cooldown window.
func ReminderDue(inv Invoice, now time.Time, cooldown time.Duration, maxReminders int) bool {
	if !inv.DueDate.Before(now) {
		return false
	}
	if inv.Status != StatusPending && inv.Status != StatusReminded {
		return false
	}
	if maxReminders > 0 && inv.ReminderCount >= maxReminders {
		return false
	}
	if inv.LastRemindedAt == nil {
		return true
	}
	return now.Sub(*inv.LastRemindedAt) >= cooldown
}

// SelectDue filters a store snapshot down to the invoices needing a reminder,
// oldest due date first.
func SelectDue(invoices []Invoice, now time.Time, cooldown time.Duration, maxReminders int) []Invoice {
	var due []Invoice
	for _, inv := range invoices {
		if ReminderDue(inv, now, cooldown, maxReminders) {
			due = append(due, inv)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].DueDate.Equal(due[j].DueDate) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueDate.Before(due[j].DueDate)
	})
	return due
}

// RunReminders performs one scheduler pass. It returns an error only when the
// pass itself could not run or was cancelled; per-invoice failures are in the report.
func (e *Engine) RunReminders(ctx context.Context) (RunReport, error) {
	var report RunReport
	now := e.now()

	invoices, err := e.invoices.GetDue(ctx, now)
	if err != nil {
		return report, fmt.Errorf("load due invoices: %w", err)
	}
	due := SelectDue(invoices, now, e.cfg.ReminderCooldown, e.cfg.MaxReminders)
	report.Scanned = len(invoices)

	log.Info().Int("scanned", len(invoices)).Int("due", len(due)).Msg("Reminder pass started")

	for _, inv := range due {
		if err := isCancelled(ctx, &report); err != nil {
			log.Warn().Int("reminded", len(report.Reminded)).Msg("Reminder pass aborted")
			return report, err
		}
		sent, err := e.remind(ctx, inv.ID)
		if err != nil {
			report.failed(err)
			continue
		}
		if sent {
			report.Reminded = append(report.Reminded, inv.ID)
		}
	}

	log.Info().
		Int("reminded", len(report.Reminded)).
		Int("failures", len(report.Failures)).
		Msg("Reminder pass completed")
	return report, nil
}

// remind sends one reminder under the invoice lock. The decision is re-checked
// against a fresh record, so a concurrent pass cannot produce a duplicate.
func (e *Engine) remind(ctx context.Context, invoiceID string) (bool, error) {
	unlock, err := e.locker.Lock(ctx, invoiceID)
	if err != nil {
		return false, fmt.Errorf("lock invoice %s: %w", invoiceID, err)
	}
	defer unlock()

	inv, err := e.invoices.Get(ctx, invoiceID)
	if err != nil {
		return false, fmt.Errorf("reload invoice %s: %w", invoiceID, err)
	}
	now := e.now()
	if !ReminderDue(inv, now, e.cfg.ReminderCooldown, e.cfg.MaxReminders) {
		log.Debug().Str("invoiceID", inv.ID).Str("status", string(inv.Status)).Msg("Invoice no longer due for a reminder, skipping")
		return false, nil
	}
	if err := checkTransition(inv.ID, inv.Status, StatusReminded); err != nil {
		return false, err
	}

	attempt := inv.ReminderCount + 1
	body, err := e.composer.ComposeReminder(ctx, inv, attempt)
	if err != nil {
		return false, fmt.Errorf("compose reminder for %s: %w", inv.ID, err)
	}
	subject := withReference(e.cfg.ReminderSubject, inv.ID)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	err = e.transport.Send(sctx, inv.Contact, subject, body)
	cancel()
	if err != nil {
		f := fail(ErrTransport, inv.ID, err)
		log.Error().Err(err).Str("invoiceID", inv.ID).Str("to", inv.Contact).Msg("Reminder send failed, will retry on next pass")
		e.record(ctx, Outcome{
			InvoiceID:  inv.ID,
			Action:     ActionReminderFailed,
			Rule:       RuleTransportFailure,
			FromStatus: inv.Status,
			ToStatus:   inv.Status,
			Recipient:  inv.Contact,
			Error:      f.Error(),
		})
		return false, f
	}

	sentAt := now
	convID, err := e.conversations.Open(ctx, inv.ID)
	if err == nil {
		_, err = e.conversations.Append(ctx, convID, Message{
			Direction: DirectionOutbound,
			Subject:   subject,
			Body:      body,
			Timestamp: sentAt,
		})
	}
	if err != nil {
		log.Error().Err(err).Str("invoiceID", inv.ID).Msg("Reminder sent but could not be appended to the conversation")
	}

	if err := e.invoices.UpdateStatus(ctx, inv.ID, StatusReminded, StatusMeta{
		LastRemindedAt: &sentAt,
		ReminderCount:  attempt,
		Note:           fmt.Sprintf("reminder %d sent", attempt),
	}); err != nil {
		err = fmt.Errorf("mark invoice %s reminded: %w", inv.ID, err)
		log.Error().Err(err).Str("invoiceID", inv.ID).Str("to", inv.Contact).Msg("Reminder sent but invoice status not updated")
		e.record(ctx, Outcome{
			InvoiceID:  inv.ID,
			Action:     ActionReminderFailed,
			Rule:       RuleStatusWrite,
			FromStatus: inv.Status,
			ToStatus:   inv.Status,
			Recipient:  inv.Contact,
			Detail:     fmt.Sprintf("reminder %d was sent but the invoice was not marked reminded", attempt),
			Error:      err.Error(),
		})
		return true, err
	}

	e.record(ctx, Outcome{
		InvoiceID:  inv.ID,
		Action:     ActionReminderSent,
		Rule:       RuleReminderDue,
		FromStatus: inv.Status,
		ToStatus:   StatusReminded,
		Recipient:  inv.Contact,
		Detail:     fmt.Sprintf("reminder %d", attempt),
	})

	log.Info().Str("invoiceID", inv.ID).Str("to", inv.Contact).Int("attempt", attempt).Msg("Reminder sent")
	return true, nil
}
