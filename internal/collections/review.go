package collections

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DrainReplies performs one reply pass: it resumes interrupted reviews, then
// fetches new inbound messages and processes them in arrival order.
func (e *Engine) DrainReplies(ctx context.Context) (RunReport, error) {
	var report RunReport

	if err := e.resumeReviews(ctx, &report); err != nil {
		return report, err
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	raws, err := e.transport.FetchNew(fctx)
	cancel()
	if err != nil {
		f := fail(ErrTransport, "", fmt.Errorf("fetch inbound messages: %w", err))
		log.Error().Err(err).Msg("Inbound fetch failed, will retry on next pass")
		e.record(ctx, Outcome{Action: ActionReplyFailed, Rule: RuleTransportFailure, Error: f.Error()})
		report.failed(f)
		return report, f
	}

	sort.SliceStable(raws, func(i, j int) bool {
		return raws[i].ReceivedAt.Before(raws[j].ReceivedAt)
	})
	report.Scanned = len(raws)
	log.Info().Int("messages", len(raws)).Msg("Reply pass started")

	for i, raw := range raws {
		if err := isCancelled(ctx, &report); err != nil {
			e.handBack(raws[i:])
			return report, err
		}
		if err := e.handleReply(ctx, raw, &report); err != nil {
			if ctx.Err() != nil {
				// Interrupted mid-message. If it was already appended the
				// ledger rejects the second copy as a duplicate.
				cerr := isCancelled(ctx, &report)
				e.handBack(raws[i:])
				return report, cerr
			}
			report.failed(err)
		}
	}

	log.Info().
		Int("autoResponded", len(report.AutoResponded)).
		Int("escalated", len(report.Escalated)).
		Int("humanReview", report.HumanReview).
		Int("failures", len(report.Failures)).
		Msg("Reply pass completed")
	return report, nil
}

// handBack returns unprocessed messages to the transport so an aborted pass
// loses nothing that was already fetched.
func (e *Engine) handBack(msgs []RawMessage) {
	if len(msgs) == 0 {
		return
	}
	rq, ok := e.transport.(Requeuer)
	if !ok {
		log.Error().Int("remaining", len(msgs)).Msg("Reply pass aborted, transport cannot take back unprocessed messages")
		return
	}
	rq.Requeue(msgs)
	log.Warn().Int("remaining", len(msgs)).Msg("Reply pass aborted, unprocessed messages requeued")
}

// resumeReviews picks up invoices left in AWAITING_REVIEW by an earlier pass
// that failed to send or was interrupted.
func (e *Engine) resumeReviews(ctx context.Context, report *RunReport) error {
	pending, err := e.invoices.ListByStatus(ctx, StatusAwaitingReview)
	if err != nil {
		return fmt.Errorf("list invoices awaiting review: %w", err)
	}
	for _, inv := range pending {
		if err := isCancelled(ctx, report); err != nil {
			return err
		}
		if err := e.resume(ctx, inv.ID, report); err != nil {
			report.failed(err)
		}
	}
	return nil
}

func (e *Engine) resume(ctx context.Context, invoiceID string, report *RunReport) error {
	unlock, err := e.locker.Lock(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("lock invoice %s: %w", invoiceID, err)
	}
	defer unlock()

	inv, err := e.invoices.Get(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("reload invoice %s: %w", invoiceID, err)
	}
	if inv.Status != StatusAwaitingReview {
		return nil
	}
	convID, err := e.conversations.Open(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("open conversation for %s: %w", inv.ID, err)
	}
	log.Info().Str("invoiceID", inv.ID).Msg("Resuming interrupted review")
	return e.review(ctx, inv, convID, report)
}

func (e *Engine) handleReply(ctx context.Context, raw RawMessage, report *RunReport) error {
	inv, err := e.correlate(ctx, raw)
	if err != nil {
		e.routeUncorrelated(ctx, raw, err, report)
		return err
	}

	id := inv.ID
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock invoice %s: %w", id, err)
	}
	defer unlock()

	inv, err = e.invoices.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload invoice %s: %w", id, err)
	}
	convID, err := e.conversations.Open(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("open conversation for %s: %w", inv.ID, err)
	}

	msg, err := e.conversations.Append(ctx, convID, Message{
		Direction:  DirectionInbound,
		Sender:     SenderAddress(raw.From),
		Subject:    raw.Subject,
		Body:       raw.Body,
		ExternalID: raw.ExternalID,
		Timestamp:  receivedAt(raw, e.now()),
	})
	if errors.Is(err, ErrDuplicate) {
		report.Duplicates++
		log.Debug().Str("invoiceID", inv.ID).Str("externalID", raw.ExternalID).Msg("Duplicate inbound message ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("append inbound message to %s: %w", inv.ID, err)
	}

	if inv.Status.Closed() {
		return e.routeClosed(ctx, inv, msg, report)
	}

	if inv.Status != StatusAwaitingReview {
		if err := checkTransition(inv.ID, inv.Status, StatusAwaitingReview); err != nil {
			return err
		}
		if err := e.invoices.UpdateStatus(ctx, inv.ID, StatusAwaitingReview, StatusMeta{Note: "reply received"}); err != nil {
			return fmt.Errorf("mark invoice %s awaiting review: %w", inv.ID, err)
		}
		inv.Status = StatusAwaitingReview
	}

	log.Info().Str("invoiceID", inv.ID).Str("from", msg.Sender).Msg("Reply correlated, reviewing")
	return e.review(ctx, inv, convID, report)
}

// review classifies the latest inbound message and applies the escalation policy.
// inv must be AWAITING_REVIEW and locked by the caller.
func (e *Engine) review(ctx context.Context, inv Invoice, convID string, report *RunReport) error {
	msgs, err := e.conversations.Messages(ctx, convID)
	if err != nil {
		return fmt.Errorf("load conversation of %s: %w", inv.ID, err)
	}
	conv := ConversationContext{Invoice: inv, Messages: msgs, Company: e.cfg.CompanyName}
	latest, ok := conv.LatestInbound()
	if !ok {
		return fail(ErrPolicyViolation, inv.ID, errors.New("invoice awaiting review without an inbound message"))
	}
	if last := msgs[len(msgs)-1]; last.Direction == DirectionOutbound {
		// The reply to latest already went out; only the status write is missing.
		to := latest.Sender
		if to == "" {
			to = inv.Contact
		}
		log.Info().Str("invoiceID", inv.ID).Msg("Automated reply already sent, resolving without a second send")
		return e.resolveAnswered(ctx, inv, convID, to, "reply sent on an earlier pass", report)
	}

	gctx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	cls, draft, err := e.generator.ClassifyAndDraft(gctx, conv)
	cancel()
	if err == nil && strings.TrimSpace(draft) == "" {
		err = errEmptyDraft
	}
	if err != nil {
		f := fail(ErrGeneration, inv.ID, err)
		log.Warn().Err(err).Str("invoiceID", inv.ID).Msg("Generator failed, escalating")
		if escErr := e.escalate(ctx, inv, latest, convID, RuleGenerationFailure, f.Error(), report); escErr != nil {
			return escErr
		}
		return f
	}

	if err := e.conversations.AttachClassification(ctx, latest.ID, cls); err != nil {
		log.Error().Err(err).Str("invoiceID", inv.ID).Str("messageID", latest.ID).Msg("Could not store classification")
	}

	decision, rule := e.policy.Decide(cls)
	log.Info().
		Str("invoiceID", inv.ID).
		Str("category", string(cls.Category)).
		Float64("confidence", cls.Confidence).
		Str("decision", string(decision)).
		Str("rule", string(rule)).
		Msg("Escalation policy applied")

	switch decision {
	case DecisionEscalate:
		reason := fmt.Sprintf("%s: category=%s confidence=%.2f", rule, cls.Category, cls.Confidence)
		return e.escalate(ctx, inv, latest, convID, rule, reason, report)
	case DecisionAutoRespond:
		return e.autoRespond(ctx, inv, latest, convID, cls, draft, report)
	default:
		return e.violation(ctx, inv, fail(ErrPolicyViolation, inv.ID, fmt.Errorf("unhandled decision %q", decision)))
	}
}

func (e *Engine) autoRespond(ctx context.Context, inv Invoice, latest Message, convID string, cls Classification, draft string, report *RunReport) error {
	if err := e.policy.checkSendable(inv.ID, cls, draft); err != nil {
		return e.violation(ctx, inv, err)
	}
	if err := checkTransition(inv.ID, inv.Status, StatusResolved); err != nil {
		return e.violation(ctx, inv, err)
	}

	to := latest.Sender
	if to == "" {
		to = inv.Contact
	}
	subject := replySubject(latest.Subject, inv.ID)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	err := e.transport.Send(sctx, to, subject, draft)
	cancel()
	if err != nil {
		f := fail(ErrTransport, inv.ID, err)
		log.Error().Err(err).Str("invoiceID", inv.ID).Str("to", to).Msg("Automated reply failed, review will be retried")
		e.record(ctx, Outcome{
			InvoiceID:  inv.ID,
			Action:     ActionReplyFailed,
			Rule:       RuleTransportFailure,
			FromStatus: inv.Status,
			ToStatus:   inv.Status,
			Recipient:  to,
			Error:      f.Error(),
		})
		return f
	}

	if _, err := e.conversations.Append(ctx, convID, Message{
		Direction: DirectionOutbound,
		Subject:   subject,
		Body:      draft,
		Timestamp: e.now(),
	}); err != nil {
		log.Error().Err(err).Str("invoiceID", inv.ID).Msg("Automated reply sent but could not be appended to the conversation")
	}
	return e.resolveAnswered(ctx, inv, convID, to, fmt.Sprintf("category=%s confidence=%.2f", cls.Category, cls.Confidence), report)
}

// resolveAnswered moves an invoice whose automated reply has left to RESOLVED.
// When the status write fails the invoice stays AWAITING_REVIEW and the next
// pass finishes the job without sending again.
func (e *Engine) resolveAnswered(ctx context.Context, inv Invoice, convID, to, detail string, report *RunReport) error {
	if err := e.invoices.UpdateStatus(ctx, inv.ID, StatusResolved, StatusMeta{Note: string(RuleAutoRespond)}); err != nil {
		err = fmt.Errorf("resolve invoice %s: %w", inv.ID, err)
		log.Error().Err(err).Str("invoiceID", inv.ID).Str("to", to).Msg("Automated reply sent but invoice status not updated")
		e.record(ctx, Outcome{
			InvoiceID:  inv.ID,
			Action:     ActionReplyFailed,
			Rule:       RuleStatusWrite,
			FromStatus: inv.Status,
			ToStatus:   inv.Status,
			Recipient:  to,
			Detail:     "automated reply was sent but the invoice was not resolved",
			Error:      err.Error(),
		})
		return err
	}

	e.record(ctx, Outcome{
		InvoiceID:  inv.ID,
		Action:     ActionAutoResponded,
		Rule:       RuleAutoRespond,
		FromStatus: inv.Status,
		ToStatus:   StatusResolved,
		Recipient:  to,
		Detail:     detail,
		Transcript: e.transcript(ctx, convID),
	})
	report.AutoResponded = append(report.AutoResponded, inv.ID)
	log.Info().Str("invoiceID", inv.ID).Str("to", to).Msg("Automated reply sent, invoice resolved")
	return nil
}

// escalate opens a ticket and moves the invoice to ESCALATED. Nothing is sent to the client.
func (e *Engine) escalate(ctx context.Context, inv Invoice, latest Message, convID string, rule Rule, reason string, report *RunReport) error {
	if err := checkTransition(inv.ID, inv.Status, StatusEscalated); err != nil {
		return e.violation(ctx, inv, err)
	}

	ticket, err := e.tickets.OpenTicket(ctx, EscalationTicket{
		InvoiceID: inv.ID,
		MessageID: latest.ID,
		Rule:      rule,
		Reason:    reason,
		Sender:    latest.Sender,
		Subject:   latest.Subject,
		Body:      latest.Body,
		Status:    TicketOpen,
		CreatedAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("open escalation ticket for %s: %w", inv.ID, err)
	}
	if err := e.invoices.UpdateStatus(ctx, inv.ID, StatusEscalated, StatusMeta{Note: string(rule)}); err != nil {
		return fmt.Errorf("escalate invoice %s: %w", inv.ID, err)
	}

	e.record(ctx, Outcome{
		InvoiceID:  inv.ID,
		Action:     ActionEscalated,
		Rule:       rule,
		FromStatus: inv.Status,
		ToStatus:   StatusEscalated,
		TicketID:   ticket.ID,
		Detail:     reason,
		Transcript: e.transcript(ctx, convID),
	})
	report.Escalated = append(report.Escalated, inv.ID)
	log.Warn().Str("invoiceID", inv.ID).Str("ticketID", ticket.ID).Str("rule", string(rule)).Msg("Invoice escalated to human review")
	return nil
}

// routeClosed hands a reply on a RESOLVED or ESCALATED invoice to a human without touching its status.
func (e *Engine) routeClosed(ctx context.Context, inv Invoice, msg Message, report *RunReport) error {
	ticket, err := e.tickets.OpenTicket(ctx, EscalationTicket{
		InvoiceID: inv.ID,
		MessageID: msg.ID,
		Rule:      RuleClosedInvoice,
		Reason:    fmt.Sprintf("reply received while invoice is %s", inv.Status),
		Sender:    msg.Sender,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Status:    TicketOpen,
		CreatedAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("open ticket for reply on closed invoice %s: %w", inv.ID, err)
	}
	e.record(ctx, Outcome{
		InvoiceID:  inv.ID,
		Action:     ActionHumanReview,
		Rule:       RuleClosedInvoice,
		FromStatus: inv.Status,
		ToStatus:   inv.Status,
		TicketID:   ticket.ID,
		Detail:     ticket.Reason,
	})
	report.HumanReview++
	log.Info().Str("invoiceID", inv.ID).Str("status", string(inv.Status)).Msg("Reply on closed invoice routed to human review")
	return nil
}

// routeUncorrelated never drops a message: it becomes a ticket without an invoice.
func (e *Engine) routeUncorrelated(ctx context.Context, raw RawMessage, cause error, report *RunReport) {
	ticket, err := e.tickets.OpenTicket(ctx, EscalationTicket{
		Rule:      RuleCorrelation,
		Reason:    cause.Error(),
		Sender:    raw.From,
		Subject:   raw.Subject,
		Body:      raw.Body,
		Status:    TicketOpen,
		CreatedAt: e.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("from", raw.From).Msg("Could not open ticket for uncorrelated message")
	}
	e.record(ctx, Outcome{
		Action:    ActionHumanReview,
		Rule:      RuleCorrelation,
		TicketID:  ticket.ID,
		Recipient: raw.From,
		Detail:    raw.Subject,
		Error:     cause.Error(),
	})
	report.HumanReview++
	log.Warn().Str("from", raw.From).Str("subject", raw.Subject).Msg("Inbound message could not be correlated, routed to human review")
}

// violation aborts the invoice's transition. Nothing is sent.
func (e *Engine) violation(ctx context.Context, inv Invoice, err error) error {
	log.Error().Err(err).Str("invoiceID", inv.ID).Str("status", string(inv.Status)).Msg("POLICY VIOLATION: transition aborted, nothing sent")
	e.record(ctx, Outcome{
		InvoiceID:  inv.ID,
		Action:     ActionReplyFailed,
		Rule:       RulePolicyViolation,
		FromStatus: inv.Status,
		ToStatus:   inv.Status,
		Error:      err.Error(),
	})
	return err
}

func receivedAt(raw RawMessage, fallback time.Time) time.Time {
	if raw.ReceivedAt.IsZero() {
		return fallback
	}
	return raw.ReceivedAt.UTC()
}
