// Package collections runs the per-invoice collections workflow: reminders,
// reply correlation, classification and the escalation policy.
package collections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Config holds the deployment policy of the engine.
type Config struct {
	ReminderCooldown    time.Duration
	MaxReminders        int // 0 means unlimited
	ConfidenceThreshold float64
	DenyList            []string

	SendTimeout     time.Duration
	FetchTimeout    time.Duration
	GenerateTimeout time.Duration

	ReminderSubject string
	CompanyName     string
	ContactCacheTTL time.Duration
}

// Deps are the collaborators of the engine. Composer, Locker and Clock are optional.
type Deps struct {
	Invoices      InvoiceStore
	Transport     MessageTransport
	Generator     ResponseGenerator
	Conversations ConversationLog
	Tickets       TicketQueue
	Outcomes      OutcomeRecorder
	Composer      ReminderComposer
	Locker        Locker
	Clock         func() time.Time
}

// Engine owns the invoice state machine. It is the only writer of invoice status.
type Engine struct {
	cfg    Config
	policy *Policy

	invoices      InvoiceStore
	transport     MessageTransport
	generator     ResponseGenerator
	conversations ConversationLog
	tickets       TicketQueue
	outcomes      OutcomeRecorder
	composer      ReminderComposer
	locker        Locker
	clock         func() time.Time

	contacts *cache.Cache
}

// RunReport summarises one pass. Failures never stop a pass; they are collected here.
type RunReport struct {
	Scanned       int      `json:"scanned"`
	Reminded      []string `json:"reminded,omitempty"`
	AutoResponded []string `json:"auto_responded,omitempty"`
	Escalated     []string `json:"escalated,omitempty"`
	HumanReview   int      `json:"human_review"`
	Duplicates    int      `json:"duplicates"`
	Failures      []error  `json:"-"`
	Aborted       bool     `json:"aborted"`
}

func (r *RunReport) failed(err error) {
	r.Failures = append(r.Failures, err)
}

// New creates an engine. Every collaborator except Composer, Locker and Clock is required.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Invoices == nil:
		return nil, fmt.Errorf("invoice store cannot be nil")
	case deps.Transport == nil:
		return nil, fmt.Errorf("message transport cannot be nil")
	case deps.Generator == nil:
		return nil, fmt.Errorf("response generator cannot be nil")
	case deps.Conversations == nil:
		return nil, fmt.Errorf("conversation log cannot be nil")
	case deps.Tickets == nil:
		return nil, fmt.Errorf("ticket queue cannot be nil")
	case deps.Outcomes == nil:
		return nil, fmt.Errorf("outcome recorder cannot be nil")
	}
	if cfg.ReminderCooldown <= 0 {
		return nil, fmt.Errorf("reminder cooldown must be positive")
	}
	if cfg.SendTimeout <= 0 || cfg.FetchTimeout <= 0 || cfg.GenerateTimeout <= 0 {
		return nil, fmt.Errorf("send, fetch and generate timeouts must be positive")
	}

	policy, err := NewPolicy(cfg.ConfidenceThreshold, cfg.DenyList)
	if err != nil {
		return nil, err
	}

	if cfg.ReminderSubject == "" {
		cfg.ReminderSubject = "Payment Reminder"
	}
	if cfg.ContactCacheTTL <= 0 {
		cfg.ContactCacheTTL = 5 * time.Minute
	}

	e := &Engine{
		cfg:           cfg,
		policy:        policy,
		invoices:      deps.Invoices,
		transport:     deps.Transport,
		generator:     deps.Generator,
		conversations: deps.Conversations,
		tickets:       deps.Tickets,
		outcomes:      deps.Outcomes,
		composer:      deps.Composer,
		locker:        deps.Locker,
		clock:         deps.Clock,
		contacts:      cache.New(cfg.ContactCacheTTL, 2*cfg.ContactCacheTTL),
	}
	if e.composer == nil {
		e.composer = NewTemplateComposer(cfg.CompanyName)
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.clock == nil {
		e.clock = time.Now
	}

	log.Info().
		Dur("cooldown", cfg.ReminderCooldown).
		Float64("threshold", policy.Threshold()).
		Strs("denyList", cfg.DenyList).
		Msg("Collections engine initialized")
	return e, nil
}

// Policy exposes the escalation policy in use.
func (e *Engine) Policy() *Policy { return e.policy }

func (e *Engine) now() time.Time { return e.clock().UTC() }

// record persists an outcome. Recorder errors are logged, never returned: the
// transition it describes already happened.
func (e *Engine) record(ctx context.Context, o Outcome) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = e.now()
	}
	if err := e.outcomes.Record(ctx, o); err != nil {
		log.Error().Err(err).
			Str("invoiceID", o.InvoiceID).
			Str("action", string(o.Action)).
			Str("rule", string(o.Rule)).
			Msg("Failed to record outcome")
	}
}

func (e *Engine) transcript(ctx context.Context, conversationID string) []Message {
	msgs, err := e.conversations.Messages(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversationID", conversationID).Msg("Could not load transcript for outcome")
		return nil
	}
	return msgs
}

// CloseTicket closes an escalation on behalf of a human. An ESCALATED invoice
// referenced by the ticket becomes RESOLVED.
func (e *Engine) CloseTicket(ctx context.Context, ticketID, resolution, closedBy string) (EscalationTicket, error) {
	t, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return EscalationTicket{}, err
	}
	if t.Status == TicketClosed {
		return t, fmt.Errorf("ticket %s: %w", ticketID, ErrTicketClosed)
	}

	outcome := Outcome{
		InvoiceID: t.InvoiceID,
		Action:    ActionHumanResolved,
		Rule:      RuleHumanClosed,
		TicketID:  t.ID,
		Detail:    resolution,
	}

	if t.InvoiceID != "" {
		unlock, err := e.locker.Lock(ctx, t.InvoiceID)
		if err != nil {
			return EscalationTicket{}, err
		}
		defer unlock()

		inv, err := e.invoices.Get(ctx, t.InvoiceID)
		if err != nil {
			return EscalationTicket{}, err
		}
		outcome.FromStatus, outcome.ToStatus = inv.Status, inv.Status
		if inv.Status == StatusEscalated {
			if err := e.invoices.UpdateStatus(ctx, inv.ID, StatusResolved, StatusMeta{Note: "closed by " + closedBy}); err != nil {
				return EscalationTicket{}, fmt.Errorf("resolve invoice %s: %w", inv.ID, err)
			}
			outcome.ToStatus = StatusResolved
			if convID, err := e.conversations.Open(ctx, inv.ID); err == nil {
				outcome.Transcript = e.transcript(ctx, convID)
			}
		}
	}

	closed, err := e.tickets.CloseTicket(ctx, ticketID, resolution, closedBy, e.now())
	if err != nil {
		return EscalationTicket{}, err
	}
	e.record(ctx, outcome)

	log.Info().Str("ticketID", ticketID).Str("invoiceID", t.InvoiceID).Str("closedBy", closedBy).Msg("Escalation ticket closed")
	return closed, nil
}

// Reset is the explicit external reset that returns a RESOLVED or ESCALATED
// invoice to PENDING. The reminder count is kept.
func (e *Engine) Reset(ctx context.Context, invoiceID, reason string) (Invoice, error) {
	unlock, err := e.locker.Lock(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	defer unlock()

	inv, err := e.invoices.Get(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if !CanReset(inv.Status, StatusPending) {
		return inv, fail(ErrPolicyViolation, invoiceID, fmt.Errorf("cannot reset invoice in status %s", inv.Status))
	}
	if err := e.conversations.Close(ctx, invoiceID); err != nil {
		return inv, fmt.Errorf("close conversation of %s: %w", invoiceID, err)
	}
	if err := e.invoices.UpdateStatus(ctx, invoiceID, StatusPending, StatusMeta{Note: reason}); err != nil {
		return inv, fmt.Errorf("reset invoice %s: %w", invoiceID, err)
	}

	e.record(ctx, Outcome{
		InvoiceID:  invoiceID,
		Action:     ActionReset,
		Rule:       RuleExternalReset,
		FromStatus: inv.Status,
		ToStatus:   StatusPending,
		Detail:     reason,
	})
	e.contacts.Delete(normalizeAddress(inv.Contact))

	from := inv.Status
	inv.Status = StatusPending
	log.Info().Str("invoiceID", invoiceID).Str("from", string(from)).Str("reason", reason).Msg("Invoice reset to PENDING")
	return inv, nil
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// isCancelled reports whether a pass should stop before the next invoice.
func isCancelled(ctx context.Context, report *RunReport) error {
	if err := ctx.Err(); err != nil {
		report.Aborted = true
		return err
	}
	return nil
}

var errEmptyDraft = errors.New("generator returned an empty draft")
