package collections

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memInvoices struct {
	mu     sync.Mutex
	byID   map[string]Invoice
	writes []Status
	// failOn makes UpdateStatus fail for the given target status.
	failOn map[Status]error
}

func newMemInvoices(invs ...Invoice) *memInvoices {
	m := &memInvoices{byID: make(map[string]Invoice)}
	for _, inv := range invs {
		m.byID[inv.ID] = inv
	}
	return m
}

func (m *memInvoices) GetDue(_ context.Context, now time.Time) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.byID {
		if (inv.Status == StatusPending || inv.Status == StatusReminded) && inv.DueDate.Before(now) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memInvoices) Get(_ context.Context, id string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byID[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (m *memInvoices) FindByContact(_ context.Context, addr string) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.byID {
		if strings.EqualFold(inv.Contact, addr) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memInvoices) ListByStatus(_ context.Context, status Status) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.byID {
		if inv.Status == status {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memInvoices) UpdateStatus(_ context.Context, id string, status Status, meta StatusMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[status]; err != nil {
		return err
	}
	inv, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	if meta.LastRemindedAt != nil {
		t := *meta.LastRemindedAt
		inv.LastRemindedAt = &t
	}
	if meta.ReminderCount > inv.ReminderCount {
		inv.ReminderCount = meta.ReminderCount
	}
	m.byID[id] = inv
	m.writes = append(m.writes, status)
	return nil
}

func (m *memInvoices) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Status
}

type sentMessage struct {
	To, Subject, Body string
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	sendErr  error
	inbox    []RawMessage
	fetchErr error
	onSend   func()
	// hang makes Send wait for its context to end.
	hang     bool
}

func (f *fakeTransport) Send(ctx context.Context, to, subject, body string) error {
	if f.onSend != nil {
		f.onSend()
	}
	if f.hang {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeTransport) FetchNew(context.Context) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := f.inbox
	f.inbox = nil
	return out, nil
}

func (f *fakeTransport) Requeue(msgs []RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(append([]RawMessage(nil), msgs...), f.inbox...)
}

func (f *fakeTransport) deliver(msgs ...RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, msgs...)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGenerator struct {
	cls    Classification
	draft  string
	err    error
	calls  int
	seen   []ConversationContext
	onCall func(call int)
	// hang makes ClassifyAndDraft wait for its context to end.
	hang   bool
}

func (g *fakeGenerator) ClassifyAndDraft(ctx context.Context, conv ConversationContext) (Classification, string, error) {
	g.calls++
	g.seen = append(g.seen, conv)
	if g.onCall != nil {
		g.onCall(g.calls)
	}
	if g.hang {
		<-ctx.Done()
		return Classification{}, "", ctx.Err()
	}
	return g.cls, g.draft, g.err
}

type memConversations struct {
	mu       sync.Mutex
	active   map[string]string
	messages map[string][]Message
	external map[string]bool
}

func newMemConversations() *memConversations {
	return &memConversations{
		active:   make(map[string]string),
		messages: make(map[string][]Message),
		external: make(map[string]bool),
	}
}

func (c *memConversations) Open(_ context.Context, invoiceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.active[invoiceID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	c.active[invoiceID] = id
	return id, nil
}

func (c *memConversations) Append(_ context.Context, convID string, msg Message) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ExternalID != "" {
		if c.external[msg.ExternalID] {
			return Message{}, ErrDuplicate
		}
		c.external[msg.ExternalID] = true
	}
	msg.ID = uuid.NewString()
	msg.ConversationID = convID
	msg.Seq = len(c.messages[convID]) + 1
	c.messages[convID] = append(c.messages[convID], msg)
	return msg, nil
}

func (c *memConversations) Messages(_ context.Context, convID string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages[convID]...), nil
}

func (c *memConversations) AttachClassification(_ context.Context, messageID string, cls Classification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for convID, msgs := range c.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				cl := cls
				c.messages[convID][i].Classification = &cl
				return nil
			}
		}
	}
	return ErrNotFound
}

func (c *memConversations) Close(_ context.Context, invoiceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, invoiceID)
	return nil
}

func (c *memConversations) forInvoice(invoiceID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages[c.active[invoiceID]]...)
}

type memTickets struct {
	mu      sync.Mutex
	tickets []EscalationTicket
}

func (q *memTickets) OpenTicket(_ context.Context, t EscalationTicket) (EscalationTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.ID = uuid.NewString()
	q.tickets = append(q.tickets, t)
	return t, nil
}

func (q *memTickets) GetTicket(_ context.Context, id string) (EscalationTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tickets {
		if t.ID == id {
			return t, nil
		}
	}
	return EscalationTicket{}, ErrNotFound
}

func (q *memTickets) CloseTicket(_ context.Context, id, resolution, closedBy string, at time.Time) (EscalationTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tickets {
		if t.ID == id {
			t.Status = TicketClosed
			t.Resolution = resolution
			t.ClosedBy = closedBy
			t.ClosedAt = &at
			q.tickets[i] = t
			return t, nil
		}
	}
	return EscalationTicket{}, ErrNotFound
}

type memOutcomes struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (r *memOutcomes) Record(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memOutcomes) withAction(a Action) []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outcome
	for _, o := range r.outcomes {
		if o.Action == a {
			out = append(out, o)
		}
	}
	return out
}

type harness struct {
	engine        *Engine
	invoices      *memInvoices
	transport     *fakeTransport
	generator     *fakeGenerator
	conversations *memConversations
	tickets       *memTickets
	outcomes      *memOutcomes
	now           time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		ReminderCooldown:    72 * time.Hour,
		ConfidenceThreshold: 0.75,
		DenyList:            []string{"dispute", "legal_threat", "payment_confirmation", "unclear"},
		SendTimeout:         time.Second,
		FetchTimeout:        time.Second,
		GenerateTimeout:     time.Second,
		CompanyName:         "Acme Ltd",
	}
}

func newHarness(t *testing.T, invs ...Invoice) *harness {
	return newHarnessWithConfig(t, testConfig(), invs...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, invs ...Invoice) *harness {
	t.Helper()
	h := &harness{
		invoices:      newMemInvoices(invs...),
		transport:     &fakeTransport{},
		generator:     &fakeGenerator{},
		conversations: newMemConversations(),
		tickets:       &memTickets{},
		outcomes:      &memOutcomes{},
		now:           testNow,
	}
	e, err := New(cfg, Deps{
		Invoices:      h.invoices,
		Transport:     h.transport,
		Generator:     h.generator,
		Conversations: h.conversations,
		Tickets:       h.tickets,
		Outcomes:      h.outcomes,
		Clock:         func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func overdueInvoice(id, contact string, daysOverdue int) Invoice {
	return Invoice{
		ID:         id,
		ClientName: "Client " + id,
		Contact:    contact,
		Amount:     1250,
		Currency:   "USD",
		DueDate:    testNow.AddDate(0, 0, -daysOverdue),
		Status:     StatusPending,
	}
}

var errBoom = errors.New("boom")
