package collections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesDependencies(t *testing.T) {
	full := Deps{
		Invoices:      newMemInvoices(),
		Transport:     &fakeTransport{},
		Generator:     &fakeGenerator{},
		Conversations: newMemConversations(),
		Tickets:       &memTickets{},
		Outcomes:      &memOutcomes{},
	}
	_, err := New(testConfig(), full)
	require.NoError(t, err)

	noStore := full
	noStore.Invoices = nil
	_, err = New(testConfig(), noStore)
	assert.ErrorContains(t, err, "invoice store")

	noGen := full
	noGen.Generator = nil
	_, err = New(testConfig(), noGen)
	assert.ErrorContains(t, err, "response generator")

	cfg := testConfig()
	cfg.ReminderCooldown = 0
	_, err = New(cfg, full)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.GenerateTimeout = 0
	_, err = New(cfg, full)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.DenyList = []string{"spam"}
	_, err = New(cfg, full)
	assert.Error(t, err)
}

// An invoice due ten days ago goes through a reminder, a reply and an automated answer.
func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t, overdueInvoice("INV-2041", "ap@northwind.example", 10))
	ctx := context.Background()

	report, err := h.engine.RunReminders(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"INV-2041"}, report.Reminded)
	reminder := h.transport.sent[0]

	h.advance(26 * time.Hour)
	report, err = h.engine.RunReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Reminded, "cooldown blocks a second reminder")

	h.transport.deliver(RawMessage{
		ExternalID: "<abc@northwind.example>",
		From:       "Accounts Payable <AP@northwind.example>",
		Subject:    "Re: " + reminder.Subject,
		Body:       "Apologies for the delay, payment will go out on the 15th.",
		ReceivedAt: h.now,
	})
	h.generator.cls = Classification{Category: CategoryPromiseToPay, Confidence: 0.88}
	h.generator.draft = "Thank you for confirming. We have noted payment for the 15th."

	report, err = h.engine.DrainReplies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-2041"}, report.AutoResponded)
	assert.Empty(t, report.Failures)

	inv, err := h.invoices.Get(ctx, "INV-2041")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, inv.Status)
	assert.Equal(t, 1, inv.ReminderCount)

	require.Equal(t, 2, h.transport.sentCount())
	assert.Equal(t, "ap@northwind.example", h.transport.sent[1].To)

	h.advance(10 * 24 * time.Hour)
	report, err = h.engine.RunReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Reminded, "resolved invoices are never reminded")

	actions := []Action{}
	for _, o := range h.outcomes.outcomes {
		actions = append(actions, o.Action)
	}
	assert.Equal(t, []Action{ActionReminderSent, ActionAutoResponded}, actions)
}

func TestCloseTicketResolvesEscalatedInvoice(t *testing.T) {
	h := remindedHarness(t)
	h.generator.cls = Classification{Category: CategoryLegalThreat, Confidence: 0.95}
	h.generator.draft = "n/a"
	h.transport.deliver(reply("m-1", "My lawyer will be in touch."))
	_, err := h.engine.DrainReplies(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, h.invoices.status("INV-1"))
	ticketID := h.tickets.tickets[0].ID

	closed, err := h.engine.CloseTicket(context.Background(), ticketID, "settled by phone", "maria")
	require.NoError(t, err)

	assert.Equal(t, TicketClosed, closed.Status)
	assert.Equal(t, "maria", closed.ClosedBy)
	assert.Equal(t, StatusResolved, h.invoices.status("INV-1"))

	resolved := h.outcomes.withAction(ActionHumanResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, StatusEscalated, resolved[0].FromStatus)
	assert.Equal(t, StatusResolved, resolved[0].ToStatus)

	_, err = h.engine.CloseTicket(context.Background(), ticketID, "again", "maria")
	assert.Error(t, err)
}

func TestCloseTicketWithoutInvoice(t *testing.T) {
	h := newHarness(t)
	h.transport.deliver(RawMessage{ExternalID: "x", From: "who@example.org", Body: "?"})
	_, err := h.engine.DrainReplies(context.Background())
	require.NoError(t, err)
	require.Len(t, h.tickets.tickets, 1)

	closed, err := h.engine.CloseTicket(context.Background(), h.tickets.tickets[0].ID, "spam", "ops")
	require.NoError(t, err)
	assert.Equal(t, TicketClosed, closed.Status)

	_, err = h.engine.CloseTicket(context.Background(), "missing", "", "ops")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetReturnsInvoiceToPending(t *testing.T) {
	h := remindedHarness(t)
	ctx := context.Background()

	_, err := h.engine.Reset(ctx, "INV-1", "new billing period")
	assert.True(t, errors.Is(err, ErrPolicyViolation), "REMINDED cannot be reset")

	h.generator.cls = Classification{Category: CategoryDispute, Confidence: 0.9}
	h.generator.draft = "n/a"
	h.transport.deliver(reply("m-1", "Wrong amount"))
	_, err = h.engine.DrainReplies(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, h.invoices.status("INV-1"))

	inv, err := h.engine.Reset(ctx, "INV-1", "corrected invoice reissued")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, 1, inv.ReminderCount)
	assert.Equal(t, StatusPending, h.invoices.status("INV-1"))
	assert.Empty(t, h.conversations.forInvoice("INV-1"), "a reset starts a fresh conversation")
	assert.Len(t, h.outcomes.withAction(ActionReset), 1)

	h.advance(72 * time.Hour)
	report, err := h.engine.RunReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-1"}, report.Reminded)
}

func TestRecorderFailureDoesNotBlockWorkflow(t *testing.T) {
	h := newHarness(t, overdueInvoice("INV-1", "ada@example.com", 10))
	h.outcomes.err = errBoom

	report, err := h.engine.RunReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-1"}, report.Reminded)
	assert.Equal(t, StatusReminded, h.invoices.status("INV-1"))
}

func TestConcurrentPassesSendOneReminder(t *testing.T) {
	h := newHarness(t, overdueInvoice("INV-1", "ada@example.com", 10))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.RunReminders(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.transport.sentCount())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "INV-1")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "INV-2")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "INV-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "INV-1")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}
