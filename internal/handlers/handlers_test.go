package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcontrol/internal/collections"
	"creditcontrol/internal/inbox"
	"creditcontrol/internal/ledger"
)

type engineStub struct {
	report     collections.RunReport
	runErr     error
	closeErr   error
	resetErr   error
	closedBy   string
	resetCalls []string
}

func (e *engineStub) RunReminders(context.Context) (collections.RunReport, error) {
	return e.report, e.runErr
}

func (e *engineStub) DrainReplies(context.Context) (collections.RunReport, error) {
	return e.report, e.runErr
}

func (e *engineStub) CloseTicket(_ context.Context, id, resolution, closedBy string) (collections.EscalationTicket, error) {
	if e.closeErr != nil {
		return collections.EscalationTicket{}, e.closeErr
	}
	e.closedBy = closedBy
	return collections.EscalationTicket{ID: id, Status: collections.TicketClosed, Resolution: resolution}, nil
}

func (e *engineStub) Reset(_ context.Context, id, reason string) (collections.Invoice, error) {
	if e.resetErr != nil {
		return collections.Invoice{}, e.resetErr
	}
	e.resetCalls = append(e.resetCalls, id+":"+reason)
	return collections.Invoice{ID: id, Status: collections.StatusPending}, nil
}

type auditStub struct {
	filter  ledger.OutcomeFilter
	tickets []collections.EscalationTicket
}

func (a *auditStub) ListOutcomes(_ context.Context, f ledger.OutcomeFilter) ([]collections.Outcome, error) {
	a.filter = f
	return []collections.Outcome{{ID: "o1", InvoiceID: f.InvoiceID, Action: collections.ActionEscalated}}, nil
}

func (a *auditStub) ListTickets(_ context.Context, status collections.TicketStatus, limit int) ([]collections.EscalationTicket, error) {
	return a.tickets, nil
}

func (a *auditStub) GetTicket(_ context.Context, id string) (collections.EscalationTicket, error) {
	for _, t := range a.tickets {
		if t.ID == id {
			return t, nil
		}
	}
	return collections.EscalationTicket{}, fmt.Errorf("ticket %s: %w", id, collections.ErrNotFound)
}

type invoicesStub struct {
	all []collections.Invoice
}

func (i *invoicesStub) List(context.Context) ([]collections.Invoice, error) {
	return append([]collections.Invoice(nil), i.all...), nil
}

func (i *invoicesStub) Get(_ context.Context, id string) (collections.Invoice, error) {
	for _, inv := range i.all {
		if inv.ID == id {
			return inv, nil
		}
	}
	return collections.Invoice{}, fmt.Errorf("invoice %s: %w", id, collections.ErrNotFound)
}

type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testEnv struct {
	engine *engineStub
	audit  *auditStub
	inbox  *inbox.Inbox
	router http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		engine: &engineStub{},
		audit: &auditStub{tickets: []collections.EscalationTicket{
			{ID: "T-1", InvoiceID: "INV-1", Status: collections.TicketOpen},
		}},
		inbox: inbox.New(2, time.Hour),
	}
	invoices := &invoicesStub{all: []collections.Invoice{
		{ID: "INV-1", Status: collections.StatusEscalated},
		{ID: "INV-2", Status: collections.StatusReminded},
	}}
	s, err := NewServer(env.engine, env.audit, invoices, env.inbox, opts)
	require.NoError(t, err)
	env.router = s.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer(nil, &auditStub{}, &invoicesStub{}, inbox.New(1, time.Hour), Options{})
	assert.Error(t, err)
	_, err = NewServer(&engineStub{}, &auditStub{}, &invoicesStub{}, nil, Options{})
	assert.Error(t, err)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, Options{APIToken: "secret"})
	rec, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, "deny", rec.Header().Get("X-Frame-Options"))
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t, Options{APIToken: "secret"})

	rec, _ := env.do(t, http.MethodGet, "/tickets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/tickets", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := env.do(t, http.MethodGet, "/tickets", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var tickets []collections.EscalationTicket
	require.NoError(t, json.Unmarshal(body.Data, &tickets))
	assert.Len(t, tickets, 1)
}

func TestInboundWebhookSignature(t *testing.T) {
	env := newTestEnv(t, Options{WebhookSecret: "hush"})
	payload := `{"id":"g1","message_id":"<m1@mail>","from":"Ada <ada@example.com>","subject":"Re: Payment Reminder [Invoice INV-1]","text":"Paying Friday"}`

	rec, _ := env.do(t, http.MethodPost, "/webhooks/inbound", payload, map[string]string{signatureHeader: "sha256=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.inbox.Len())

	rec, body := env.do(t, http.MethodPost, "/webhooks/inbound", payload, map[string]string{signatureHeader: sign("hush", payload)})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var res webhookResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, webhookResult{Accepted: 1}, res)
	assert.Equal(t, 1, env.inbox.Len())

	// a retried delivery is reported as a duplicate
	rec, body = env.do(t, http.MethodPost, "/webhooks/inbound", payload, map[string]string{signatureHeader: sign("hush", payload)})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, webhookResult{Duplicates: 1}, res)
}

func TestInboundWebhookPage(t *testing.T) {
	env := newTestEnv(t, Options{})
	payload := `{"messages":[
		{"id":"1","from":"ada@example.com","text":"a"},
		{"id":"2","from":"bob@example.com","text":"b"},
		{"id":"3","from":"cy@example.com","text":"c"}
	]}`
	rec, _ := env.do(t, http.MethodPost, "/webhooks/inbound", payload, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "inbox capacity is 2")
	assert.Equal(t, 2, env.inbox.Len())
}

func TestInboundWebhookRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, _ := env.do(t, http.MethodPost, "/webhooks/inbound", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/webhooks/inbound", `{"text":"no sender"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseTicket(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, _ := env.do(t, http.MethodPost, "/tickets/T-1/close", `{"resolution":"paid"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/tickets/T-1/close", `{"resolution":"paid","closed_by":"amaka"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var ticket collections.EscalationTicket
	require.NoError(t, json.Unmarshal(body.Data, &ticket))
	assert.Equal(t, collections.TicketClosed, ticket.Status)
	assert.Equal(t, "amaka", env.engine.closedBy)

	env.engine.closeErr = fmt.Errorf("ticket T-1: %w", collections.ErrTicketClosed)
	rec, body = env.do(t, http.MethodPost, "/tickets/T-1/close", `{"closed_by":"amaka"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, body.Success)
	assert.Contains(t, body.Error, "already closed")
}

func TestGetTicketNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, _ := env.do(t, http.MethodGet, "/tickets/T-404", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTicketsRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, _ := env.do(t, http.MethodGet, "/tickets?status=pending", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetInvoice(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, _ := env.do(t, http.MethodPost, "/invoices/INV-1/reset", `{"reason":"new payment plan"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"INV-1:new payment plan"}, env.engine.resetCalls)

	rec, _ = env.do(t, http.MethodPost, "/invoices/INV-1/reset", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.engine.resetErr = &collections.Failure{Kind: collections.ErrPolicyViolation, InvoiceID: "INV-2", Err: errors.New("cannot reset invoice in status REMINDED")}
	rec, _ = env.do(t, http.MethodPost, "/invoices/INV-2/reset", `{"reason":"x"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvoices(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, body := env.do(t, http.MethodGet, "/invoices?status=ESCALATED", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var invoices []collections.Invoice
	require.NoError(t, json.Unmarshal(body.Data, &invoices))
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-1", invoices[0].ID)

	rec, _ = env.do(t, http.MethodGet, "/invoices/INV-9", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOutcomesPassesFilter(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, _ := env.do(t, http.MethodGet, "/outcomes?invoice_id=INV-1&action=escalated&limit=5", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.OutcomeFilter{InvoiceID: "INV-1", Action: collections.ActionEscalated, Limit: 5}, env.audit.filter)

	env.do(t, http.MethodGet, "/outcomes?limit=nonsense", "", nil)
	assert.Equal(t, 50, env.audit.filter.Limit)
}

func TestRunEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.engine.report = collections.RunReport{
		Scanned:  3,
		Reminded: []string{"INV-1"},
		Failures: []error{&collections.Failure{Kind: collections.ErrTransport, InvoiceID: "INV-2", Err: errors.New("smtp down")}},
	}

	rec, body := env.do(t, http.MethodPost, "/runs/reminders", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var run runResponse
	require.NoError(t, json.Unmarshal(body.Data, &run))
	assert.Equal(t, 3, run.Report.Scanned)
	assert.Equal(t, []string{"INV-1"}, run.Report.Reminded)
	require.Len(t, run.Failures, 1)
	assert.Contains(t, run.Failures[0], "smtp down")

	env.engine.runErr = &collections.Failure{Kind: collections.ErrTransport, Err: errors.New("gateway unreachable")}
	rec, body = env.do(t, http.MethodPost, "/runs/replies", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, body.Success)
	require.NoError(t, json.Unmarshal(body.Data, &run))
	assert.Contains(t, run.Error, "gateway unreachable")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/runs/reminders", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
