// Package handlers exposes the HTTP surface: the inbound mail webhook and the
// operator endpoints for tickets, outcomes, resets and manual runs.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
	"creditcontrol/internal/ledger"
)

// Engine is the part of the collections engine the API drives.
type Engine interface {
	RunReminders(ctx context.Context) (collections.RunReport, error)
	DrainReplies(ctx context.Context) (collections.RunReport, error)
	CloseTicket(ctx context.Context, ticketID, resolution, closedBy string) (collections.EscalationTicket, error)
	Reset(ctx context.Context, invoiceID, reason string) (collections.Invoice, error)
}

// AuditLog answers read queries over tickets and outcomes.
type AuditLog interface {
	ListOutcomes(ctx context.Context, f ledger.OutcomeFilter) ([]collections.Outcome, error)
	ListTickets(ctx context.Context, status collections.TicketStatus, limit int) ([]collections.EscalationTicket, error)
	GetTicket(ctx context.Context, id string) (collections.EscalationTicket, error)
}

// Invoices is the read side of the invoice store.
type Invoices interface {
	List(ctx context.Context) ([]collections.Invoice, error)
	Get(ctx context.Context, id string) (collections.Invoice, error)
}

// Inbox receives pushed inbound mail.
type Inbox interface {
	Push(msg collections.RawMessage) (bool, error)
}

// Server holds the dependencies of every handler.
type Server struct {
	engine   Engine
	audit    AuditLog
	invoices Invoices
	inbox    Inbox

	apiToken      string
	webhookSecret string
	webhookPath   string
	runTimeout    time.Duration
}

// Options carries the non-dependency settings of the Server.
type Options struct {
	APIToken      string
	WebhookSecret string
	WebhookPath   string
	RunTimeout    time.Duration
}

func NewServer(engine Engine, audit AuditLog, invoices Invoices, inbox Inbox, opts Options) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit log cannot be nil")
	}
	if invoices == nil {
		return nil, fmt.Errorf("invoice store cannot be nil")
	}
	if inbox == nil {
		return nil, fmt.Errorf("inbox cannot be nil")
	}
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhooks/inbound"
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.APIToken == "" {
		log.Warn().Msg("API_TOKEN is not configured. Operator endpoints are unauthenticated.")
	}
	return &Server{
		engine:        engine,
		audit:         audit,
		invoices:      invoices,
		inbox:         inbox,
		apiToken:      opts.APIToken,
		webhookSecret: opts.WebhookSecret,
		webhookPath:   opts.WebhookPath,
		runTimeout:    opts.RunTimeout,
	}, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	standard := alice.New(s.recoverPanic, s.logRequest, secureHeaders)
	authed := standard.Append(s.requireToken)

	r := mux.NewRouter()
	r.Handle("/health", standard.ThenFunc(s.Health)).Methods(http.MethodGet)
	r.Handle(s.webhookPath, standard.ThenFunc(s.InboundWebhook)).Methods(http.MethodPost)

	r.Handle("/invoices", authed.ThenFunc(s.ListInvoices)).Methods(http.MethodGet)
	r.Handle("/invoices/{id}", authed.ThenFunc(s.GetInvoice)).Methods(http.MethodGet)
	r.Handle("/invoices/{id}/reset", authed.ThenFunc(s.ResetInvoice)).Methods(http.MethodPost)

	r.Handle("/outcomes", authed.ThenFunc(s.ListOutcomes)).Methods(http.MethodGet)

	r.Handle("/tickets", authed.ThenFunc(s.ListTickets)).Methods(http.MethodGet)
	r.Handle("/tickets/{id}", authed.ThenFunc(s.GetTicket)).Methods(http.MethodGet)
	r.Handle("/tickets/{id}/close", authed.ThenFunc(s.CloseTicket)).Methods(http.MethodPost)

	r.Handle("/runs/reminders", authed.ThenFunc(s.RunReminders)).Methods(http.MethodPost)
	r.Handle("/runs/replies", authed.ThenFunc(s.DrainReplies)).Methods(http.MethodPost)
	return r
}

// Respond writes the standard JSON envelope.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else if status >= http.StatusBadRequest {
		envelope["error"] = data
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = true
	}

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode response")
	}
}
