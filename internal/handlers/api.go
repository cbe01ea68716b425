package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
	"creditcontrol/internal/ledger"
)

// errorStatus maps engine and store errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, collections.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, collections.ErrTicketClosed), errors.Is(err, collections.ErrPolicyViolation):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.Respond(w, r, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.invoices.List(r.Context())
	if err != nil {
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	if status := collections.Status(r.URL.Query().Get("status")); status != "" {
		filtered := invoices[:0]
		for _, inv := range invoices {
			if inv.Status == status {
				filtered = append(filtered, inv)
			}
		}
		invoices = filtered
	}
	s.Respond(w, r, http.StatusOK, invoices)
}

func (s *Server) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.invoices.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	s.Respond(w, r, http.StatusOK, inv)
}

type resetRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ResetInvoice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON payload"))
		return
	}
	if req.Reason == "" {
		s.Respond(w, r, http.StatusBadRequest, "reason is required")
		return
	}
	inv, err := s.engine.Reset(r.Context(), id, req.Reason)
	if err != nil {
		log.Warn().Err(err).Str("invoiceID", id).Msg("Reset rejected")
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	s.Respond(w, r, http.StatusOK, inv)
}

func (s *Server) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcomes, err := s.audit.ListOutcomes(r.Context(), ledger.OutcomeFilter{
		InvoiceID: q.Get("invoice_id"),
		Action:    collections.Action(q.Get("action")),
		Limit:     queryLimit(r, 50),
	})
	if err != nil {
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	s.Respond(w, r, http.StatusOK, outcomes)
}

func (s *Server) ListTickets(w http.ResponseWriter, r *http.Request) {
	status := collections.TicketStatus(r.URL.Query().Get("status"))
	if status != "" && status != collections.TicketOpen && status != collections.TicketClosed {
		s.Respond(w, r, http.StatusBadRequest, fmt.Sprintf("unknown ticket status %q", status))
		return
	}
	tickets, err := s.audit.ListTickets(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	s.Respond(w, r, http.StatusOK, tickets)
}

func (s *Server) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.audit.GetTicket(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	s.Respond(w, r, http.StatusOK, t)
}

type closeTicketRequest struct {
	Resolution string `json:"resolution"`
	ClosedBy   string `json:"closed_by"`
}

func (s *Server) CloseTicket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req closeTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON payload"))
		return
	}
	if req.ClosedBy == "" {
		s.Respond(w, r, http.StatusBadRequest, "closed_by is required")
		return
	}
	t, err := s.engine.CloseTicket(r.Context(), id, req.Resolution, req.ClosedBy)
	if err != nil {
		s.Respond(w, r, errorStatus(err), err)
		return
	}
	s.Respond(w, r, http.StatusOK, t)
}

type runResponse struct {
	Report   collections.RunReport `json:"report"`
	Failures []string              `json:"failures,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func newRunResponse(report collections.RunReport, err error) runResponse {
	resp := runResponse{Report: report}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) RunReminders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()
	report, err := s.engine.RunReminders(ctx)
	s.respondRun(w, r, report, err)
}

func (s *Server) DrainReplies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()
	report, err := s.engine.DrainReplies(ctx)
	s.respondRun(w, r, report, err)
}

// respondRun returns the report even when the pass failed as a whole.
func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, report collections.RunReport, err error) {
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := map[string]interface{}{
		"code":    status,
		"data":    newRunResponse(report, err),
		"success": err == nil,
	}
	if encErr := json.NewEncoder(w).Encode(envelope); encErr != nil {
		log.Error().Err(encErr).Str("path", r.URL.Path).Msg("Failed to encode response")
	}
}
