package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
)

// SeedRecord is one entry of an invoice seed file.
type SeedRecord struct {
	ID       string  `json:"id"`
	Client   string  `json:"client"`
	Email    string  `json:"email"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	DueDate  string  `json:"due_date"`
	Status   string  `json:"status"`
}

const dueDateLayout = "2006-01-02"

var seedNamespace = uuid.MustParse("6f1c0d8e-3a52-4c8e-9b1e-5d0f3a8c2b71")

func (r SeedRecord) toInvoice(defaultCurrency string) (collections.Invoice, error) {
	if strings.TrimSpace(r.Email) == "" {
		return collections.Invoice{}, fmt.Errorf("missing email")
	}
	due, err := time.Parse(dueDateLayout, strings.TrimSpace(r.DueDate))
	if err != nil {
		return collections.Invoice{}, fmt.Errorf("invalid due_date %q: %w", r.DueDate, err)
	}
	status, err := seedStatus(r.Status)
	if err != nil {
		return collections.Invoice{}, err
	}

	id := strings.TrimSpace(r.ID)
	if id == "" {
		// Deterministic so re-importing the same file is a no-op.
		key := strings.ToLower(strings.TrimSpace(r.Email)) + "|" + r.DueDate + "|" + fmt.Sprintf("%.2f", r.Amount)
		id = "INV-" + strings.ToUpper(uuid.NewSHA1(seedNamespace, []byte(key)).String()[:8])
	}
	currency := r.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	return collections.Invoice{
		ID:         id,
		ClientName: strings.TrimSpace(r.Client),
		Contact:    strings.TrimSpace(r.Email),
		Amount:     r.Amount,
		Currency:   currency,
		DueDate:    due.UTC(),
		Status:     status,
	}, nil
}

func seedStatus(raw string) (collections.Status, error) {
	switch s := strings.ToUpper(strings.TrimSpace(raw)); s {
	case "", "UNPAID", "OPEN":
		return collections.StatusPending, nil
	case "PAID":
		return collections.StatusResolved, nil
	default:
		st := collections.Status(s)
		switch st {
		case collections.StatusPending, collections.StatusReminded, collections.StatusAwaitingReview,
			collections.StatusResolved, collections.StatusEscalated:
			return st, nil
		}
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// ImportJSON loads a JSON array of seed records. Existing invoices are never
// overwritten. It returns the number of invoices created.
func (s *InvoiceStore) ImportJSON(ctx context.Context, r io.Reader, defaultCurrency string) (int, error) {
	var records []SeedRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("decode invoice seed: %w", err)
	}

	created := 0
	for i, rec := range records {
		inv, err := rec.toInvoice(defaultCurrency)
		if err != nil {
			return created, fmt.Errorf("seed record %d: %w", i, err)
		}
		ok, err := s.Insert(ctx, inv)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	log.Info().Int("records", len(records)).Int("created", created).Msg("Invoice seed imported")
	return created, nil
}

// ImportFile is ImportJSON over a file path.
func (s *InvoiceStore) ImportFile(ctx context.Context, path, defaultCurrency string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open invoice seed: %w", err)
	}
	defer f.Close()
	return s.ImportJSON(ctx, f, defaultCurrency)
}
