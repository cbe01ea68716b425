// Package store keeps invoice records behind the collections.InvoiceStore
// interface. Postgres DSNs go through lib/pq; anything else is a sqlite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"creditcontrol/internal/collections"
)

// InvoiceStore is the sqlx implementation of collections.InvoiceStore.
type InvoiceStore struct {
	db *sqlx.DB
}

type invoiceRow struct {
	ID             string     `db:"id"`
	ClientName     string     `db:"client_name"`
	Contact        string     `db:"contact"`
	Amount         float64    `db:"amount"`
	Currency       string     `db:"currency"`
	DueDate        time.Time  `db:"due_date"`
	Status         string     `db:"status"`
	ReminderCount  int        `db:"reminder_count"`
	LastRemindedAt *time.Time `db:"last_reminded_at"`
	Note           string     `db:"note"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r invoiceRow) toInvoice() collections.Invoice {
	inv := collections.Invoice{
		ID:            r.ID,
		ClientName:    r.ClientName,
		Contact:       r.Contact,
		Amount:        r.Amount,
		Currency:      r.Currency,
		DueDate:       r.DueDate.UTC(),
		Status:        collections.Status(r.Status),
		ReminderCount: r.ReminderCount,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.LastRemindedAt != nil {
		t := r.LastRemindedAt.UTC()
		inv.LastRemindedAt = &t
	}
	return inv
}

const selectInvoice = `SELECT id, client_name, contact, amount, currency, due_date, status,
	reminder_count, last_reminded_at, note, updated_at FROM invoices`

// InitInvoiceDB opens the invoice database for dsn and creates the schema.
func InitInvoiceDB(dsn string) (*InvoiceStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("invoice database DSN cannot be empty")
	}

	driver, schema := "sqlite", sqliteSchema
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, schema = "postgres", postgresSchema
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open invoice database: %w", err)
	}
	if driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to invoice database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create invoice schema: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Invoice database ready")
	return &InvoiceStore{db: db}, nil
}

// NewInvoiceStore wraps an already initialised connection.
func NewInvoiceStore(db *sqlx.DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

func (s *InvoiceStore) Close() error {
	return s.db.Close()
}

// Insert adds an invoice. An existing ID is left untouched and reported as false.
func (s *InvoiceStore) Insert(ctx context.Context, inv collections.Invoice) (bool, error) {
	if inv.ID == "" {
		return false, fmt.Errorf("invoice ID cannot be empty")
	}
	if inv.Status == "" {
		inv.Status = collections.StatusPending
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO invoices
		(id, client_name, contact, amount, currency, due_date, status, reminder_count, last_reminded_at, note, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT (id) DO NOTHING`),
		inv.ID, inv.ClientName, strings.TrimSpace(inv.Contact), inv.Amount, inv.Currency,
		inv.DueDate.UTC(), string(inv.Status), inv.ReminderCount, inv.LastRemindedAt, now)
	if err != nil {
		return false, fmt.Errorf("insert invoice %s: %w", inv.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetDue returns invoices still in the reminder phase whose due date has passed.
func (s *InvoiceStore) GetDue(ctx context.Context, now time.Time) ([]collections.Invoice, error) {
	var rows []invoiceRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectInvoice+` WHERE status IN (?, ?) ORDER BY due_date, id`),
		string(collections.StatusPending), string(collections.StatusReminded))
	if err != nil {
		return nil, fmt.Errorf("query due invoices: %w", err)
	}
	var out []collections.Invoice
	for _, r := range rows {
		if r.DueDate.Before(now) {
			out = append(out, r.toInvoice())
		}
	}
	return out, nil
}

func (s *InvoiceStore) Get(ctx context.Context, id string) (collections.Invoice, error) {
	var r invoiceRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(selectInvoice+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return collections.Invoice{}, fmt.Errorf("invoice %s: %w", id, collections.ErrNotFound)
	}
	if err != nil {
		return collections.Invoice{}, fmt.Errorf("query invoice %s: %w", id, err)
	}
	return r.toInvoice(), nil
}

func (s *InvoiceStore) FindByContact(ctx context.Context, addr string) ([]collections.Invoice, error) {
	return s.list(ctx, ` WHERE LOWER(contact) = LOWER(?) ORDER BY due_date, id`, strings.TrimSpace(addr))
}

func (s *InvoiceStore) ListByStatus(ctx context.Context, status collections.Status) ([]collections.Invoice, error) {
	return s.list(ctx, ` WHERE status = ? ORDER BY due_date, id`, string(status))
}

// List returns every invoice, oldest due date first.
func (s *InvoiceStore) List(ctx context.Context) ([]collections.Invoice, error) {
	return s.list(ctx, ` ORDER BY due_date, id`)
}

func (s *InvoiceStore) list(ctx context.Context, where string, args ...any) ([]collections.Invoice, error) {
	var rows []invoiceRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectInvoice+where), args...); err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	out := make([]collections.Invoice, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInvoice())
	}
	return out, nil
}

// UpdateStatus writes a status change. The reminder count never decreases and
// a nil LastRemindedAt keeps the stored value.
func (s *InvoiceStore) UpdateStatus(ctx context.Context, id string, status collections.Status, meta collections.StatusMeta) error {
	var remindedAt *time.Time
	if meta.LastRemindedAt != nil {
		t := meta.LastRemindedAt.UTC()
		remindedAt = &t
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE invoices SET
		status = ?,
		reminder_count = CASE WHEN ? > reminder_count THEN ? ELSE reminder_count END,
		last_reminded_at = COALESCE(?, last_reminded_at),
		note = ?,
		updated_at = ?
		WHERE id = ?`),
		string(status), meta.ReminderCount, meta.ReminderCount, remindedAt, meta.Note, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invoice %s: %w", id, collections.ErrNotFound)
	}
	log.Debug().Str("invoiceID", id).Str("status", string(status)).Msg("Invoice status updated")
	return nil
}
