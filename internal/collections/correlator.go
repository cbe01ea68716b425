package collections

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

var (
	referencePattern = regexp.MustCompile(`(?i)\[invoice\s+([^\]\s]+)\]`)
	anglePattern     = regexp.MustCompile(`<(.+?)>`)
)

// withReference appends the correlation tag to a subject unless it already carries one.
func withReference(subject, invoiceID string) string {
	if ref, ok := ExtractReference(subject, ""); ok && ref == invoiceID {
		return subject
	}
	return fmt.Sprintf("%s [Invoice %s]", strings.TrimSpace(subject), invoiceID)
}

func replySubject(inbound, invoiceID string) string {
	subject := strings.TrimSpace(inbound)
	if subject == "" {
		subject = "Your invoice"
	}
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	return withReference(subject, invoiceID)
}

// ExtractReference finds an "[Invoice <id>]" tag, subject first.
func ExtractReference(subject, body string) (string, bool) {
	for _, s := range []string{subject, body} {
		if m := referencePattern.FindStringSubmatch(s); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// SenderAddress extracts the bare address from a From header such as "Ada <ada@example.com>".
func SenderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return normalizeAddress(addr.Address)
	}
	if m := anglePattern.FindStringSubmatch(from); m != nil {
		return normalizeAddress(m[1])
	}
	return normalizeAddress(from)
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// correlate maps an inbound message to its invoice: explicit reference first,
// then the sender address.
func (e *Engine) correlate(ctx context.Context, raw RawMessage) (Invoice, error) {
	if ref, ok := ExtractReference(raw.Subject, raw.Body); ok {
		inv, err := e.invoices.Get(ctx, ref)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Invoice{}, fail(ErrCorrelation, "", fmt.Errorf("lookup referenced invoice %s: %w", ref, err))
		}
		log.Warn().Str("reference", ref).Str("from", raw.From).Msg("Referenced invoice does not exist, falling back to sender")
	}

	addr := SenderAddress(raw.From)
	if addr == "" {
		return Invoice{}, fail(ErrCorrelation, "", fmt.Errorf("message %q has no sender", raw.ExternalID))
	}

	candidates, err := e.invoicesForContact(ctx, addr)
	if err != nil {
		return Invoice{}, fail(ErrCorrelation, "", fmt.Errorf("lookup invoices for %s: %w", addr, err))
	}
	inv, err := pickInvoice(candidates)
	if err != nil {
		return Invoice{}, fail(ErrCorrelation, "", fmt.Errorf("%s: %w", addr, err))
	}
	return inv, nil
}

// invoicesForContact resolves invoice IDs through the contact cache and reloads
// the records so statuses are never stale.
func (e *Engine) invoicesForContact(ctx context.Context, addr string) ([]Invoice, error) {
	if cached, ok := e.contacts.Get(addr); ok {
		var out []Invoice
		for _, id := range cached.([]string) {
			inv, err := e.invoices.Get(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, inv)
		}
		if len(out) > 0 {
			return out, nil
		}
		e.contacts.Delete(addr)
	}

	found, err := e.invoices.FindByContact(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		ids := make([]string, 0, len(found))
		for _, inv := range found {
			ids = append(ids, inv.ID)
		}
		e.contacts.Set(addr, ids, cache.DefaultExpiration)
	}
	return found, nil
}

// pickInvoice chooses among the sender's invoices: the only open one, else the
// most recently reminded open one, else the only invoice at all.
func pickInvoice(candidates []Invoice) (Invoice, error) {
	if len(candidates) == 0 {
		return Invoice{}, errors.New("no invoice for sender")
	}
	var open []Invoice
	for _, inv := range candidates {
		if !inv.Status.Closed() {
			open = append(open, inv)
		}
	}
	switch len(open) {
	case 0:
		if len(candidates) == 1 {
			return candidates[0], nil
		}
		return Invoice{}, fmt.Errorf("%d closed invoices and no open one", len(candidates))
	case 1:
		return open[0], nil
	}

	var best *Invoice
	tie := false
	for i := range open {
		inv := &open[i]
		if inv.LastRemindedAt == nil {
			continue
		}
		switch {
		case best == nil || inv.LastRemindedAt.After(*best.LastRemindedAt):
			best, tie = inv, false
		case inv.LastRemindedAt.Equal(*best.LastRemindedAt):
			tie = true
		}
	}
	if best == nil || tie {
		return Invoice{}, fmt.Errorf("ambiguous: %d open invoices", len(open))
	}
	return *best, nil
}
