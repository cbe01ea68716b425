package collections

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
)

const reminderTemplate = `Dear {{.Invoice.ClientName}},

{{if gt .Attempt 1}}We are following up on our previous reminder regarding{{else}}This is a friendly reminder about{{end}} invoice {{.Invoice.ID}} for {{.Invoice.Currency}} {{printf "%.2f" .Invoice.Amount}}, which was due on {{.Invoice.DueDate.Format "2006-01-02"}}.

If payment has already been made, please disregard this message. Otherwise, kindly let us know when we can expect payment by replying to this email.

Kind regards,
{{.Company}} Credit Controller`

// TemplateComposer renders reminders from a fixed template.
type TemplateComposer struct {
	company string
	tmpl    *template.Template
}

func NewTemplateComposer(company string) *TemplateComposer {
	if company == "" {
		company = "Accounts Receivable"
	}
	return &TemplateComposer{
		company: company,
		tmpl:    template.Must(template.New("reminder").Parse(reminderTemplate)),
	}
}

func (c *TemplateComposer) ComposeReminder(_ context.Context, inv Invoice, attempt int) (string, error) {
	if strings.TrimSpace(inv.ClientName) == "" {
		inv.ClientName = "Customer"
	}
	var buf bytes.Buffer
	err := c.tmpl.Execute(&buf, struct {
		Invoice Invoice
		Attempt int
		Company string
	}{inv, attempt, c.company})
	if err != nil {
		return "", fmt.Errorf("render reminder: %w", err)
	}
	return buf.String(), nil
}

// FallbackComposer tries the primary composer and falls back on any error or empty body.
type FallbackComposer struct {
	Primary  ReminderComposer
	Fallback ReminderComposer
}

func (c FallbackComposer) ComposeReminder(ctx context.Context, inv Invoice, attempt int) (string, error) {
	body, err := c.Primary.ComposeReminder(ctx, inv, attempt)
	if err == nil && strings.TrimSpace(body) != "" {
		return body, nil
	}
	log.Warn().Err(err).Str("invoiceID", inv.ID).Msg("Drafted reminder unavailable, using template")
	return c.Fallback.ComposeReminder(ctx, inv, attempt)
}
