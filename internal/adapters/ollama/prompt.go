package ollama

import (
	"fmt"
	"strings"

	"creditcontrol/internal/collections"
)

func classifyPrompt(conv collections.ConversationContext, company string) string {
	inv := conv.Invoice
	var b strings.Builder

	fmt.Fprintf(&b, "You are a professional credit controller at %s reviewing a client's reply about an overdue invoice.\n\n", company)
	fmt.Fprintf(&b, "Invoice %s for %s, amount %s %.2f, due on %s.\n\n",
		inv.ID, inv.ClientName, inv.Currency, inv.Amount, inv.DueDate.Format("2006-01-02"))

	b.WriteString("Conversation so far, oldest first:\n")
	for _, m := range conv.Messages {
		who := "Us"
		if m.Direction == collections.DirectionInbound {
			who = "Client"
		}
		fmt.Fprintf(&b, "--- %s (%s) ---\n%s\n", who, m.Timestamp.Format("2006-01-02 15:04"), strings.TrimSpace(m.Body))
	}

	b.WriteString("\nClassify the client's LATEST message into exactly one category:\n")
	for _, c := range collections.Categories {
		if c == collections.CategoryUnknown {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString(`
Use payment_confirmation when they say they have already paid, dispute for complaints or
disagreement with the invoice, legal_threat for any mention of lawyers or legal action, and
unclear when the intent cannot be determined.

Then write one reply to the client. If they promise to pay without a date, thank them and ask
for a specific date. If they gave a date, acknowledge it. If they ask for more time, acknowledge
it and ask for a realistic date. Be warm, concise and ready to send. Do not include a subject
line, placeholders, commentary or contact details. Open with "Dear Customer," and sign as
`)
	fmt.Fprintf(&b, "\"%s Credit Controller\".\n\n", company)

	b.WriteString(`Respond ONLY with a JSON object of this shape:
{"category": "<category>", "confidence": <number between 0 and 1>, "rationale": "<one sentence>", "reply": "<email body>"}`)
	return b.String()
}

func reminderPrompt(inv collections.Invoice, attempt int, company string) string {
	name := inv.ClientName
	if name == "" {
		name = "Customer"
	}
	tone := "a first, friendly"
	if attempt > 1 {
		tone = fmt.Sprintf("a follow-up (reminder number %d), firm but polite", attempt)
	}
	return fmt.Sprintf(
		"Write %s email reminder to %s about their overdue invoice %s of %s %.2f that was due on %s. "+
			"Do not include any reasoning, explanations or extra commentary, just the email content. "+
			"Do not add a subject line or company contact info. "+
			"Start directly with \"Dear %s,\" and end with a warm closing signed \"%s Credit Controller\".",
		tone, name, inv.ID, inv.Currency, inv.Amount, inv.DueDate.Format("2006-01-02"), name, company)
}
