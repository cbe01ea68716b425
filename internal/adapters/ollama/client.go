// Package ollama drives a local Ollama model: it classifies client replies,
// drafts answers and optionally drafts reminder text.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
	"creditcontrol/pkg/httputil"
)

// Client implements collections.ResponseGenerator and collections.ReminderComposer.
type Client struct {
	httpClient *resty.Client
	model      string
	maxTokens  int
	company    string
}

// NewClient creates an Ollama client. The per-call deadline comes from the
// caller's context; timeout only bounds a single HTTP exchange.
func NewClient(host, model string, maxTokens int, company string, timeout time.Duration) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("Ollama host cannot be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("Ollama model cannot be empty")
	}
	if maxTokens <= 0 {
		maxTokens = 350
	}

	client := httputil.NewClient(host, httputil.Options{Timeout: timeout})

	log.Info().Str("host", host).Str("model", model).Int("maxTokens", maxTokens).Msg("Ollama client configured")

	return &Client{
		httpClient: client,
		model:      model,
		maxTokens:  maxTokens,
		company:    company,
	}, nil
}

func (c *Client) generate(ctx context.Context, prompt, format string, maxTokens int) (string, error) {
	url := "/api/generate"
	payload := GenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Format:  format,
		Options: GenerateOptions{NumPredict: maxTokens, Temperature: 0.2},
	}

	var result GenerateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Str("model", c.model).Msg("Ollama API: generate request failed")
		return "", fmt.Errorf("Ollama generate request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Ollama API: generate returned an error")
		return "", fmt.Errorf("Ollama generate error: status %s, body: %s", resp.Status(), resp.String())
	}

	log.Debug().Str("model", c.model).Int("evalCount", result.EvalCount).Msg("Ollama generation completed")
	return strings.TrimSpace(result.Response), nil
}

// ClassifyAndDraft asks the model for a category, a confidence and a reply in
// one JSON document. Anything that does not parse is an error.
func (c *Client) ClassifyAndDraft(ctx context.Context, conv collections.ConversationContext) (collections.Classification, string, error) {
	raw, err := c.generate(ctx, classifyPrompt(conv, c.companyName(conv.Company)), "json", c.maxTokens)
	if err != nil {
		return collections.Classification{}, "", err
	}
	return parseVerdict(raw)
}

func parseVerdict(raw string) (collections.Classification, string, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return collections.Classification{}, "", fmt.Errorf("malformed model output: %w", err)
	}
	if v.Confidence == nil {
		return collections.Classification{}, "", fmt.Errorf("malformed model output: missing confidence")
	}
	conf := *v.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return collections.Classification{}, "", fmt.Errorf("malformed model output: confidence %v outside [0,1]", conf)
	}
	cls := collections.Classification{
		Category:   collections.ParseCategory(v.Category),
		Confidence: conf,
		Rationale:  strings.TrimSpace(v.Rationale),
	}
	return cls, stripSubject(v.Reply), nil
}

// ComposeReminder drafts a reminder body in the model's words.
func (c *Client) ComposeReminder(ctx context.Context, inv collections.Invoice, attempt int) (string, error) {
	body, err := c.generate(ctx, reminderPrompt(inv, attempt, c.companyName("")), "", 250)
	if err != nil {
		return "", err
	}
	body = stripSubject(body)
	if body == "" {
		return "", fmt.Errorf("Ollama returned an empty reminder")
	}
	return body, nil
}

func (c *Client) companyName(fromConv string) string {
	if fromConv != "" {
		return fromConv
	}
	return c.company
}

// stripSubject drops a leading "Subject:" line; the engine owns the subject.
func stripSubject(text string) string {
	text = strings.TrimSpace(text)
	if first, rest, ok := strings.Cut(text, "\n"); ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(first)), "subject:") {
		return strings.TrimSpace(rest)
	}
	if strings.HasPrefix(strings.ToLower(text), "subject:") {
		return ""
	}
	return text
}
