// Package mailgateway talks to the HTTP mail gateway that sends reminders and
// replies and exposes unread inbound mail.
package mailgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
	"creditcontrol/pkg/httputil"
)

// Client implements collections.MessageTransport over the gateway API.
type Client struct {
	httpClient  *resty.Client
	fromAddress string
}

// NewClient creates a gateway client. fromAddress is the mailbox reminders are sent from.
func NewClient(baseURL, apiKey, fromAddress string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("mail gateway baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("mail gateway API key cannot be empty")
	}
	if fromAddress == "" {
		return nil, fmt.Errorf("sender address cannot be empty")
	}

	// No retries: a resent POST can deliver the same email twice. Failed sends
	// and fetches are retried by the next pass.
	client := httputil.NewClient(baseURL, httputil.Options{Timeout: timeout}).
		SetAuthToken(apiKey)

	log.Info().Str("baseURL", baseURL).Str("from", fromAddress).Msg("Mail gateway client configured")

	return &Client{
		httpClient:  client,
		fromAddress: fromAddress,
	}, nil
}

// Send delivers one plain-text email.
func (c *Client) Send(ctx context.Context, to, subject, body string) error {
	payload := SendPayload{From: c.fromAddress, To: to, Subject: subject, Text: body}
	url := "/v1/messages"

	var result SendResult
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Str("to", to).Msg("Mail gateway: Send request failed")
		return fmt.Errorf("mail gateway send request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Str("to", to).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Mail gateway: Send returned an error")
		return fmt.Errorf("mail gateway send error: status %s, body: %s", resp.Status(), resp.String())
	}

	log.Debug().Str("to", to).Str("messageID", result.ID).Msg("Mail gateway accepted message")
	return nil
}

// FetchNew returns unread inbound mail and acknowledges it. A failed
// acknowledgement only causes redelivery, which the ledger deduplicates.
func (c *Client) FetchNew(ctx context.Context) ([]collections.RawMessage, error) {
	url := "/v1/inbound"

	var page InboundPage
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("status", "unread").
		SetResult(&page).
		Get(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Mail gateway: FetchNew request failed")
		return nil, fmt.Errorf("mail gateway fetch request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Mail gateway: FetchNew returned an error")
		return nil, fmt.Errorf("mail gateway fetch error: status %s, body: %s", resp.Status(), resp.String())
	}

	msgs := make([]collections.RawMessage, 0, len(page.Messages))
	ids := make([]string, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, m.ToRaw())
		ids = append(ids, m.ID)
	}

	if len(ids) > 0 {
		if err := c.ack(ctx, ids); err != nil {
			log.Warn().Err(err).Int("count", len(ids)).Msg("Mail gateway: acknowledging inbound mail failed, messages may be redelivered")
		}
	}

	log.Debug().Int("count", len(msgs)).Msg("Fetched inbound mail")
	return msgs, nil
}

func (c *Client) ack(ctx context.Context, ids []string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(AckPayload{IDs: ids}).
		Post("/v1/inbound/ack")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}
