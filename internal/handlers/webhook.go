package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"creditcontrol/internal/adapters/mailgateway"
	"creditcontrol/internal/inbox"
)

const signatureHeader = "X-Signature"

// maxWebhookBody bounds the inbound payload.
const maxWebhookBody = 1 << 20

// isValidSignature checks a hex HMAC-SHA256 of the raw body, optionally
// prefixed with "sha256=".
func (s *Server) isValidSignature(body []byte, signature string) bool {
	if s.webhookSecret == "" {
		log.Warn().Msg("Webhook secret is not configured. Skipping signature validation.")
		return true
	}
	if signature == "" {
		log.Warn().Str("header", signatureHeader).Msg("No webhook signature provided")
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type webhookResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// InboundWebhook queues mail pushed by the gateway. The body is either one
// message or a page of messages in the gateway's inbound format.
func (s *Server) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		s.Respond(w, r, http.StatusInternalServerError, fmt.Errorf("failed to read request body"))
		return
	}

	if !s.isValidSignature(body, r.Header.Get(signatureHeader)) {
		log.Warn().Msg("Invalid webhook signature")
		s.Respond(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	msgs, err := decodeInbound(body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode inbound webhook payload")
		s.Respond(w, r, http.StatusBadRequest, err)
		return
	}

	var res webhookResult
	for _, m := range msgs {
		added, err := s.inbox.Push(m.ToRaw())
		if errors.Is(err, inbox.ErrFull) {
			log.Warn().Int("accepted", res.Accepted).Msg("Inbox full, rejecting rest of webhook payload")
			s.Respond(w, r, http.StatusServiceUnavailable, err)
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		if added {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}

	log.Info().Int("accepted", res.Accepted).Int("duplicates", res.Duplicates).Msg("Inbound mail received via webhook")
	s.Respond(w, r, http.StatusAccepted, res)
}

func decodeInbound(body []byte) ([]mailgateway.InboundMessage, error) {
	var page mailgateway.InboundPage
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&page); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	msgs := page.Messages
	if len(msgs) == 0 {
		var single mailgateway.InboundMessage
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		msgs = []mailgateway.InboundMessage{single}
	}
	for i, m := range msgs {
		if strings.TrimSpace(m.From) == "" {
			return nil, fmt.Errorf("message %d has no sender", i)
		}
	}
	return msgs, nil
}
