package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditcontrol/internal/collections"
)

func ollamaServer(t *testing.T, response string, seen *GenerateRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GenerateResponse{Model: "llama3", Response: response, Done: true})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sampleConversation() collections.ConversationContext {
	return collections.ConversationContext{
		Invoice: collections.Invoice{
			ID: "INV-1", ClientName: "Tunde Stores", Amount: 250000, Currency: "NGN",
			DueDate: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		},
		Messages: []collections.Message{
			{Direction: collections.DirectionOutbound, Body: "Your invoice is overdue."},
			{Direction: collections.DirectionInbound, Body: "We will pay next Friday."},
		},
		Company: "Interprais",
	}
}

func TestClassifyAndDraft(t *testing.T) {
	var req GenerateRequest
	srv := ollamaServer(t, `{"category":"Promise to pay","confidence":0.86,"rationale":"gives a date","reply":"Dear Customer,\n\nThank you for confirming Friday."}`, &req)
	c, err := NewClient(srv.URL, "llama3", 300, "Acme", time.Second)
	require.NoError(t, err)

	cls, draft, err := c.ClassifyAndDraft(context.Background(), sampleConversation())
	require.NoError(t, err)

	assert.Equal(t, collections.CategoryPromiseToPay, cls.Category)
	assert.Equal(t, 0.86, cls.Confidence)
	assert.Equal(t, "gives a date", cls.Rationale)
	assert.Contains(t, draft, "Thank you for confirming Friday.")

	assert.Equal(t, "llama3", req.Model)
	assert.Equal(t, "json", req.Format)
	assert.False(t, req.Stream)
	assert.Equal(t, 300, req.Options.NumPredict)
	assert.Contains(t, req.Prompt, "INV-1")
	assert.Contains(t, req.Prompt, "We will pay next Friday.")
	assert.Contains(t, req.Prompt, "Interprais Credit Controller")
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantErr  bool
		category collections.Category
		draft    string
	}{
		{"valid", `{"category":"dispute","confidence":0.9,"reply":"Sorry"}`, false, collections.CategoryDispute, "Sorry"},
		{"unknown label", `{"category":"complaint","confidence":0.9,"reply":"Hi"}`, false, collections.CategoryUnknown, "Hi"},
		{"subject stripped", `{"category":"question","confidence":0.8,"reply":"Subject: Re: invoice\nDear Customer, yes."}`, false, collections.CategoryQuestion, "Dear Customer, yes."},
		{"not json", `Sure! The category is dispute.`, true, "", ""},
		{"missing confidence", `{"category":"dispute","reply":"x"}`, true, "", ""},
		{"confidence out of range", `{"category":"dispute","confidence":7,"reply":"x"}`, true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, draft, err := parseVerdict(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.category, cls.Category)
			assert.Equal(t, tt.draft, draft)
		})
	}
}

func TestClassifyAndDraftServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "missing", 0, "Acme", time.Second)
	require.NoError(t, err)
	_, _, err = c.ClassifyAndDraft(context.Background(), sampleConversation())
	assert.ErrorContains(t, err, "404")
}

func TestComposeReminder(t *testing.T) {
	var req GenerateRequest
	srv := ollamaServer(t, "Subject: Overdue invoice\n\nDear Tunde Stores,\n\nA gentle reminder.", &req)
	c, err := NewClient(srv.URL, "llama3", 0, "Interprais", time.Second)
	require.NoError(t, err)

	inv := sampleConversation().Invoice
	body, err := c.ComposeReminder(context.Background(), inv, 2)
	require.NoError(t, err)
	assert.Equal(t, "Dear Tunde Stores,\n\nA gentle reminder.", body)
	assert.Empty(t, req.Format)
	assert.Contains(t, req.Prompt, "reminder number 2")
	assert.Contains(t, req.Prompt, "NGN 250000.00")
}

func TestComposeReminderEmpty(t *testing.T) {
	srv := ollamaServer(t, "   ", nil)
	c, err := NewClient(srv.URL, "llama3", 0, "Interprais", time.Second)
	require.NoError(t, err)
	_, err = c.ComposeReminder(context.Background(), sampleConversation().Invoice, 1)
	assert.Error(t, err)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient("", "llama3", 0, "", time.Second)
	assert.Error(t, err)
	_, err = NewClient("http://localhost:11434", "", 0, "", time.Second)
	assert.Error(t, err)
}
