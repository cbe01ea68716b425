package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 72*time.Hour, cfg.ReminderCooldown)
	assert.Equal(t, 0.75, cfg.ConfidenceThreshold)
	assert.Equal(t, []string{"dispute", "legal_threat", "payment_confirmation", "unclear"}, cfg.DenyList)
	assert.Equal(t, "/webhooks/inbound", cfg.InboundWebhookPath)
	assert.Equal(t, "llama3", cfg.OllamaModel)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REMINDER_COOLDOWN", "24h")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("DENY_LIST", " dispute , legal_threat ,,")
	t.Setenv("MAX_REMINDERS", "3")
	t.Setenv("DRAFT_REMINDERS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.ReminderCooldown)
	assert.Equal(t, 0.9, cfg.ConfidenceThreshold)
	assert.Equal(t, []string{"dispute", "legal_threat"}, cfg.DenyList)
	assert.Equal(t, 3, cfg.MaxReminders)
	assert.True(t, cfg.DraftReminders)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparsable duration", "REMINDER_COOLDOWN", "soon"},
		{"zero cooldown", "REMINDER_COOLDOWN", "0s"},
		{"threshold above one", "CONFIDENCE_THRESHOLD", "1.5"},
		{"unparsable threshold", "CONFIDENCE_THRESHOLD", "high"},
		{"negative max reminders", "MAX_REMINDERS", "-1"},
		{"zero send timeout", "SEND_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
