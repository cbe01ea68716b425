package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port               string
	APIToken           string
	WebhookSecret      string
	InboundWebhookPath string
	LogLevel           string
	LogFormat          string

	InvoiceDatabaseURL string // postgres://... or a sqlite file path
	LedgerDatabaseURL  string // sqlite file for conversations, tickets and outcomes
	InvoiceSeedFile    string

	MailGatewayURL    string
	MailGatewayAPIKey string
	MailFromAddress   string
	EscalationEmail   string
	CompanyName       string
	Currency          string

	OllamaHost      string
	OllamaModel     string
	OllamaMaxTokens int
	DraftReminders  bool

	ReminderCooldown    time.Duration
	MaxReminders        int
	ConfidenceThreshold float64
	DenyList            []string
	SendTimeout         time.Duration
	FetchTimeout        time.Duration
	GenerateTimeout     time.Duration
	PollInterval        time.Duration

	NotifyWebhookURL    string
	NotifyTimeout       time.Duration
	RabbitMQURL         string
	RabbitMQQueuePrefix string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3Prefix    string

	RedisURL string
	LockTTL  time.Duration
}

// LoadConfig loads configuration from environment variables.
// A .env file is read first when present; real environment variables win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	p := &parser{}
	cfg := &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		APIToken:           os.Getenv("API_TOKEN"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		InboundWebhookPath: getEnvOrDefault("INBOUND_WEBHOOK_PATH", "/webhooks/inbound"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          os.Getenv("LOG_FORMAT"),

		InvoiceDatabaseURL: getEnvOrDefault("DATABASE_URL", "invoices.db"),
		LedgerDatabaseURL:  getEnvOrDefault("LEDGER_DATABASE_URL", "ledger.db"),
		InvoiceSeedFile:    os.Getenv("INVOICE_SEED_FILE"),

		MailGatewayURL:    os.Getenv("MAIL_GATEWAY_URL"),
		MailGatewayAPIKey: os.Getenv("MAIL_GATEWAY_API_KEY"),
		MailFromAddress:   os.Getenv("EMAIL_ADDRESS"),
		EscalationEmail:   os.Getenv("ESCALATION_EMAIL"),
		CompanyName:       getEnvOrDefault("COMPANY_NAME", "Credit Control"),
		Currency:          getEnvOrDefault("DEFAULT_CURRENCY", "NGN"),

		OllamaHost:      getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:     getEnvOrDefault("OLLAMA_MODEL", "llama3"),
		OllamaMaxTokens: p.int("OLLAMA_MAX_TOKENS", 350),
		DraftReminders:  p.bool("DRAFT_REMINDERS", false),

		ReminderCooldown:    p.duration("REMINDER_COOLDOWN", 72*time.Hour),
		MaxReminders:        p.int("MAX_REMINDERS", 0),
		ConfidenceThreshold: p.float("CONFIDENCE_THRESHOLD", 0.75),
		DenyList:            splitList(getEnvOrDefault("DENY_LIST", "dispute,legal_threat,payment_confirmation,unclear")),
		SendTimeout:         p.duration("SEND_TIMEOUT", 15*time.Second),
		FetchTimeout:        p.duration("FETCH_TIMEOUT", 15*time.Second),
		GenerateTimeout:     p.duration("GENERATE_TIMEOUT", 60*time.Second),
		PollInterval:        p.duration("POLL_INTERVAL", 30*time.Second),

		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyTimeout:       p.duration("NOTIFY_TIMEOUT", 10*time.Second),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueuePrefix: getEnvOrDefault("RABBITMQ_QUEUE_PREFIX", "creditcontrol"),

		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    getEnvOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: p.bool("S3_PATH_STYLE", false),
		S3Prefix:    getEnvOrDefault("S3_PREFIX", "transcripts"),

		RedisURL: os.Getenv("REDIS_URL"),
		LockTTL:  p.duration("LOCK_TTL", 2*time.Minute),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Dur("reminderCooldown", cfg.ReminderCooldown).
		Float64("confidenceThreshold", cfg.ConfidenceThreshold).
		Strs("denyList", cfg.DenyList).
		Msg("Configuration loaded")
	return cfg, nil
}

// Validate checks values that the workflow cannot run without.
func (c *Config) Validate() error {
	if c.ReminderCooldown <= 0 {
		return fmt.Errorf("REMINDER_COOLDOWN must be positive, got %s", c.ReminderCooldown)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.MaxReminders < 0 {
		return fmt.Errorf("MAX_REMINDERS cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"SEND_TIMEOUT":     c.SendTimeout,
		"FETCH_TIMEOUT":    c.FetchTimeout,
		"GENERATE_TIMEOUT": c.GenerateTimeout,
		"POLL_INTERVAL":    c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// parser collects the first conversion error so LoadConfig can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid value %q for %s: %w", raw, key, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
