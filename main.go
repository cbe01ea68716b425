package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"creditcontrol/config"
	"creditcontrol/internal/adapters/mailgateway"
	"creditcontrol/internal/adapters/ollama"
	"creditcontrol/internal/archive"
	"creditcontrol/internal/collections"
	"creditcontrol/internal/db"
	"creditcontrol/internal/handlers"
	"creditcontrol/internal/inbox"
	"creditcontrol/internal/ledger"
	"creditcontrol/internal/lock"
	"creditcontrol/internal/models"
	"creditcontrol/internal/notify"
	"creditcontrol/internal/store"
	"creditcontrol/pkg/logger"
)

func main() {
	logger.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Invoice store
	invoices, err := store.InitInvoiceDB(cfg.InvoiceDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize invoice database")
	}
	defer invoices.Close()

	if cfg.InvoiceSeedFile != "" {
		n, err := invoices.ImportFile(ctx, cfg.InvoiceSeedFile, cfg.Currency)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.InvoiceSeedFile).Msg("Failed to import invoices")
		}
		log.Info().Int("imported", n).Str("file", cfg.InvoiceSeedFile).Msg("Invoice seed file imported")
	}

	// Conversation ledger
	gdb, err := db.InitDB(cfg.LedgerDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger database")
	}
	if err := db.MigrateDB(gdb, models.All()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	lg, err := ledger.New(gdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ledger")
	}

	// Mail transport
	gateway, err := mailgateway.NewClient(cfg.MailGatewayURL, cfg.MailGatewayAPIKey, cfg.MailFromAddress, cfg.SendTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize mail gateway client")
	}
	pushed := inbox.New(1000, 24*time.Hour)
	transport, err := inbox.NewTransport(gateway, gateway, pushed)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize message transport")
	}

	// Model
	model, err := ollama.NewClient(cfg.OllamaHost, cfg.OllamaModel, cfg.OllamaMaxTokens, cfg.CompanyName, cfg.GenerateTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Ollama client")
	}
	var composer collections.ReminderComposer = collections.NewTemplateComposer(cfg.CompanyName)
	if cfg.DraftReminders {
		composer = collections.FallbackComposer{Primary: model, Fallback: composer}
	}

	var locker collections.Locker
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLocker(ctx, cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Redis locks")
		}
		locker = rl
	}

	// Outcome notifications
	channels := buildChannels(ctx, cfg, gateway)
	notifier, err := notify.NewManager(lg, notify.Options{Timeout: cfg.NotifyTimeout}, channels...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize notifications")
	}
	go notifier.Run(ctx)

	engine, err := collections.New(collections.Config{
		ReminderCooldown:    cfg.ReminderCooldown,
		MaxReminders:        cfg.MaxReminders,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		DenyList:            cfg.DenyList,
		SendTimeout:         cfg.SendTimeout,
		FetchTimeout:        cfg.FetchTimeout,
		GenerateTimeout:     cfg.GenerateTimeout,
		CompanyName:         cfg.CompanyName,
	}, collections.Deps{
		Invoices:      invoices,
		Transport:     transport,
		Generator:     model,
		Conversations: lg,
		Tickets:       lg,
		Outcomes:      notifier,
		Composer:      composer,
		Locker:        locker,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize collections engine")
	}

	api, err := handlers.NewServer(engine, lg, invoices, pushed, handlers.Options{
		APIToken:      cfg.APIToken,
		WebhookSecret: cfg.WebhookSecret,
		WebhookPath:   cfg.InboundWebhookPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize HTTP handlers")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Msgf("Server starting on port %s...", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	pollLoop(ctx, engine, cfg.PollInterval)

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := notifier.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Notifications still in flight at shutdown")
	}
}

// buildChannels enables each notification channel whose settings are present.
func buildChannels(ctx context.Context, cfg *config.Config, sender notify.Sender) []notify.Channel {
	var channels []notify.Channel

	if cfg.NotifyWebhookURL != "" {
		ch, err := notify.NewWebhookChannel(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize notification webhook")
		}
		channels = append(channels, ch)
	}

	if cfg.RabbitMQURL != "" {
		ch, err := notify.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueuePrefix)
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, outcome events will not be published")
		} else {
			go func() {
				<-ctx.Done()
				ch.Close()
			}()
			channels = append(channels, ch)
		}
	}

	if cfg.EscalationEmail != "" {
		ch, err := notify.NewEmailChannel(sender, cfg.EscalationEmail)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize escalation email")
		}
		channels = append(channels, ch)
	}

	if cfg.S3Bucket != "" {
		a, err := archive.New(archive.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize transcript archive")
		}
		if err := a.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Transcript archive bucket is not reachable yet")
		}
		ch, err := notify.NewArchiveChannel(a)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize archive channel")
		}
		channels = append(channels, ch)
	}
	return channels
}

// pollLoop runs a reminder pass and a reply pass on every tick until ctx is done.
func pollLoop(ctx context.Context, engine *collections.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runOnce(ctx, engine)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, engine *collections.Engine) {
	report, err := engine.RunReminders(ctx)
	logReport("reminders", report, err)
	if ctx.Err() != nil {
		return
	}
	report, err = engine.DrainReplies(ctx)
	logReport("replies", report, err)
}

func logReport(pass string, report collections.RunReport, err error) {
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("pass", pass).
		Int("scanned", report.Scanned).
		Int("reminded", len(report.Reminded)).
		Int("autoResponded", len(report.AutoResponded)).
		Int("escalated", len(report.Escalated)).
		Int("humanReview", report.HumanReview).
		Int("duplicates", report.Duplicates).
		Int("failures", len(report.Failures)).
		Bool("aborted", report.Aborted).
		Msg("Pass completed")
	for _, f := range report.Failures {
		log.Warn().Err(f).Str("pass", pass).Msg("Pass failure")
	}
}
