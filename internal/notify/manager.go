// Package notify fans recorded outcomes out to the channels people watch:
// a webhook, RabbitMQ queues, the escalation mailbox and the transcript archive.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
)

// Event is what every channel receives for one outcome.
type Event struct {
	ID        string              `json:"id"`
	Type      collections.Action  `json:"type"`
	Outcome   collections.Outcome `json:"outcome"`
	Timestamp time.Time           `json:"timestamp"`
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	// Accepts reports whether the channel wants this outcome at all.
	Accepts(o collections.Outcome) bool
	Deliver(ctx context.Context, ev Event) error
}

// DeliveryResult represents the result of one delivery attempt.
type DeliveryResult struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type pendingDelivery struct {
	event       Event
	channels    []Channel
	attempts    int
	nextAttempt time.Time
}

// Manager decorates an OutcomeRecorder. The inner recorder runs first and its
// error is returned; channel delivery happens in the background and is retried.
type Manager struct {
	inner    collections.OutcomeRecorder
	channels []Channel

	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time

	mu       sync.Mutex
	pending  map[string]*pendingDelivery
	inflight sync.WaitGroup
}

// Options tunes the Manager. Zero values pick the defaults.
type Options struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewManager wraps inner. Channels may be empty, in which case Record only
// forwards to inner.
func NewManager(inner collections.OutcomeRecorder, opts Options, channels ...Channel) (*Manager, error) {
	if inner == nil {
		return nil, fmt.Errorf("outcome recorder cannot be nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	log.Info().Strs("channels", names).Dur("timeout", opts.Timeout).Msg("Outcome notifications configured")

	return &Manager{
		inner:        inner,
		channels:     channels,
		timeout:      opts.Timeout,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		now:          time.Now,
		pending:      make(map[string]*pendingDelivery),
	}, nil
}

// Record implements collections.OutcomeRecorder.
func (m *Manager) Record(ctx context.Context, o collections.Outcome) error {
	err := m.inner.Record(ctx, o)

	var targets []Channel
	for _, ch := range m.channels {
		if ch.Accepts(o) {
			targets = append(targets, ch)
		}
	}
	if len(targets) == 0 {
		return err
	}

	ev := Event{ID: o.ID, Type: o.Action, Outcome: o, Timestamp: m.now().UTC()}
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.deliver(context.WithoutCancel(ctx), ev, targets, 1)
	}()
	return err
}

// deliver sends ev to every target in parallel and schedules a retry for the
// channels that failed.
func (m *Manager) deliver(ctx context.Context, ev Event, targets []Channel, attempt int) {
	results := make(chan DeliveryResult, len(targets))
	failed := make(chan Channel, len(targets))
	var wg sync.WaitGroup

	for _, ch := range targets {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			res := m.deliverTo(ctx, ch, ev)
			if !res.Success {
				failed <- ch
			}
			results <- res
		}(ch)
	}
	wg.Wait()
	close(results)
	close(failed)

	for res := range results {
		logEvent := log.Info()
		if !res.Success {
			logEvent = log.Warn().Str("error", res.Error)
		}
		logEvent.
			Str("eventID", ev.ID).
			Str("action", string(ev.Type)).
			Str("invoiceID", ev.Outcome.InvoiceID).
			Str("channel", res.Channel).
			Bool("success", res.Success).
			Int64("duration_ms", res.Duration).
			Int("attempt", attempt).
			Msg("Delivery result")
	}

	var retry []Channel
	for ch := range failed {
		retry = append(retry, ch)
	}
	if len(retry) == 0 {
		return
	}
	if attempt >= m.maxRetries {
		log.Error().Str("eventID", ev.ID).Str("action", string(ev.Type)).Int("attempts", attempt).Msg("Giving up on outcome delivery")
		return
	}

	m.mu.Lock()
	m.pending[ev.ID] = &pendingDelivery{
		event:       ev,
		channels:    retry,
		attempts:    attempt,
		nextAttempt: m.now().Add(m.retryBackoff * time.Duration(attempt)),
	}
	m.mu.Unlock()
}

func (m *Manager) deliverTo(ctx context.Context, ch Channel, ev Event) DeliveryResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := ch.Deliver(ctx, ev)
	res := DeliveryResult{
		Channel:   ch.Name(),
		Success:   err == nil,
		Duration:  time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// retryDue redelivers every pending event whose backoff has elapsed.
func (m *Manager) retryDue(ctx context.Context) {
	now := m.now()
	var due []*pendingDelivery

	m.mu.Lock()
	for id, p := range m.pending {
		if !now.Before(p.nextAttempt) {
			due = append(due, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		m.deliver(ctx, p.event, p.channels, p.attempts+1)
	}
}

// Run processes retries until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.retryBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryDue(ctx)
		}
	}
}

// Pending returns the number of events waiting for a retry.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
