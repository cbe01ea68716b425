// Package inbox buffers inbound mail pushed by the gateway webhook until the
// next reply pass drains it.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
)

// ErrFull is returned by Push when the buffer is at capacity.
var ErrFull = errors.New("inbox is full")

// Inbox is a bounded in-memory queue of inbound messages. Recently seen
// external IDs are remembered so webhook retries are dropped early.
type Inbox struct {
	mu       sync.Mutex
	pending  []collections.RawMessage
	capacity int
	seen     *cache.Cache
}

func New(capacity int, dedupeWindow time.Duration) *Inbox {
	if capacity <= 0 {
		capacity = 1000
	}
	if dedupeWindow <= 0 {
		dedupeWindow = time.Hour
	}
	return &Inbox{
		capacity: capacity,
		seen:     cache.New(dedupeWindow, 2*dedupeWindow),
	}
}

// Push queues msg. It reports false when msg was already pushed recently.
func (i *Inbox) Push(msg collections.RawMessage) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if msg.ExternalID != "" {
		if _, dup := i.seen.Get(msg.ExternalID); dup {
			return false, nil
		}
	}
	if len(i.pending) >= i.capacity {
		return false, ErrFull
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	i.pending = append(i.pending, msg)
	if msg.ExternalID != "" {
		i.seen.SetDefault(msg.ExternalID, struct{}{})
	}
	return true, nil
}

// FetchNew drains the queue.
func (i *Inbox) FetchNew(context.Context) ([]collections.RawMessage, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.pending
	i.pending = nil
	return out, nil
}

// requeue puts messages back at the head of the queue, ignoring capacity.
func (i *Inbox) requeue(msgs []collections.RawMessage) {
	if len(msgs) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(append([]collections.RawMessage(nil), msgs...), i.pending...)
}

func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Sender is the outbound half of a transport.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Fetcher is the inbound half of a transport.
type Fetcher interface {
	FetchNew(ctx context.Context) ([]collections.RawMessage, error)
}

// Transport sends through one sender and merges inbound mail from the inbox
// and an optional polled source.
type Transport struct {
	sender Sender
	poll   Fetcher
	inbox  *Inbox
}

func NewTransport(sender Sender, poll Fetcher, in *Inbox) (*Transport, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if in == nil {
		return nil, fmt.Errorf("inbox cannot be nil")
	}
	return &Transport{sender: sender, poll: poll, inbox: in}, nil
}

func (t *Transport) Send(ctx context.Context, to, subject, body string) error {
	return t.sender.Send(ctx, to, subject, body)
}

// FetchNew returns pushed and polled messages. If polling fails the pushed
// messages go back to the inbox so nothing is lost.
func (t *Transport) FetchNew(ctx context.Context) ([]collections.RawMessage, error) {
	pushed, _ := t.inbox.FetchNew(ctx)
	if t.poll == nil {
		return pushed, nil
	}
	polled, err := t.poll.FetchNew(ctx)
	if err != nil {
		t.inbox.requeue(pushed)
		log.Warn().Err(err).Int("requeued", len(pushed)).Msg("Polling inbound mail failed")
		return nil, err
	}
	return append(pushed, polled...), nil
}

// Requeue takes back messages a reply pass fetched but did not process,
// whichever source they came from.
func (t *Transport) Requeue(msgs []collections.RawMessage) {
	t.inbox.requeue(msgs)
}
