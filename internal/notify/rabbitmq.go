package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"creditcontrol/internal/collections"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitChannel publishes each event to a durable queue named <prefix>_<action>.
type RabbitChannel struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	prefix   string
	declared map[string]bool
}

// DialRabbit connects to the broker and opens a channel.
func DialRabbit(url, prefix string) (*RabbitChannel, error) {
	if url == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	log.Info().Str("prefix", prefix).Msg("RabbitMQ connection established")

	r := newRabbitChannel(ch, prefix)
	r.conn = conn
	return r, nil
}

func newRabbitChannel(ch amqpChannel, prefix string) *RabbitChannel {
	if prefix == "" {
		prefix = "creditcontrol"
	}
	return &RabbitChannel{ch: ch, prefix: prefix, declared: make(map[string]bool)}
}

func (r *RabbitChannel) Name() string { return "rabbitmq" }

func (r *RabbitChannel) Accepts(collections.Outcome) bool { return true }

// QueueName returns the queue an action is published to.
func (r *RabbitChannel) QueueName(action collections.Action) string {
	return r.prefix + "_" + string(action)
}

func (r *RabbitChannel) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	queue := r.QueueName(ev.Type)

	// amqp channels are not safe for concurrent publishing.
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[queue] {
		if _, err := r.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		r.declared[queue] = true
	}

	err = r.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not publish to RabbitMQ")
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	log.Debug().Str("queue", queue).Str("eventID", ev.ID).Msg("Published event to RabbitMQ")
	return nil
}

// Close releases the channel and the connection.
func (r *RabbitChannel) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing RabbitMQ channel")
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
