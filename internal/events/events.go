// Package events publishes document disposition changes to a message broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DispositionEvent is emitted when a document reaches Sent, Accepted,
// Rejected or QueuedWithSendError.
type DispositionEvent struct {
	TaxpayerID int64     `json:"taxpayer_id"`
	Key        string    `json:"clave"`
	Direction  string    `json:"direction"`
	State      int       `json:"state"`
	StateName  string    `json:"state_name"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// RoutingKey is "documento.<direction>.<state name>".
func (e DispositionEvent) RoutingKey() string {
	return fmt.Sprintf("documento.%s.%s", e.Direction, e.StateName)
}

// Publisher delivers disposition events.
type Publisher interface {
	Publish(ctx context.Context, ev DispositionEvent) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, DispositionEvent) error { return nil }
func (Noop) Close() error                                    { return nil }

// DefaultExchange receives events when no exchange is configured.
const DefaultExchange = "facturador.disposiciones"

var ErrClosed = errors.New("publisher closed")

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQP publishes events as persistent JSON messages on a topic exchange.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   *zap.Logger
	closed   bool
}

var _ Publisher = (*AMQP)(nil)

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(cfg AMQPConfig, logger *zap.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p, err := newAMQP(ch, cfg.Exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQP(ch channel, exchange string, logger *zap.Logger) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQP{ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends ev routed by its direction and state name.
func (p *AMQP) Publish(ctx context.Context, ev DispositionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s-%s-%d", ev.Direction, ev.Key, ev.State),
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", ev.RoutingKey(), err)
	}
	p.logger.Debug("event published",
		zap.String("routing_key", ev.RoutingKey()),
		zap.String("clave", ev.Key))
	return nil
}

// Close closes the channel and the connection.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
