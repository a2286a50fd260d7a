// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig is everything needed to reach the shared topic exchange.
type AMQPConfig struct {
	Address      string
	Username     string
	Password     string
	ExchangeName string
}

// amqpBroker publishes to, and consumes from, a single topic exchange.
// Each node binds its own durable `<node>-drone` queue to the routing
// keys it cares about, per the per-neighbor-queue design (§9).
type amqpBroker struct {
	cfg  AMQPConfig
	conn *amqp.Connection
	ch   *amqp.Channel

	mu     sync.Mutex
	closed bool
}

// Dial opens a connection and channel to cfg.Address, declaring the
// shared topic exchange.
func Dial(cfg AMQPConfig) (Broker, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s/", cfg.Username, cfg.Password, cfg.Address)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: declare exchange: %w", err)
	}
	return &amqpBroker{cfg: cfg, conn: conn, ch: ch}, nil
}

func (b *amqpBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.ch.PublishWithContext(ctx, b.cfg.ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (b *amqpBroker) Subscribe(ctx context.Context, queue string, routingKeys []string) (<-chan Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	q, err := b.ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: declare queue %q: %w", queue, err)
	}
	for _, key := range routingKeys {
		if err := b.ch.QueueBind(q.Name, key, b.cfg.ExchangeName, false, nil); err != nil {
			return nil, fmt.Errorf("broker: bind queue %q to %q: %w", queue, key, err)
		}
	}
	deliveries, err := b.ch.ConsumeWithContext(ctx, q.Name, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %q: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- Delivery{RoutingKey: d.RoutingKey, Body: d.Body}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FreshConnection opens a brand new connection to the same exchange: a
// short-lived connection for each outgoing broadcast rather than reusing
// the long-lived listening connection.
func (b *amqpBroker) FreshConnection(ctx context.Context) (Broker, error) {
	return Dial(b.cfg)
}

func (b *amqpBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return fmt.Errorf("broker: close channel: %w", err)
	}
	return b.conn.Close()
}
