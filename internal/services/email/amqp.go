// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the part of *amqp.Channel the transport uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPTransport hands messages to a queue for an external mail worker.
// Delivery counts as done once the broker accepted the publish.
type AMQPTransport struct {
	mu    sync.Mutex
	pub   Publisher
	queue string
}

// NewAMQPTransport wraps an existing publisher.
func NewAMQPTransport(pub Publisher, queue string) (*AMQPTransport, error) {
	if pub == nil {
		return nil, errors.New("AMQP publisher is required")
	}
	if queue == "" {
		return nil, errors.New("AMQP queue is required")
	}
	return &AMQPTransport{pub: pub, queue: queue}, nil
}

// DialAMQP connects to the broker, declares a durable queue and returns a
// transport publishing to it. The returned function closes the connection.
func DialAMQP(url, queue string) (*AMQPTransport, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open AMQP channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare AMQP queue: %w", err)
	}

	t, err := NewAMQPTransport(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return t, conn.Close, nil
}

func (t *AMQPTransport) Name() string { return "amqp" }

func (t *AMQPTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("amqp: encode message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers: amqp.Table{
			"message_type": "recovery_email",
		},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pub.PublishWithContext(ctx, "", t.queue, false, false, publishing); err != nil {
		return fmt.Errorf("amqp: publish: %w", err)
	}
	return nil
}
