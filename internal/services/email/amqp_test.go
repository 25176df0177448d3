// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	err       error
	key       string
	published []amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.published = append(f.published, msg)
	return nil
}

func TestNewAMQPTransport_Validation(t *testing.T) {
	_, err := email.NewAMQPTransport(nil, "q")
	assert.Error(t, err)

	_, err = email.NewAMQPTransport(&fakePublisher{}, "")
	assert.Error(t, err)
}

func TestAMQPTransport_Send(t *testing.T) {
	pub := &fakePublisher{}
	tr, err := email.NewAMQPTransport(pub, "recovery-mail")
	require.NoError(t, err)

	err = tr.Send(context.Background(), &email.Message{To: "ana@example.com", Subject: "Your code", Text: "123456"})
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "recovery-mail", pub.key)
	p := pub.published[0]
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(p.Body, &body))
	assert.Equal(t, "ana@example.com", body["to"])
	assert.Equal(t, "Your code", body["subject"])
}

func TestAMQPTransport_PublishError(t *testing.T) {
	tr, err := email.NewAMQPTransport(&fakePublisher{err: errors.New("channel closed")}, "recovery-mail")
	require.NoError(t, err)

	err = tr.Send(context.Background(), &email.Message{To: "ana@example.com"})

	assert.ErrorContains(t, err, "channel closed")
	assert.Equal(t, "amqp", tr.Name())
}
