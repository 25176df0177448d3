// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name  string
	err   error
	calls *[]string
	sent  []*email.Message
	wait  bool
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, msg *email.Message) error {
	*f.calls = append(*f.calls, f.name)
	if f.wait {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err == nil {
		f.sent = append(f.sent, msg)
	}
	return f.err
}

func TestService_FirstSuccessWins(t *testing.T) {
	var calls []string
	relay := &fakeTransport{name: "relay", err: errors.New("relay down"), calls: &calls}
	sendgrid := &fakeTransport{name: "sendgrid", calls: &calls}
	smtp := &fakeTransport{name: "smtp", calls: &calls}
	svc := email.NewService(time.Second, relay, sendgrid, smtp)

	name, err := svc.Send(context.Background(), &email.Message{To: "ana@example.com"})

	require.NoError(t, err)
	assert.Equal(t, "sendgrid", name)
	assert.Equal(t, []string{"relay", "sendgrid"}, calls)
	assert.Len(t, sendgrid.sent, 1)
	assert.Empty(t, smtp.sent)
}

func TestService_AllFail(t *testing.T) {
	var calls []string
	errRelay := errors.New("relay down")
	errSMTP := errors.New("smtp refused")
	svc := email.NewService(time.Second,
		&fakeTransport{name: "relay", err: errRelay, calls: &calls},
		&fakeTransport{name: "smtp", err: errSMTP, calls: &calls},
	)

	_, err := svc.Send(context.Background(), &email.Message{To: "ana@example.com"})

	var te *email.TransportError
	require.ErrorAs(t, err, &te)
	require.Len(t, te.Attempts, 2)
	assert.Equal(t, "relay", te.Attempts[0].Transport)
	assert.Equal(t, "smtp", te.Attempts[1].Transport)
	assert.ErrorIs(t, err, errRelay)
	assert.ErrorIs(t, err, errSMTP)
	assert.Equal(t, "all email transports failed: relay: relay down; smtp: smtp refused", err.Error())
}

func TestService_TimeoutPerTransport(t *testing.T) {
	var calls []string
	slow := &fakeTransport{name: "relay", calls: &calls, wait: true}
	fast := &fakeTransport{name: "smtp", calls: &calls}
	svc := email.NewService(10*time.Millisecond, slow, fast)

	name, err := svc.Send(context.Background(), &email.Message{To: "ana@example.com"})

	require.NoError(t, err)
	assert.Equal(t, "smtp", name)
}

func TestService_NotConfigured(t *testing.T) {
	svc := email.NewService(time.Second)

	assert.False(t, svc.Configured())
	_, err := svc.Send(context.Background(), &email.Message{})
	assert.ErrorIs(t, err, email.ErrNotConfigured)
}

func TestService_Transports(t *testing.T) {
	var calls []string
	svc := email.NewService(0,
		&fakeTransport{name: "relay", calls: &calls},
		&fakeTransport{name: "amqp", calls: &calls},
	)

	assert.True(t, svc.Configured())
	assert.Equal(t, []string{"relay", "amqp"}, svc.Transports())
}
