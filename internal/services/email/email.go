// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNotConfigured is returned by Send when no transport is available.
var ErrNotConfigured = errors.New("no email transport configured")

// Message is a composed mail ready for any transport.
type Message struct { //nolint:govet // fieldalignment: readability over optimization
	To           string         `json:"to" validate:"required,email"`
	Name         string         `json:"name,omitempty"`
	Subject      string         `json:"subject" validate:"required_without=TemplateID"`
	Text         string         `json:"text,omitempty" validate:"required_without_all=HTML TemplateID"`
	HTML         string         `json:"html,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`
}

// Transport delivers a message through one channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Attempt records one failed transport.
type Attempt struct {
	Transport string
	Err       error
}

// TransportError is returned when every transport failed.
type TransportError struct {
	Attempts []Attempt
}

func (e *TransportError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Transport, a.Err)
	}
	return "all email transports failed: " + strings.Join(parts, "; ")
}

func (e *TransportError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Service sends mail through an ordered list of transports.
type Service struct {
	transports []Transport
	timeout    time.Duration
}

// NewService creates a new email service. Each transport attempt is bounded
// by timeout; zero means no extra bound beyond the caller's context.
func NewService(timeout time.Duration, transports ...Transport) *Service {
	return &Service{transports: transports, timeout: timeout}
}

// Configured reports whether at least one transport is available.
func (s *Service) Configured() bool {
	return len(s.transports) > 0
}

// Transports lists the transport names in the order they are tried.
func (s *Service) Transports() []string {
	names := make([]string, len(s.transports))
	for i, t := range s.transports {
		names[i] = t.Name()
	}
	return names
}

// Send tries each transport in order and returns the name of the first one
// that accepted the message.
func (s *Service) Send(ctx context.Context, msg *Message) (string, error) {
	if len(s.transports) == 0 {
		return "", ErrNotConfigured
	}

	var failed []Attempt
	for _, t := range s.transports {
		err := s.attempt(ctx, t, msg)
		if err == nil {
			slog.Info("email sent", "transport", t.Name(), "failed_transports", len(failed))
			return t.Name(), nil
		}
		slog.Warn("email transport failed", "transport", t.Name(), "error", err)
		failed = append(failed, Attempt{Transport: t.Name(), Err: err})

		if ctx.Err() != nil {
			break
		}
	}
	return "", &TransportError{Attempts: failed}
}

func (s *Service) attempt(ctx context.Context, t Transport, msg *Message) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return t.Send(ctx, msg)
}
