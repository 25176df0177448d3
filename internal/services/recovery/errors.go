// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery

import "fmt"

// Kind classifies recovery failures.
type Kind string

const (
	KindValidation               Kind = "validation_error"
	KindNotFoundMasked           Kind = "not_found_masked"
	KindInvalidOrExpired         Kind = "invalid_or_expired"
	KindInvalidCode              Kind = "invalid_code"
	KindRecoveryReferenceMissing Kind = "recovery_reference_missing"
	KindUpstreamUnavailable      Kind = "upstream_unavailable"
	KindConfiguration            Kind = "configuration_error"
	KindPasswordUpdateFailed     Kind = "password_update_failed"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation               = &Error{Kind: KindValidation}
	ErrNotFoundMasked           = &Error{Kind: KindNotFoundMasked}
	ErrInvalidOrExpired         = &Error{Kind: KindInvalidOrExpired}
	ErrInvalidCode              = &Error{Kind: KindInvalidCode}
	ErrRecoveryReferenceMissing = &Error{Kind: KindRecoveryReferenceMissing}
	ErrUpstreamUnavailable      = &Error{Kind: KindUpstreamUnavailable}
	ErrConfiguration            = &Error{Kind: KindConfiguration}
	ErrPasswordUpdateFailed     = &Error{Kind: KindPasswordUpdateFailed}
)

// Error is returned by every Service operation.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the same call may succeed later.
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstreamUnavailable || e.Kind == KindPasswordUpdateFailed
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
