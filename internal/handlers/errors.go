// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/i18n"
	"codeberg.org/oliverandrich/recovery-service/internal/services/recovery"
	"codeberg.org/oliverandrich/recovery-service/internal/validation"
	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body of every failed call. The continuation fields
// are set when a combined verify-and-apply call verified the code but could
// not apply the password; the token stays usable on /apply-password.
type ErrorResponse struct { //nolint:govet // fieldalignment: readability over optimization
	OK          bool       `json:"ok"`
	Error       string     `json:"error"`
	Message     string     `json:"message"`
	Retryable   bool       `json:"retryable"`
	Reasons     []string   `json:"reasons,omitempty"`
	Details     string     `json:"details,omitempty"`
	Token       string     `json:"token,omitempty"`
	ContinueURL string     `json:"continue_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

var kindStatus = map[recovery.Kind]int{
	recovery.KindValidation:               http.StatusBadRequest,
	recovery.KindInvalidOrExpired:         http.StatusBadRequest,
	recovery.KindInvalidCode:              http.StatusBadRequest,
	recovery.KindRecoveryReferenceMissing: http.StatusInternalServerError,
	recovery.KindUpstreamUnavailable:      http.StatusInternalServerError,
	recovery.KindConfiguration:            http.StatusInternalServerError,
	recovery.KindPasswordUpdateFailed:     http.StatusInternalServerError,
}

var kindMessage = map[recovery.Kind]string{
	recovery.KindValidation:           "error_validation",
	recovery.KindInvalidOrExpired:     "error_invalid_or_expired",
	recovery.KindInvalidCode:          "error_invalid_code",
	recovery.KindConfiguration:        "error_not_configured",
	recovery.KindPasswordUpdateFailed: "error_password_update_failed",
}

// fail writes err as a JSON error. validationKey overrides the message for
// validation errors without password reasons.
func (h *Handlers) fail(c echo.Context, err error, validationKey string) error {
	status, resp := h.errorResponse(c, err, validationKey)
	return c.JSON(status, resp)
}

// failVerified is fail for errors raised after the code was consumed.
func (h *Handlers) failVerified(c echo.Context, err error, v *recovery.Verification) error {
	status, resp := h.errorResponse(c, err, "")
	resp.Token = v.Token
	resp.ContinueURL = v.ContinueURL
	resp.ExpiresAt = &v.ExpiresAt
	return c.JSON(status, resp)
}

func (h *Handlers) errorResponse(c echo.Context, err error, validationKey string) (int, ErrorResponse) {
	ctx := c.Request().Context()

	var re *recovery.Error
	if !errors.As(err, &re) {
		re = &recovery.Error{Kind: "internal_error", Err: err}
	}

	status, ok := kindStatus[re.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	key, ok := kindMessage[re.Kind]
	if !ok {
		key = "error_internal"
	}
	if re.Kind == recovery.KindValidation {
		switch {
		case len(re.Details) > 0:
			key = "error_weak_password"
		case validationKey != "":
			key = validationKey
		}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("recovery request failed", "path", c.Path(), "kind", re.Kind, "error", err)
	} else {
		slog.Info("recovery request rejected", "path", c.Path(), "kind", re.Kind)
	}

	resp := ErrorResponse{
		Error:     string(re.Kind),
		Message:   i18n.T(ctx, key),
		Retryable: re.Retryable(),
		Reasons:   re.Details,
	}
	if h.exposeDetails {
		resp.Details = err.Error()
	}
	return status, resp
}

func (h *Handlers) badRequest(c echo.Context, msg string) error {
	return h.fail(c, &recovery.Error{Kind: recovery.KindValidation, Message: msg}, "")
}

// invalid reports a request body that failed its validate tags.
func (h *Handlers) invalid(c echo.Context, err error, validationKey string) error {
	return h.fail(c, &recovery.Error{Kind: recovery.KindValidation, Message: validation.Message(err), Err: err}, validationKey)
}
