// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package relay is a small authenticated HTTP front for SendGrid, used by
// deployments whose recovery service cannot hold the SendGrid key itself.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	"codeberg.org/oliverandrich/recovery-service/internal/validation"
	"github.com/labstack/echo/v4"
)

// Sender delivers one message upstream.
type Sender interface {
	Send(ctx context.Context, msg *email.Message) error
}

// Handler serves POST /api/send-email.
type Handler struct {
	secret string
	sender Sender
}

// New creates a relay handler. An empty secret makes every call fail with
// a configuration error.
func New(secret string, sender Sender) *Handler {
	return &Handler{secret: secret, sender: sender}
}

// Register mounts the relay routes on e. e must have a validation.Echo
// validator installed.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/api/send-email", h.SendEmail)
	e.OPTIONS("/api/send-email", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// SendEmail authenticates the caller and forwards the message.
func (h *Handler) SendEmail(c echo.Context) error {
	if h.secret == "" {
		slog.Error("relay secret not configured")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "server configuration error: relay secret not set"})
	}
	if !h.authorized(c.Request().Header.Get(echo.HeaderAuthorization)) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var msg email.Message
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
	}
	msg.To = strings.TrimSpace(msg.To)
	msg.Subject = strings.TrimSpace(msg.Subject)
	// A template carries its own subject, inline content needs one.
	if err := c.Validate(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":  validation.Message(err),
			"fields": validation.Fields(err),
		})
	}

	if err := h.sender.Send(c.Request().Context(), &msg); err != nil {
		slog.Error("relay delivery failed", "error", err)
		resp := map[string]any{"error": "upstream error", "details": err.Error()}
		var httpErr *email.HTTPError
		if errors.As(err, &httpErr) {
			resp["upstream_status"] = httpErr.StatusCode
		}
		return c.JSON(http.StatusBadGateway, resp)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "email sent",
	})
}

func (h *Handler) authorized(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.secret)) == 1
}
