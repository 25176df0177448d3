// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"context"
	"net/http"

	"codeberg.org/oliverandrich/recovery-service/internal/services/recovery"
	"github.com/labstack/echo/v4"
)

// RecoveryService is the state machine the endpoints drive.
type RecoveryService interface {
	Request(ctx context.Context, p recovery.RequestParams) error
	Verify(ctx context.Context, p recovery.VerifyParams) (*recovery.Verification, error)
	ApplyNewPassword(ctx context.Context, p recovery.ApplyParams) error
	CheckPassword(email, newPassword string) error
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	recovery      RecoveryService
	exposeDetails bool
}

// New creates a new Handlers instance. exposeDetails adds internal error
// text to error responses and must stay off in production.
func New(svc RecoveryService, exposeDetails bool) *Handlers {
	return &Handlers{recovery: svc, exposeDetails: exposeDetails}
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Preflight answers CORS preflight requests the CORS middleware let through.
func (h *Handlers) Preflight(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
