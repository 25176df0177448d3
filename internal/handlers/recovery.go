// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"net/http"
	"strings"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/i18n"
	"codeberg.org/oliverandrich/recovery-service/internal/services/recovery"
	"github.com/labstack/echo/v4"
)

// RequestOTPRequest is the request body for requesting a recovery code.
type RequestOTPRequest struct {
	Email string `json:"email" form:"email" validate:"required,email,max=254"`
}

// RequestOTP issues a recovery code. The response is the same whether or
// not the address belongs to an account.
func (h *Handlers) RequestOTP(c echo.Context) error {
	var req RequestOTPRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "invalid request body")
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := c.Validate(&req); err != nil {
		return h.invalid(c, err, "error_invalid_email")
	}

	ctx := c.Request().Context()
	err := h.recovery.Request(ctx, recovery.RequestParams{Email: req.Email, ClientIP: c.RealIP()})
	if err != nil {
		return h.fail(c, err, "error_invalid_email")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"message": i18n.T(ctx, "otp_sent"),
	})
}

// VerifyOTPRequest is the request body for verifying a code. NewPassword
// is optional; when set the password is applied in the same call.
type VerifyOTPRequest struct {
	Email       string `json:"email" form:"email" validate:"required,email"`
	Code        string `json:"otp_code" form:"otp_code" validate:"required,numeric"`
	NewPassword string `json:"new_password" form:"new_password"`
}

// VerifyOTPResponse is returned on successful verification.
type VerifyOTPResponse struct {
	OK            bool      `json:"ok"`
	Message       string    `json:"message"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	ContinueURL   string    `json:"continue_url,omitempty"`
	RecoveryToken string    `json:"recovery_token,omitempty"`
	Applied       bool      `json:"password_updated,omitempty"`
}

// VerifyOTP checks a code and returns the continuation token. With a new
// password the password policy is checked before the code is consumed.
func (h *Handlers) VerifyOTP(c echo.Context) error {
	var req VerifyOTPRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "invalid request body")
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if err := c.Validate(&req); err != nil {
		return h.invalid(c, err, "")
	}

	ctx := c.Request().Context()
	if req.NewPassword != "" {
		if err := h.recovery.CheckPassword(req.Email, req.NewPassword); err != nil {
			return h.fail(c, err, "")
		}
	}

	v, err := h.recovery.Verify(ctx, recovery.VerifyParams{Email: req.Email, Code: req.Code})
	if err != nil {
		return h.fail(c, err, "")
	}

	resp := VerifyOTPResponse{
		OK:            true,
		Message:       i18n.T(ctx, "otp_verified"),
		Token:         v.Token,
		ExpiresAt:     v.ExpiresAt,
		ContinueURL:   v.ContinueURL,
		RecoveryToken: v.RecoveryReference,
	}

	if req.NewPassword != "" {
		if err := h.recovery.ApplyNewPassword(ctx, recovery.ApplyParams{Token: v.Token, NewPassword: req.NewPassword}); err != nil {
			return h.failVerified(c, err, v)
		}
		resp.Applied = true
		resp.Message = i18n.T(ctx, "password_updated")
	}

	return c.JSON(http.StatusOK, resp)
}

// ApplyPasswordRequest is the request body for setting the new password.
type ApplyPasswordRequest struct {
	Token       string `json:"token" form:"token" validate:"required_without=Email"`
	Email       string `json:"email" form:"email" validate:"omitempty,email"`
	NewPassword string `json:"new_password" form:"new_password" validate:"required"`
}

// ApplyPassword overwrites the password authorized by a verified code.
func (h *Handlers) ApplyPassword(c echo.Context) error {
	var req ApplyPasswordRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "invalid request body")
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Email = strings.TrimSpace(req.Email)
	if err := c.Validate(&req); err != nil {
		return h.invalid(c, err, "")
	}

	ctx := c.Request().Context()
	err := h.recovery.ApplyNewPassword(ctx, recovery.ApplyParams{
		Token:       req.Token,
		Email:       req.Email,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		return h.fail(c, err, "")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"message": i18n.T(ctx, "password_updated"),
	})
}
