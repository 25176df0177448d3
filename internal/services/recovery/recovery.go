// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package recovery implements the password recovery state machine:
// request a code, verify it, then apply a new password.
package recovery

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/models"
	"codeberg.org/oliverandrich/recovery-service/internal/repository"
	"codeberg.org/oliverandrich/recovery-service/internal/services/auth"
	"codeberg.org/oliverandrich/recovery-service/internal/services/directory"
	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	"codeberg.org/oliverandrich/recovery-service/internal/services/throttle"
	"codeberg.org/oliverandrich/recovery-service/internal/validation"
)

// Store persists OTP records.
type Store interface {
	IssueOtp(ctx context.Context, p repository.IssueParams) (*models.OtpRecord, error)
	FindActiveOtp(ctx context.Context, email string, now time.Time) (*models.OtpRecord, error)
	MarkOtpUsed(ctx context.Context, id string, now time.Time) (bool, error)
	GetOtp(ctx context.Context, id string) (*models.OtpRecord, error)
	FindRecentlyVerifiedOtp(ctx context.Context, email string, since time.Time) (*models.OtpRecord, error)
}

// AuditLog records the steps of each attempt.
type AuditLog interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// Notifier delivers composed messages.
type Notifier interface {
	Configured() bool
	Send(ctx context.Context, msg *email.Message) (string, error)
}

// PasswordChanger performs the final overwrite.
type PasswordChanger interface {
	Apply(ctx context.Context, target directory.Target, newPassword string) (string, error)
}

// Limiter throttles code requests and verification attempts.
type Limiter interface {
	Allow(ctx context.Context, group, key string) (throttle.Decision, error)
}

// Config holds the tunables of the state machine.
type Config struct { //nolint:govet // fieldalignment not critical for config structs
	TTL                     time.Duration
	CodeLength              int
	VerifiedWindow          time.Duration
	MinPasswordLength       int
	ContinueURL             string
	ExposeRecoveryReference bool
	AllowEmailContinuation  bool
	AppName                 string
	TemplateID              string
}

// Deps are the collaborators of the service. Limiter and VerifyLimiter
// may be nil.
type Deps struct {
	Store         Store
	Audit         AuditLog
	Directory     directory.Directory
	Updater       PasswordChanger
	Notifier      Notifier
	Limiter       Limiter
	VerifyLimiter Limiter
	Tokens        *TokenCodec
}

// Service runs the recovery flow.
type Service struct {
	deps      Deps
	cfg       Config
	validator *auth.PasswordValidator
	now       func() time.Time
}

// NewService creates a new recovery service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("recovery: store is required")
	case deps.Directory == nil:
		return nil, errors.New("recovery: directory is required")
	case deps.Updater == nil:
		return nil, errors.New("recovery: password updater is required")
	case deps.Notifier == nil:
		return nil, errors.New("recovery: notifier is required")
	case deps.Tokens == nil:
		return nil, errors.New("recovery: token codec is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.VerifiedWindow <= 0 {
		cfg.VerifiedWindow = 15 * time.Minute
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 6
	}
	if cfg.ContinueURL != "" {
		if _, err := url.Parse(cfg.ContinueURL); err != nil {
			return nil, fmt.Errorf("recovery: invalid continue URL: %w", err)
		}
	}

	return &Service{
		deps:      deps,
		cfg:       cfg,
		validator: auth.NewPasswordValidator(cfg.MinPasswordLength),
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// RequestParams identify who asks for a code.
type RequestParams struct {
	Email    string `validate:"required,email,max=254"`
	ClientIP string
}

// Request issues and delivers a code when the address belongs to a user.
// Unknown addresses, throttled callers and delivery failures all look like
// success to the caller.
func (s *Service) Request(ctx context.Context, p RequestParams) error {
	err := s.request(ctx, p)
	if errors.Is(err, ErrNotFoundMasked) {
		return nil
	}
	return err
}

func (s *Service) request(ctx context.Context, p RequestParams) error {
	addr, err := normalizeEmail(p.Email)
	if err != nil {
		return err
	}
	if !s.deps.Notifier.Configured() {
		return newError(KindConfiguration, "email delivery is not configured", email.ErrNotConfigured)
	}

	if s.throttled(ctx, s.deps.Limiter, addr, "otp_throttled", throttleCheck{"email", addr}, throttleCheck{"ip", p.ClientIP}) {
		return ErrNotFoundMasked
	}

	s.audit(ctx, models.AuditEntry{Email: addr, Action: "otp_requested", Message: "recovery code requested"})

	identity, err := s.deps.Directory.FindByEmail(ctx, addr)
	if errors.Is(err, directory.ErrUserNotFound) {
		slog.Info("recovery requested for unknown email")
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "user_not_found", Message: "no user for email"})
		return ErrNotFoundMasked
	}
	if err != nil {
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "user_lookup_failed", Level: models.AuditError, Message: err.Error()})
		return directoryError("user lookup failed", err)
	}

	ref, err := s.deps.Directory.IssueRecoveryReference(ctx, addr)
	if errors.Is(err, directory.ErrUserNotFound) {
		return ErrNotFoundMasked
	}
	if err != nil {
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "reference_failed", Level: models.AuditError, UserID: &identity.ID, Message: err.Error()})
		return directoryError("recovery reference generation failed", err)
	}
	if ref.Reference == "" {
		slog.Warn("provider returned no recovery reference", "user_id", identity.ID)
	}

	code, err := GenerateCode(s.cfg.CodeLength)
	if err != nil {
		return newError(KindUpstreamUnavailable, "code generation failed", err)
	}

	rec, err := s.deps.Store.IssueOtp(ctx, repository.IssueParams{
		Email:             addr,
		UserID:            identity.ID,
		Code:              code,
		RecoveryReference: ref.Reference,
		RecoveryLink:      ref.Link,
		TTL:               s.cfg.TTL,
		Now:               s.clock(),
	})
	if err != nil {
		return s.degradeToLink(ctx, addr, identity, ref, err)
	}

	s.audit(ctx, models.AuditEntry{
		Email: addr, Action: "otp_issued", OtpID: &rec.ID, UserID: &identity.ID,
		Message:  "recovery code stored",
		Metadata: metadata("expires_at", rec.ExpiresAt),
	})

	msg := email.ComposeRecovery(ctx, email.RecoveryMail{
		To:         addr,
		Name:       identity.Name,
		Code:       code,
		Link:       ref.Link,
		AppName:    s.cfg.AppName,
		TemplateID: s.cfg.TemplateID,
		TTL:        s.cfg.TTL,
	})
	s.deliver(ctx, addr, &rec.ID, msg)
	return nil
}

// degradeToLink sends the provider link alone when the code could not be
// stored.
func (s *Service) degradeToLink(ctx context.Context, addr string, identity *directory.Identity, ref *directory.RecoveryReference, storeErr error) error {
	s.audit(ctx, models.AuditEntry{Email: addr, Action: "otp_store_failed", Level: models.AuditError, UserID: &identity.ID, Message: storeErr.Error()})
	if ref.Link == "" {
		return newError(KindUpstreamUnavailable, "storing recovery code failed", storeErr)
	}

	slog.Warn("storing recovery code failed, sending link only", "error", storeErr)
	msg := email.ComposeRecovery(ctx, email.RecoveryMail{
		To:      addr,
		Name:    identity.Name,
		Link:    ref.Link,
		AppName: s.cfg.AppName,
		TTL:     s.cfg.TTL,
	})
	s.deliver(ctx, addr, nil, msg)
	return nil
}

func (s *Service) deliver(ctx context.Context, addr string, otpID *string, msg *email.Message) {
	transport, err := s.deps.Notifier.Send(ctx, msg)
	if err != nil {
		slog.Error("recovery email delivery failed", "error", err)
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "email_failed", Level: models.AuditError, OtpID: otpID, Message: err.Error()})
		return
	}
	s.audit(ctx, models.AuditEntry{Email: addr, Action: "email_sent", OtpID: otpID, Message: "recovery email sent", Metadata: metadata("transport", transport)})
}

type throttleCheck struct{ group, key string }

// throttled counts one event per check and reports whether any of them is
// over its limit. Limiter failures let the call through.
func (s *Service) throttled(ctx context.Context, lim Limiter, addr, action string, checks ...throttleCheck) bool {
	if lim == nil {
		return false
	}
	for _, check := range checks {
		d, err := lim.Allow(ctx, check.group, check.key)
		if err != nil {
			slog.Warn("throttle unavailable, allowing request", "group", check.group, "error", err)
			continue
		}
		if !d.Allowed {
			slog.Info("recovery call throttled", "group", check.group, "retry_after", d.RetryAfter)
			s.audit(ctx, models.AuditEntry{Email: addr, Action: action, Level: models.AuditWarning, Metadata: metadata("group", check.group)})
			return true
		}
	}
	return false
}

// VerifyParams carry the code the user typed.
type VerifyParams struct {
	Email string `validate:"required"`
	Code  string `validate:"required"`
}

// Verification authorizes one password change.
type Verification struct {
	Token             string
	ContinueURL       string
	RecoveryReference string
	ExpiresAt         time.Time
}

// Verify checks code against the newest active record for the address and
// consumes it.
func (s *Service) Verify(ctx context.Context, p VerifyParams) (*Verification, error) {
	p = VerifyParams{Email: directory.NormalizeEmail(p.Email), Code: strings.TrimSpace(p.Code)}
	if err := validation.Struct(&p); err != nil {
		return nil, newError(KindValidation, "email and otp_code are required", err)
	}
	addr, code := p.Email, p.Code

	// Counts every attempt per address, matching or not.
	if s.throttled(ctx, s.deps.VerifyLimiter, addr, "verify_throttled", throttleCheck{"verify", addr}) {
		return nil, newError(KindInvalidOrExpired, "too many verification attempts", nil)
	}

	now := s.clock()
	rec, err := s.deps.Store.FindActiveOtp(ctx, addr, now)
	if errors.Is(err, repository.ErrNotFound) {
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "otp_not_found", Level: models.AuditWarning, Message: "no active code"})
		return nil, newError(KindInvalidOrExpired, "", nil)
	}
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, "code lookup failed", err)
	}
	if !rec.IsActive(now) {
		return nil, newError(KindInvalidOrExpired, "store returned an inactive code", nil)
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(rec.Code)) != 1 {
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "otp_mismatch", Level: models.AuditWarning, OtpID: &rec.ID})
		return nil, newError(KindInvalidCode, "", nil)
	}

	if rec.RecoveryReference == "" {
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "reference_missing", Level: models.AuditError, OtpID: &rec.ID})
		return nil, newError(KindRecoveryReferenceMissing, "recovery reference missing for record "+rec.ID, nil)
	}

	won, err := s.deps.Store.MarkOtpUsed(ctx, rec.ID, now)
	switch {
	case err != nil:
		slog.Warn("marking recovery code used failed", "otp_id", rec.ID, "error", err)
		s.audit(ctx, models.AuditEntry{Email: addr, Action: "otp_mark_used_failed", Level: models.AuditWarning, OtpID: &rec.ID, Message: err.Error()})
	case !won:
		return nil, newError(KindInvalidOrExpired, "code was consumed concurrently", nil)
	}

	token, err := s.deps.Tokens.Encode(Continuation{OtpID: rec.ID, Email: addr, VerifiedAt: now})
	if err != nil {
		return nil, newError(KindConfiguration, "encoding continuation token failed", err)
	}

	v := &Verification{
		Token:     token,
		ExpiresAt: now.Add(s.cfg.VerifiedWindow),
	}
	if s.cfg.ContinueURL != "" {
		v.ContinueURL = continueURL(s.cfg.ContinueURL, token)
	}
	if s.cfg.ExposeRecoveryReference {
		v.RecoveryReference = rec.RecoveryReference
	}

	s.audit(ctx, models.AuditEntry{Email: addr, Action: "otp_verified", OtpID: &rec.ID, UserID: &rec.UserID, Message: "recovery code verified"})
	return v, nil
}

// ApplyParams carry the continuation and the new password. Email is only
// honoured when bare email continuation is enabled.
type ApplyParams struct {
	Token       string
	Email       string
	NewPassword string `validate:"required"`
}

// ApplyNewPassword overwrites the password of the user a verified code
// belongs to.
func (s *Service) ApplyNewPassword(ctx context.Context, p ApplyParams) error {
	if err := validation.Struct(&p); err != nil {
		return newError(KindValidation, "new_password is required", err)
	}

	rec, err := s.resolveContinuation(ctx, p)
	if err != nil {
		return err
	}

	now := s.clock()
	if !rec.VerifiedSince(now.Add(-s.cfg.VerifiedWindow)) {
		return newError(KindInvalidOrExpired, "verification is missing or too old", nil)
	}

	if err := s.CheckPassword(rec.Email, p.NewPassword); err != nil {
		return err
	}

	target := directory.Target{UserID: rec.UserID, Email: rec.Email, RecoveryReference: rec.RecoveryReference}
	identity, err := s.deps.Directory.FindByEmail(ctx, rec.Email)
	switch {
	case err == nil:
		target.UserID = identity.ID
	case errors.Is(err, directory.ErrUserNotFound):
		slog.Warn("user vanished between verify and apply", "otp_id", rec.ID)
	default:
		return directoryError("user lookup failed", err)
	}

	strategy, err := s.deps.Updater.Apply(ctx, target, p.NewPassword)
	if err != nil {
		s.audit(ctx, models.AuditEntry{Email: rec.Email, Action: "password_update_failed", Level: models.AuditError, OtpID: &rec.ID, UserID: &target.UserID, Message: err.Error()})
		return newError(KindPasswordUpdateFailed, "password update failed", err)
	}

	s.audit(ctx, models.AuditEntry{
		Email: rec.Email, Action: "password_updated", OtpID: &rec.ID, UserID: &target.UserID,
		Message: "password updated", Metadata: metadata("strategy", strategy),
	})
	return nil
}

// CheckPassword applies the password policy for the account at addr
// without touching any recovery state.
func (s *Service) CheckPassword(addr, newPassword string) error {
	if newPassword == "" {
		return newError(KindValidation, "new_password is required", nil)
	}
	err := s.validator.Validate(newPassword, auth.EmailAttributes(directory.NormalizeEmail(addr))...)
	if err == nil {
		return nil
	}
	e := newError(KindValidation, err.Error(), err)
	var pve *auth.PasswordValidationError
	if errors.As(err, &pve) {
		e.Details = pve.Codes()
	}
	return e
}

func (s *Service) resolveContinuation(ctx context.Context, p ApplyParams) (*models.OtpRecord, error) {
	if p.Token != "" {
		cont, err := s.deps.Tokens.Decode(p.Token)
		if err != nil {
			return nil, newError(KindInvalidOrExpired, "continuation token rejected", err)
		}
		rec, err := s.deps.Store.GetOtp(ctx, cont.OtpID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindInvalidOrExpired, "continuation refers to unknown record", nil)
		}
		if err != nil {
			return nil, newError(KindUpstreamUnavailable, "code lookup failed", err)
		}
		if rec.Email != cont.Email {
			return nil, newError(KindInvalidOrExpired, "continuation does not match record", nil)
		}
		return rec, nil
	}

	addr := directory.NormalizeEmail(p.Email)
	if addr == "" {
		return nil, newError(KindValidation, "token is required", nil)
	}
	if !s.cfg.AllowEmailContinuation {
		return nil, newError(KindValidation, "token is required", nil)
	}

	rec, err := s.deps.Store.FindRecentlyVerifiedOtp(ctx, addr, s.clock().Add(-s.cfg.VerifiedWindow))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindInvalidOrExpired, "no recent verification for email", nil)
	}
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, "code lookup failed", err)
	}
	return rec, nil
}

func normalizeEmail(raw string) (string, error) {
	p := RequestParams{Email: directory.NormalizeEmail(raw)}
	if err := validation.Struct(&p); err != nil {
		return "", newError(KindValidation, "email is invalid", err)
	}
	return p.Email, nil
}

// directoryError classifies a failed directory call. Rejected service
// credentials are an operator problem, not a transient one.
func directoryError(msg string, err error) *Error {
	if errors.Is(err, directory.ErrMisconfigured) {
		return newError(KindConfiguration, msg, err)
	}
	return newError(KindUpstreamUnavailable, msg, err)
}

func continueURL(base, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
