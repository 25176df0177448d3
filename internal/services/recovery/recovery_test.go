// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/models"
	"codeberg.org/oliverandrich/recovery-service/internal/repository"
	"codeberg.org/oliverandrich/recovery-service/internal/services/directory"
	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	"codeberg.org/oliverandrich/recovery-service/internal/services/recovery"
	"codeberg.org/oliverandrich/recovery-service/internal/services/throttle"
	"codeberg.org/oliverandrich/recovery-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const userEmail = "ana@example.com"

type fakeNotifier struct {
	mu          sync.Mutex
	sent        []*email.Message
	err         error
	unavailable bool
}

func (n *fakeNotifier) Configured() bool { return !n.unavailable }

func (n *fakeNotifier) Send(_ context.Context, msg *email.Message) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if n.err != nil {
		return "", n.err
	}
	return "fake", nil
}

func (n *fakeNotifier) last(t *testing.T) *email.Message {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent, "no message sent")
	return n.sent[len(n.sent)-1]
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type failingChanger struct{ err error }

func (f failingChanger) Apply(context.Context, directory.Target, string) (string, error) {
	return "", f.err
}

// brokenStore fails writes of recovery codes while reading through.
type brokenStore struct {
	*repository.Repository
	issueErr error
	markErr  error
}

func (b *brokenStore) IssueOtp(ctx context.Context, p repository.IssueParams) (*models.OtpRecord, error) {
	if b.issueErr != nil {
		return nil, b.issueErr
	}
	return b.Repository.IssueOtp(ctx, p)
}

func (b *brokenStore) MarkOtpUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	if b.markErr != nil {
		return false, b.markErr
	}
	return b.Repository.MarkOtpUsed(ctx, id, now)
}

type harness struct {
	svc      *recovery.Service
	repo     *repository.Repository
	notifier *fakeNotifier
	user     *models.User
	now      time.Time
	cfg      recovery.Config
	deps     recovery.Deps
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, modify ...func(*recovery.Config, *recovery.Deps)) *harness {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	user := testutil.NewTestUser(t, repo, userEmail, "old-password")

	local := directory.NewLocal(repo, "https://app.example.com/reset").WithCost(bcrypt.MinCost)
	codec, err := recovery.NewTokenCodec(bytes.Repeat([]byte("k"), 32), nil, 15*time.Minute)
	require.NoError(t, err)

	h := &harness{
		repo:     repo,
		notifier: &fakeNotifier{},
		user:     user,
		now:      time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		cfg: recovery.Config{
			TTL:               time.Hour,
			CodeLength:        6,
			VerifiedWindow:    15 * time.Minute,
			MinPasswordLength: 6,
			ContinueURL:       "https://app.example.com/new-password",
			AppName:           "ManiGrab",
		},
	}
	h.deps = recovery.Deps{
		Store:     repo,
		Audit:     repo,
		Directory: local,
		Updater:   directory.NewChain(directory.LocalUpdate(local)),
		Notifier:  h.notifier,
		Tokens:    codec,
	}
	for _, m := range modify {
		m(&h.cfg, &h.deps)
	}

	svc, err := recovery.NewService(h.deps, h.cfg)
	require.NoError(t, err)
	h.svc = svc.WithClock(h.clock)
	return h
}

func (h *harness) request(t *testing.T) string {
	t.Helper()
	before := h.notifier.count()
	require.NoError(t, h.svc.Request(context.Background(), recovery.RequestParams{Email: userEmail, ClientIP: "192.0.2.1"}))
	require.Equal(t, before+1, h.notifier.count(), "expected one recovery message")
	code, _ := h.notifier.last(t).TemplateData["otp_code"].(string)
	require.NotEmpty(t, code)
	return code
}

func (h *harness) actions(t *testing.T) []string {
	t.Helper()
	entries, err := h.repo.ListAudit(context.Background(), userEmail)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func (h *harness) passwordMatches(t *testing.T, password string) bool {
	t.Helper()
	user, err := h.repo.GetUserByID(context.Background(), h.user.ID)
	require.NoError(t, err)
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func TestRecovery_FullFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code := h.request(t)
	assert.Len(t, code, 6)
	msg := h.notifier.last(t)
	assert.Equal(t, userEmail, msg.To)
	assert.Contains(t, msg.Text, code)
	assert.Contains(t, msg.TemplateData["recovery_link"], "https://app.example.com/reset?token=")

	h.advance(5 * time.Minute)
	v, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: " Ana@Example.com ", Code: code})
	require.NoError(t, err)
	assert.NotEmpty(t, v.Token)
	assert.Contains(t, v.ContinueURL, "https://app.example.com/new-password?token=")
	assert.Empty(t, v.RecoveryReference)
	assert.True(t, h.now.Add(15*time.Minute).Equal(v.ExpiresAt))

	h.advance(time.Minute)
	require.NoError(t, h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: v.Token, NewPassword: "tortuga-azul"}))
	assert.True(t, h.passwordMatches(t, "tortuga-azul"))

	// Applying again inside the window is an idempotent overwrite.
	require.NoError(t, h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: v.Token, NewPassword: "tortuga-verde"}))
	assert.True(t, h.passwordMatches(t, "tortuga-verde"))

	assert.Contains(t, h.actions(t), "otp_issued")
	assert.Contains(t, h.actions(t), "email_sent")
	assert.Contains(t, h.actions(t), "otp_verified")
	assert.Contains(t, h.actions(t), "password_updated")
}

func TestRecovery_CodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.request(t)

	_, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
}

func TestRecovery_UnknownEmailIsMasked(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Request(context.Background(), recovery.RequestParams{Email: "ghost@example.com"})
	require.NoError(t, err)
	assert.Zero(t, h.notifier.count())

	entries, err := h.repo.ListAudit(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "user_not_found", entries[len(entries)-1].Action)

	_, err = h.repo.FindActiveOtp(context.Background(), "ghost@example.com", h.now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRecovery_RequestValidation(t *testing.T) {
	h := newHarness(t)
	for _, addr := range []string{"", "   ", "not-an-email", "Ana <ana@example.com>"} {
		err := h.svc.Request(context.Background(), recovery.RequestParams{Email: addr})
		assert.ErrorIs(t, err, recovery.ErrValidation, "email %q", addr)
	}
	assert.Zero(t, h.notifier.count())
}

func TestRecovery_NotifierNotConfigured(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Notifier = &fakeNotifier{unavailable: true}
	})
	for _, addr := range []string{userEmail, "ghost@example.com"} {
		err := h.svc.Request(context.Background(), recovery.RequestParams{Email: addr})
		assert.ErrorIs(t, err, recovery.ErrConfiguration)
	}
}

func TestRecovery_DeliveryFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp down")

	require.NoError(t, h.svc.Request(context.Background(), recovery.RequestParams{Email: userEmail}))
	assert.Contains(t, h.actions(t), "email_failed")

	// The code was stored, so it can still be verified if it arrives later.
	code, _ := h.notifier.last(t).TemplateData["otp_code"].(string)
	_, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: code})
	assert.NoError(t, err)
}

func TestRecovery_StoreFailureDegradesToLink(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Store = &brokenStore{Repository: d.Store.(*repository.Repository), issueErr: errors.New("disk full")}
	})

	require.NoError(t, h.svc.Request(context.Background(), recovery.RequestParams{Email: userEmail}))
	msg := h.notifier.last(t)
	assert.Empty(t, msg.TemplateData["otp_code"])
	assert.Contains(t, msg.TemplateData["recovery_link"], "token=")
	assert.Contains(t, h.actions(t), "otp_store_failed")
}

func TestRecovery_StoreFailureWithoutLink(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		local := directory.NewLocal(d.Store.(*repository.Repository), "")
		d.Directory = local
		d.Store = &brokenStore{Repository: d.Store.(*repository.Repository), issueErr: errors.New("disk full")}
	})

	err := h.svc.Request(context.Background(), recovery.RequestParams{Email: userEmail})
	assert.ErrorIs(t, err, recovery.ErrUpstreamUnavailable)
	assert.Zero(t, h.notifier.count())
}

func TestRecovery_ExpiredCode(t *testing.T) {
	h := newHarness(t)
	code := h.request(t)

	h.advance(time.Hour + time.Second)
	_, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: code})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
}

func TestRecovery_CodeMismatchLeavesRecordActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.request(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: wrong})
	assert.ErrorIs(t, err, recovery.ErrInvalidCode)
	assert.Contains(t, h.actions(t), "otp_mismatch")

	_, err = h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	assert.NoError(t, err)
}

func TestRecovery_OnlyNewestCodeVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.request(t)
	h.advance(time.Second)
	second := h.request(t)

	if first != second {
		_, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: first})
		assert.ErrorIs(t, err, recovery.ErrInvalidCode)
	}
	_, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: second})
	assert.NoError(t, err)
}

func TestRecovery_VerifyValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail})
	assert.ErrorIs(t, err, recovery.ErrValidation)
	_, err = h.svc.Verify(context.Background(), recovery.VerifyParams{Code: "123456"})
	assert.ErrorIs(t, err, recovery.ErrValidation)
	_, err = h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: "123456"})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
}

func TestRecovery_MissingRecoveryReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.repo.IssueOtp(ctx, repository.IssueParams{
		Email: userEmail, UserID: h.user.ID, Code: "424242", TTL: time.Hour, Now: h.now,
	})
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: "424242"})
	assert.ErrorIs(t, err, recovery.ErrRecoveryReferenceMissing)

	rec, err := h.repo.FindActiveOtp(ctx, userEmail, h.now)
	require.NoError(t, err)
	assert.False(t, rec.Used)
}

func TestRecovery_ConcurrentVerifyHasOneWinner(t *testing.T) {
	h := newHarness(t)
	code := h.request(t)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		results []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: code})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				results = append(results, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range results {
		assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
	}
}

func TestRecovery_MarkUsedFailureStillVerifies(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Store = &brokenStore{Repository: d.Store.(*repository.Repository), markErr: errors.New("locked")}
	})
	code := h.request(t)

	v, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: code})
	require.NoError(t, err)
	assert.Contains(t, h.actions(t), "otp_mark_used_failed")

	// The record never left the unused state, so the token cannot be redeemed.
	err = h.svc.ApplyNewPassword(context.Background(), recovery.ApplyParams{Token: v.Token, NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
}

func TestRecovery_VerifiedWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.request(t)

	v, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	require.NoError(t, err)

	h.advance(16 * time.Minute)
	err = h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: v.Token, NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
	assert.True(t, h.passwordMatches(t, "old-password"))
}

func TestRecovery_ApplyRejectsBadTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: "garbage", NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)

	err = h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrValidation)

	err = h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: "garbage"})
	assert.ErrorIs(t, err, recovery.ErrValidation)

	// Unverified records do not authorize a change even with a valid token.
	rec, err := h.repo.IssueOtp(ctx, repository.IssueParams{
		Email: userEmail, UserID: h.user.ID, Code: "424242", RecoveryReference: "ref", TTL: time.Hour, Now: h.now,
	})
	require.NoError(t, err)
	codec, err := recovery.NewTokenCodec(bytes.Repeat([]byte("k"), 32), nil, 15*time.Minute)
	require.NoError(t, err)
	token, err := codec.Encode(recovery.Continuation{OtpID: rec.ID, Email: userEmail, VerifiedAt: h.now})
	require.NoError(t, err)
	err = h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: token, NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)

	// A token whose email does not match its record is rejected.
	token, err = codec.Encode(recovery.Continuation{OtpID: rec.ID, Email: "mallory@example.com", VerifiedAt: h.now})
	require.NoError(t, err)
	err = h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: token, NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
}

func TestRecovery_EmailContinuation(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t)
		code := h.request(t)
		_, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: code})
		require.NoError(t, err)

		err = h.svc.ApplyNewPassword(context.Background(), recovery.ApplyParams{Email: userEmail, NewPassword: "tortuga-azul"})
		assert.ErrorIs(t, err, recovery.ErrValidation)
		assert.True(t, h.passwordMatches(t, "old-password"))
	})

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, func(c *recovery.Config, _ *recovery.Deps) {
			c.AllowEmailContinuation = true
		})
		ctx := context.Background()

		err := h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Email: userEmail, NewPassword: "tortuga-azul"})
		assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)

		code := h.request(t)
		_, err = h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
		require.NoError(t, err)

		require.NoError(t, h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Email: userEmail, NewPassword: "tortuga-azul"}))
		assert.True(t, h.passwordMatches(t, "tortuga-azul"))
	})
}

func TestRecovery_WeakPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.request(t)
	v, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	require.NoError(t, err)

	for _, pw := range []string{"abc", "12345678", "password"} {
		err := h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: v.Token, NewPassword: pw})
		require.ErrorIs(t, err, recovery.ErrValidation, "password %q", pw)

		var re *recovery.Error
		require.True(t, errors.As(err, &re))
		assert.NotEmpty(t, re.Details)
	}
	assert.True(t, h.passwordMatches(t, "old-password"))
}

func TestRecovery_UpdateFailure(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Updater = failingChanger{err: errors.New("admin_by_id: 500")}
	})
	ctx := context.Background()
	code := h.request(t)
	v, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	require.NoError(t, err)

	err = h.svc.ApplyNewPassword(ctx, recovery.ApplyParams{Token: v.Token, NewPassword: "tortuga-azul"})
	assert.ErrorIs(t, err, recovery.ErrPasswordUpdateFailed)
	assert.Contains(t, err.Error(), "admin_by_id")
	assert.Contains(t, h.actions(t), "password_update_failed")
}

func TestRecovery_ExposeRecoveryReference(t *testing.T) {
	h := newHarness(t, func(c *recovery.Config, _ *recovery.Deps) {
		c.ExposeRecoveryReference = true
		c.ContinueURL = ""
	})
	code := h.request(t)
	v, err := h.svc.Verify(context.Background(), recovery.VerifyParams{Email: userEmail, Code: code})
	require.NoError(t, err)
	assert.Len(t, v.RecoveryReference, 64)
	assert.Empty(t, v.ContinueURL)
}

func TestRecovery_Throttle(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Limiter = throttle.New(throttle.NewMemoryCounter(), time.Hour, 2)
	})
	ctx := context.Background()

	for range 4 {
		require.NoError(t, h.svc.Request(ctx, recovery.RequestParams{Email: userEmail, ClientIP: "192.0.2.1"}))
	}
	assert.Equal(t, 2, h.notifier.count())
	assert.Contains(t, h.actions(t), "otp_throttled")
}

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string, string) (throttle.Decision, error) {
	return throttle.Decision{Allowed: true}, errors.New("redis down")
}

func TestRecovery_ThrottleFailsOpen(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Limiter = erroringLimiter{}
	})
	h.request(t)
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := recovery.NewService(recovery.Deps{}, recovery.Config{})
	assert.Error(t, err)
}

func TestRecovery_VerifyAttemptsLimited(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.VerifyLimiter = throttle.New(throttle.NewMemoryCounter(), time.Hour, 3)
	})
	ctx := context.Background()
	code := h.request(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for range 3 {
		_, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: wrong})
		require.ErrorIs(t, err, recovery.ErrInvalidCode)
	}

	_, err := h.svc.Verify(ctx, recovery.VerifyParams{Email: userEmail, Code: code})
	assert.ErrorIs(t, err, recovery.ErrInvalidOrExpired)
	assert.Contains(t, h.actions(t), "verify_throttled")

	rec, err := h.repo.FindActiveOtp(ctx, userEmail, h.now)
	require.NoError(t, err)
	assert.False(t, rec.Used)
}

type rejectingDirectory struct{ directory.Directory }

func (rejectingDirectory) FindByEmail(context.Context, string) (*directory.Identity, error) {
	return nil, errors.Join(directory.ErrMisconfigured, errors.New("gotrue list users: status 401"))
}

func TestRecovery_DirectoryRejectsCredentials(t *testing.T) {
	h := newHarness(t, func(_ *recovery.Config, d *recovery.Deps) {
		d.Directory = rejectingDirectory{d.Directory}
	})

	err := h.svc.Request(context.Background(), recovery.RequestParams{Email: userEmail})
	assert.ErrorIs(t, err, recovery.ErrConfiguration)
	assert.NotErrorIs(t, err, recovery.ErrUpstreamUnavailable)

	var re *recovery.Error
	require.True(t, errors.As(err, &re))
	assert.False(t, re.Retryable())
	assert.Zero(t, h.notifier.count())
}

func TestRecovery_CheckPassword(t *testing.T) {
	h := newHarness(t)

	err := h.svc.CheckPassword(userEmail, "123")
	require.ErrorIs(t, err, recovery.ErrValidation)
	var re *recovery.Error
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Details, "min_length")

	assert.ErrorIs(t, h.svc.CheckPassword(userEmail, ""), recovery.ErrValidation)
	assert.NoError(t, h.svc.CheckPassword(userEmail, "tortuga-azul"))
}
