// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeberg.org/oliverandrich/recovery-service/internal/models"
)

const otpColumns = `id, email, user_id, code, recovery_reference, recovery_link,
	expires_at, used, used_at, created_at`

// IssueParams describes a new OTP record.
type IssueParams struct { //nolint:govet // fieldalignment: readability over optimization
	Email             string
	UserID            string
	Code              string
	RecoveryReference string
	RecoveryLink      string
	TTL               time.Duration
	Now               time.Time
}

// IssueOtp stores a fresh, unused record expiring TTL after Now.
func (r *Repository) IssueOtp(ctx context.Context, p IssueParams) (*models.OtpRecord, error) {
	now := dbTime(p.Now)
	rec := &models.OtpRecord{
		ID:                uuid.NewString(),
		Email:             p.Email,
		UserID:            p.UserID,
		Code:              p.Code,
		RecoveryReference: p.RecoveryReference,
		RecoveryLink:      p.RecoveryLink,
		ExpiresAt:         dbTime(now.Add(p.TTL)),
		CreatedAt:         now,
	}

	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO otp_records
		(id, email, user_id, code, recovery_reference, recovery_link, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Email, rec.UserID, rec.Code, rec.RecoveryReference, rec.RecoveryLink,
		rec.ExpiresAt, false, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert otp record: %w", err)
	}
	return rec, nil
}

// FindActiveOtp returns the most recently issued unused record for email
// that has not expired at now.
func (r *Repository) FindActiveOtp(ctx context.Context, email string, now time.Time) (*models.OtpRecord, error) {
	var rec models.OtpRecord
	err := r.db.GetContext(ctx, &rec, r.q(`SELECT `+otpColumns+` FROM otp_records
		WHERE email = ? AND used = ? AND expires_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT 1`),
		email, false, dbTime(now))
	if err != nil {
		return nil, wrapError(err)
	}
	return &rec, nil
}

// MarkOtpUsed flips used from false to true. It reports whether this call
// performed the transition; a record that was already used is left alone.
func (r *Repository) MarkOtpUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE otp_records SET used = ?, used_at = ? WHERE id = ? AND used = ?`),
		true, dbTime(now), id, false)
	if err != nil {
		return false, fmt.Errorf("mark otp used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark otp used: %w", err)
	}
	return n == 1, nil
}

// GetOtp retrieves a record by id.
func (r *Repository) GetOtp(ctx context.Context, id string) (*models.OtpRecord, error) {
	var rec models.OtpRecord
	err := r.db.GetContext(ctx, &rec, r.q(`SELECT `+otpColumns+` FROM otp_records WHERE id = ?`), id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &rec, nil
}

// FindRecentlyVerifiedOtp returns the newest record for email that was
// consumed at or after since.
func (r *Repository) FindRecentlyVerifiedOtp(ctx context.Context, email string, since time.Time) (*models.OtpRecord, error) {
	var rec models.OtpRecord
	err := r.db.GetContext(ctx, &rec, r.q(`SELECT `+otpColumns+` FROM otp_records
		WHERE email = ? AND used = ? AND used_at >= ?
		ORDER BY used_at DESC, id DESC LIMIT 1`),
		email, true, dbTime(since))
	if err != nil {
		return nil, wrapError(err)
	}
	return &rec, nil
}
