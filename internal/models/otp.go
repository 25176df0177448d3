// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// OtpRecord is one issued recovery code together with the provider
// credential that finalizes the password change.
type OtpRecord struct { //nolint:govet // fieldalignment: readability over optimization
	ID                string     `db:"id" json:"id"`
	Email             string     `db:"email" json:"email"`
	UserID            string     `db:"user_id" json:"user_id"`
	Code              string     `db:"code" json:"-"`
	RecoveryReference string     `db:"recovery_reference" json:"-"`
	RecoveryLink      string     `db:"recovery_link" json:"-"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	Used              bool       `db:"used" json:"used"`
	UsedAt            *time.Time `db:"used_at" json:"used_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// IsActive reports whether the record can still be verified at now.
func (o *OtpRecord) IsActive(now time.Time) bool {
	return !o.Used && !now.After(o.ExpiresAt)
}

// VerifiedSince reports whether the record was consumed at or after since.
func (o *OtpRecord) VerifiedSince(since time.Time) bool {
	return o.Used && o.UsedAt != nil && !o.UsedAt.Before(since)
}
