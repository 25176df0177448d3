// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// Audit levels.
const (
	AuditDebug   = "debug"
	AuditInfo    = "info"
	AuditWarning = "warning"
	AuditError   = "error"
)

// AuditEntry is one step of a recovery attempt.
type AuditEntry struct { //nolint:govet // fieldalignment: readability over optimization
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Action    string    `db:"action" json:"action"`
	Level     string    `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	OtpID     *string   `db:"otp_id" json:"otp_id,omitempty"`
	UserID    *string   `db:"user_id" json:"user_id,omitempty"`
	Metadata  string    `db:"metadata" json:"metadata"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
