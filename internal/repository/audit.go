// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/models"
)

// AppendAudit stores an audit entry and fills in its id and timestamp.
func (r *Repository) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = dbTime(e.CreatedAt)
	if e.Level == "" {
		e.Level = models.AuditInfo
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}

	return r.db.GetContext(ctx, &e.ID, r.q(`INSERT INTO recovery_audit_log
		(email, action, level, message, otp_id, user_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		e.Email, e.Action, e.Level, e.Message, e.OtpID, e.UserID, e.Metadata, e.CreatedAt)
}

// ListAudit returns the audit trail for an email, oldest first.
func (r *Repository) ListAudit(ctx context.Context, email string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := r.db.SelectContext(ctx, &entries, r.q(`SELECT
		id, email, action, level, message, otp_id, user_id, metadata, created_at
		FROM recovery_audit_log WHERE email = ? ORDER BY id`), email)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
