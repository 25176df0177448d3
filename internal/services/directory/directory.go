// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package directory talks to the identity provider that owns user accounts.
package directory

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUnavailable   = errors.New("directory unavailable")
	ErrMisconfigured = errors.New("directory rejected service credentials")
)

// Identity is a user as known to the directory.
type Identity struct {
	ID    string
	Email string
	Name  string
}

// RecoveryReference is the provider credential that later authorizes a
// password change, plus the link the provider would mail itself.
type RecoveryReference struct {
	Reference string
	Link      string
}

// Directory resolves users and issues recovery references.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	IssueRecoveryReference(ctx context.Context, email string) (*RecoveryReference, error)
	UpdatePasswordByID(ctx context.Context, userID, newPassword string) error
}

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
