// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package directory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"codeberg.org/oliverandrich/recovery-service/internal/models"
	"codeberg.org/oliverandrich/recovery-service/internal/repository"
)

// UserStore is the subset of the repository the local directory needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
}

// Local is a directory backed by the service's own users table.
type Local struct {
	users       UserStore
	redirectURL string
	cost        int
}

// NewLocal creates a local directory. redirectURL, when set, receives the
// recovery token as a query parameter to build delivery links.
func NewLocal(users UserStore, redirectURL string) *Local {
	return &Local{users: users, redirectURL: redirectURL, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (l *Local) WithCost(cost int) *Local {
	l.cost = cost
	return l
}

func (l *Local) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	user, err := l.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Identity{ID: user.ID, Email: user.Email}, nil
}

// IssueRecoveryReference mints a random reference. The local directory
// does not need it to authorize the change, but records carry one so the
// integrity checks hold for every backend.
func (l *Local) IssueRecoveryReference(ctx context.Context, email string) (*RecoveryReference, error) {
	if _, err := l.FindByEmail(ctx, email); err != nil {
		return nil, err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate recovery reference: %w", err)
	}
	ref := &RecoveryReference{Reference: hex.EncodeToString(buf)}

	if l.redirectURL != "" {
		u, err := url.Parse(l.redirectURL)
		if err != nil {
			return nil, fmt.Errorf("parse redirect URL: %w", err)
		}
		q := u.Query()
		q.Set("token", ref.Reference)
		u.RawQuery = q.Encode()
		ref.Link = u.String()
	}
	return ref, nil
}

func (l *Local) UpdatePasswordByID(ctx context.Context, userID, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), l.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	err = l.users.UpdateUserPassword(ctx, userID, string(hash))
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
