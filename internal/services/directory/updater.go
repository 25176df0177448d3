// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Target identifies whose password is changed and carries what each
// strategy may need to do it.
type Target struct {
	UserID            string
	Email             string
	RecoveryReference string
}

// PasswordUpdater is one way of overwriting a password.
type PasswordUpdater interface {
	Name() string
	UpdatePassword(ctx context.Context, target Target, newPassword string) error
}

// Strategy names accepted by NewUpdaters.
const (
	StrategyAdminByID       = "admin_by_id"
	StrategyAdminByEmail    = "admin_by_email"
	StrategyRecoverySession = "recovery_session"
	StrategyLocal           = "local"
)

// Chain tries updaters in order and stops at the first success.
type Chain struct {
	updaters []PasswordUpdater
}

func NewChain(updaters ...PasswordUpdater) *Chain {
	return &Chain{updaters: updaters}
}

// Apply runs the chain and returns the name of the updater that succeeded.
// When all fail the error joins every individual failure.
func (c *Chain) Apply(ctx context.Context, target Target, newPassword string) (string, error) {
	if len(c.updaters) == 0 {
		return "", errors.New("no password updaters configured")
	}

	var errs []error
	for _, u := range c.updaters {
		err := u.UpdatePassword(ctx, target, newPassword)
		if err == nil {
			return u.Name(), nil
		}
		slog.Warn("password update strategy failed", "strategy", u.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", u.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

// Names lists the configured strategies in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.updaters))
	for i, u := range c.updaters {
		names[i] = u.Name()
	}
	return names
}

type updaterFunc struct {
	name string
	fn   func(ctx context.Context, target Target, newPassword string) error
}

func (u updaterFunc) Name() string { return u.name }

func (u updaterFunc) UpdatePassword(ctx context.Context, target Target, newPassword string) error {
	return u.fn(ctx, target, newPassword)
}

// AdminByID overwrites the password of the identity resolved at request time.
func AdminByID(dir Directory) PasswordUpdater {
	return updaterFunc{name: StrategyAdminByID, fn: func(ctx context.Context, t Target, pw string) error {
		if t.UserID == "" {
			return errors.New("no user id")
		}
		return dir.UpdatePasswordByID(ctx, t.UserID, pw)
	}}
}

// AdminByEmail re-resolves the user by email before overwriting, covering
// stale ids.
func AdminByEmail(dir Directory) PasswordUpdater {
	return updaterFunc{name: StrategyAdminByEmail, fn: func(ctx context.Context, t Target, pw string) error {
		id, err := dir.FindByEmail(ctx, t.Email)
		if err != nil {
			return err
		}
		return dir.UpdatePasswordByID(ctx, id.ID, pw)
	}}
}

// RecoverySession redeems the recovery reference for a user session and
// changes the password as that user.
func RecoverySession(g *GoTrue) PasswordUpdater {
	return updaterFunc{name: StrategyRecoverySession, fn: func(ctx context.Context, t Target, pw string) error {
		token, err := g.ExchangeRecovery(ctx, t.RecoveryReference)
		if err != nil {
			return err
		}
		return g.UpdateOwnPassword(ctx, token, pw)
	}}
}

// LocalUpdate writes a new bcrypt hash into the users table.
func LocalUpdate(l *Local) PasswordUpdater {
	return updaterFunc{name: StrategyLocal, fn: func(ctx context.Context, t Target, pw string) error {
		return l.UpdatePasswordByID(ctx, t.UserID, pw)
	}}
}

// NewUpdaters builds the chain members named in names. gotrue may be nil
// when running against the local directory.
func NewUpdaters(names []string, dir Directory, gotrue *GoTrue) ([]PasswordUpdater, error) {
	var out []PasswordUpdater
	for _, name := range names {
		switch name {
		case StrategyAdminByID:
			out = append(out, AdminByID(dir))
		case StrategyAdminByEmail:
			out = append(out, AdminByEmail(dir))
		case StrategyRecoverySession:
			if gotrue == nil {
				return nil, fmt.Errorf("strategy %q requires the gotrue directory", name)
			}
			out = append(out, RecoverySession(gotrue))
		case StrategyLocal:
			local, ok := dir.(*Local)
			if !ok {
				return nil, fmt.Errorf("strategy %q requires the local directory", name)
			}
			out = append(out, LocalUpdate(local))
		default:
			return nil, fmt.Errorf("unknown password update strategy: %q", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no password update strategies configured")
	}
	return out, nil
}
