// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"github.com/vinovest/sqlx"
	"golang.org/x/crypto/bcrypt"

	"codeberg.org/oliverandrich/recovery-service/internal/config"
	"codeberg.org/oliverandrich/recovery-service/internal/database"
	"codeberg.org/oliverandrich/recovery-service/internal/repository"
	"codeberg.org/oliverandrich/recovery-service/internal/server"
	"codeberg.org/oliverandrich/recovery-service/internal/services/auth"
	"codeberg.org/oliverandrich/recovery-service/internal/services/directory"
)

// withDB opens the configured database (applying pending migrations) and
// hands it to fn.
func withDB(cmd *cli.Command, fn func(db *sqlx.DB) error) error {
	cfg := config.NewFromCLI(cmd)
	server.SetupLogger(cfg.Log)

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()
	return fn(db)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage database migrations",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(_ context.Context, cmd *cli.Command) error {
					return withDB(cmd, func(*sqlx.DB) error {
						slog.Info("migrations applied")
						return nil
					})
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the latest migration",
				Action: func(_ context.Context, cmd *cli.Command) error {
					return withDB(cmd, database.MigrateDown)
				},
			},
			{
				Name:  "reset",
				Usage: "Roll back all migrations",
				Action: func(_ context.Context, cmd *cli.Command) error {
					return withDB(cmd, database.MigrateReset)
				},
			},
			{
				Name:  "status",
				Usage: "Show migration status",
				Action: func(_ context.Context, cmd *cli.Command) error {
					return withDB(cmd, database.MigrationStatus)
				},
			},
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage users of the local directory",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a user with an initial password",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true, Usage: "Email address"},
					&cli.StringFlag{Name: "password", Required: true, Usage: "Initial password"},
				},
				Action: createUser,
			},
		},
	}
}

func createUser(ctx context.Context, cmd *cli.Command) error {
	addr := directory.NormalizeEmail(cmd.String("email"))
	password := cmd.String("password")
	if addr == "" {
		return errors.New("email is required")
	}

	minLength := int(cmd.Int("min-password-length"))
	if err := auth.NewPasswordValidator(minLength).Validate(password, auth.EmailAttributes(addr)...); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return withDB(cmd, func(db *sqlx.DB) error {
		user, err := repository.New(db).CreateUser(ctx, addr, string(hash))
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		slog.Info("user created", "id", user.ID, "email", user.Email)
		return nil
	})
}
