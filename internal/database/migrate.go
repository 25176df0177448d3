// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package database

import (
	"embed"
	"path"

	"github.com/pressly/goose/v3"
	"github.com/vinovest/sqlx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// prepare points goose at the migration set matching the connection's driver.
func prepare(db *sqlx.DB) (string, error) {
	goose.SetBaseFS(embedMigrations)

	dialect, dir := "sqlite3", "sqlite"
	if db.DriverName() == DriverPostgres {
		dialect, dir = "postgres", "postgres"
	}

	if err := goose.SetDialect(dialect); err != nil {
		return "", err
	}
	return path.Join("migrations", dir), nil
}

// RunMigrations runs all pending goose migrations.
func RunMigrations(db *sqlx.DB) error {
	dir, err := prepare(db)
	if err != nil {
		return err
	}
	return goose.Up(db.DB, dir)
}

// MigrateDown rolls back the last migration.
func MigrateDown(db *sqlx.DB) error {
	dir, err := prepare(db)
	if err != nil {
		return err
	}
	return goose.Down(db.DB, dir)
}

// MigrateReset rolls back all migrations.
func MigrateReset(db *sqlx.DB) error {
	dir, err := prepare(db)
	if err != nil {
		return err
	}
	return goose.Reset(db.DB, dir)
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(db *sqlx.DB) error {
	dir, err := prepare(db)
	if err != nil {
		return err
	}
	return goose.Status(db.DB, dir)
}
