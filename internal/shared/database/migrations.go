package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// migrationLockID serializes migrations when several servers boot against
// the same database.
const migrationLockID = 0x6f72626974

// RunMigrations applies every *.sql file in dir that is not yet recorded in
// schema_migrations, in lexical order, each in its own transaction.
func (db *DB) RunMigrations(ctx context.Context, dir string) error {
	logger := slog.With("component", "migrations", "dir", dir)
	logger.Info("Starting database migrations")

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT NOW()
		)`); err != nil {
		logger.Error("Failed to create migrations table", "error", err)
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := migrationFiles(dir)
	if err != nil {
		logger.Error("Failed to list migration files", "error", err)
		return fmt.Errorf("failed to list migration files: %w", err)
	}

	applied := 0
	for _, file := range files {
		ran, err := db.runMigration(ctx, file)
		if err != nil {
			return fmt.Errorf("failed to run migration %s: %w", filepath.Base(file), err)
		}
		if ran {
			applied++
		}
	}

	logger.Info("Migrations completed", "found", len(files), "applied", applied)
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (db *DB) runMigration(ctx context.Context, file string) (bool, error) {
	version := filepath.Base(file)
	logger := slog.With("component", "migrations", "operation", "run_migration", "migration", version)

	tx, err := db.BeginTxContext(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Error("Failed to rollback migration", "error", err)
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return false, fmt.Errorf("failed to take migration lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists {
		logger.Debug("Migration already applied")
		return false, nil
	}

	content, err := os.ReadFile(file)
	if err != nil {
		return false, err
	}

	logger.Info("Running migration", "size_bytes", len(content))
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		logger.Error("Migration failed", "error", err)
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit migration: %w", err)
	}
	return true, nil
}
