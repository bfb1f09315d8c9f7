package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"orbit-server/internal/shared/config"

	_ "github.com/lib/pq"
)

const connectAttempts = 5

type DB struct {
	*sql.DB
}

type Tx struct {
	*sql.Tx
}

func (db *DB) BeginTxContext(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx}, nil
}

// Connect opens the pool and pings it, retrying while the database is still
// starting up. It gives up when ctx is done or after connectAttempts pings.
func Connect(ctx context.Context) (*DB, error) {
	cfg := config.GlobalConfig.Database
	logger := slog.With("component", "database", "operation", "connect")

	logger.Info("Connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"user", cfg.User,
		"database", cfg.Name,
		"sslmode", cfg.SSLMode,
		"max_open_conns", cfg.MaxOpenConns,
	)

	sqlDB, err := sql.Open("postgres", config.GlobalConfig.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = sqlDB.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt == connectAttempts || ctx.Err() != nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.Error("Failed to close database after ping failure", "error", closeErr)
			}
			return nil, fmt.Errorf("failed to ping database after %d attempts: %w", attempt, err)
		}
		logger.Warn("Database not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logger.Info("Database connection established", "host", cfg.Host, "database", cfg.Name)
	return &DB{sqlDB}, nil
}
