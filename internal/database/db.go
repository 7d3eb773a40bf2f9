package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/marketplace-settlement/internal/config"
)

const (
	pingAttempts = 5
	pingTimeout  = 5 * time.Second
)

// NewConnection opens the pool and waits for Postgres to answer, retrying a
// few times with a growing delay while the server is still starting.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	delay := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = ping(ctx, db)
		if err == nil {
			return db, nil
		}
		if attempt == pingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	db.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", pingAttempts, err)
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}
