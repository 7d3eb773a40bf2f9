// Package migrations embeds the schema and applies it under an advisory lock,
// recording each step in schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/safar/marketplace-settlement/internal/database"
)

//go:embed *.sql
var migrationFiles embed.FS

const advisoryLockID int64 = 734512981

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Versions lists the embedded migration names in apply order.
func Versions() ([]string, error) {
	entries, err := migrationFiles.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), upSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), upSuffix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every pending up migration in name order and returns the names
// it applied.
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	versions, err := Versions()
	if err != nil {
		return nil, err
	}

	var applied []string
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedSet(ctx, conn)
		if err != nil {
			return err
		}
		for _, name := range versions {
			if done[name] {
				continue
			}
			if err := run(ctx, conn, name+upSuffix, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
				return err
			}
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// Rollback reverts up to steps of the most recently applied migrations and
// returns the names it reverted.
func Rollback(ctx context.Context, db *sql.DB, steps int) ([]string, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	versions, err := Versions()
	if err != nil {
		return nil, err
	}

	var reverted []string
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		done, err := appliedSet(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(versions) - 1; i >= 0 && len(reverted) < steps; i-- {
			name := versions[i]
			if !done[name] {
				continue
			}
			if err := run(ctx, conn, name+downSuffix, `DELETE FROM schema_migrations WHERE name = $1`, name); err != nil {
				return err
			}
			reverted = append(reverted, name)
		}
		return nil
	})
	return reverted, err
}

func withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockID)
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

func appliedSet(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration name: %w", err)
		}
		done[name] = true
	}
	return done, rows.Err()
}

// run executes one file and its bookkeeping statement in a transaction.
func run(ctx context.Context, conn *sql.Conn, file, bookkeeping, name string) error {
	body, err := migrationFiles.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	err = database.WithTransaction(ctx, conn, database.TxOptions{}, func(tx *sql.Tx) error {
		if stmt := strings.TrimSpace(string(body)); stmt != "" {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, bookkeeping, name); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migration %s: %w", file, err)
	}
	return nil
}
