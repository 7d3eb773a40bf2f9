// Package testutil starts a disposable Postgres for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/marketplace-settlement/migrations"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Postgres is a running container with the schema applied.
type Postgres struct {
	DB        *sql.DB
	DSN       string
	container testcontainers.Container
}

// StartPostgres launches postgres:16-alpine and applies the migrations.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	pg := &Postgres{container: container}
	if err := pg.connect(ctx); err != nil {
		_ = pg.Close(ctx)
		return nil, err
	}
	return pg, nil
}

func (pg *Postgres) connect(ctx context.Context) error {
	host, err := pg.container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pg.container.MappedPort(ctx, "5432")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}

	pg.DSN = fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	pg.DB, err = sql.Open("postgres", pg.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := pg.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := migrations.Apply(ctx, pg.DB); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (pg *Postgres) Close(ctx context.Context) error {
	if pg.DB != nil {
		_ = pg.DB.Close()
	}
	if pg.container != nil {
		return pg.container.Terminate(ctx)
	}
	return nil
}

// Reset empties every table between tests.
func (pg *Postgres) Reset(t *testing.T) {
	t.Helper()
	_, err := pg.DB.Exec(`TRUNCATE audit_events, order_items, orders, main_orders, products, stores RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// Shared holds the container a package's TestMain started, if any.
type Shared struct {
	pg  *Postgres
	err error
}

// SetUp starts a container unless short is set. Failures are kept and turned
// into skips by DB, so machines without Docker still run unit tests.
func SetUp(short bool) *Shared {
	if short {
		return &Shared{err: fmt.Errorf("integration tests disabled by -short")}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pg, err := StartPostgres(ctx)
	return &Shared{pg: pg, err: err}
}

// DB returns the shared database reset to empty, or skips the test.
func (s *Shared) DB(t *testing.T) *sql.DB {
	t.Helper()
	if s.err != nil {
		t.Skipf("skipping Postgres integration test: %v", s.err)
	}
	s.pg.Reset(t)
	return s.pg.DB
}

func (s *Shared) TearDown() {
	if s.pg != nil {
		_ = s.pg.Close(context.Background())
	}
}
