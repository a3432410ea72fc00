//go:build integration

// Package dbtest starts a disposable Postgres for integration tests and
// applies the embedded schema.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/clinic/auditcore/internal/platform/db"
	"github.com/clinic/auditcore/migrations"
)

// PostgresContainer wraps a testcontainers Postgres instance with a migrated pool.
type PostgresContainer struct {
	Container testcontainers.Container
	ConnStr   string
	Pool      *pgxpool.Pool
}

// NewPostgres starts postgres:16-alpine, applies all migrations and registers
// cleanup on t.
func NewPostgres(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("audittest"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	pool, err := db.NewPool(ctx, connStr, 8, 1, "public")
	if err != nil {
		_ = container.Terminate(context.Background())
		t.Fatalf("failed to connect to postgres: %v", err)
	}

	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx, "public"); err != nil {
		pool.Close()
		_ = container.Terminate(context.Background())
		t.Fatalf("failed to apply migrations: %v", err)
	}

	pc := &PostgresContainer{Container: container, ConnStr: connStr, Pool: pool}
	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(context.Background())
	})
	return pc
}

// Truncate empties the given tables between subtests.
func (p *PostgresContainer) Truncate(t *testing.T, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := p.Pool.Exec(context.Background(), "TRUNCATE "+table+" RESTART IDENTITY"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
