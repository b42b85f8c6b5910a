// Package pgtest starts a throwaway PostgreSQL for store tests.
//
// Tests use the database named by PARAPHEUR_TEST_DATABASE_URL when it is
// set, otherwise a postgres container through testcontainers. They are
// skipped in -short mode and when no container runtime is reachable.
package pgtest

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names the variable that points tests at an existing database.
const DSNEnv = "PARAPHEUR_TEST_DATABASE_URL"

const image = "postgres:16-alpine"

// NewPool returns a pool on a fresh database. The pool and any container
// are released when t finishes.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres store tests skipped in -short mode")
	}

	ctx := context.Background()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		ctr, err := postgres.Run(ctx, image,
			postgres.WithDatabase("parapheur"),
			postgres.WithUsername("parapheur"),
			postgres.WithPassword("parapheur"),
			postgres.BasicWaitStrategies(),
		)
		testcontainers.CleanupContainer(t, ctr)
		if err != nil {
			t.Fatalf("start postgres container: %v", err)
		}
		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("postgres connection string: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

// Truncate empties tables between subtests.
func Truncate(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
		t.Fatalf("truncate %v: %v", tables, err)
	}
}
