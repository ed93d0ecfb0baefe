//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

var testPool *pgxpool.Pool

// TestMain connects to the database named by TEST_DATABASE_URL and applies
// the schema. Integration tests are skipped entirely when the variable is
// unset so `go test ./...` stays green on machines without Postgres.
func TestMain(m *testing.M) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		log.Println("TEST_DATABASE_URL not set; skipping postgres integration tests")
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPgxPool(ctx, dsn, 4)
	if err != nil {
		log.Fatalf("connect test database: %v", err)
	}
	testPool = pool

	schema, err := os.ReadFile("schema.sql")
	if err != nil {
		log.Fatalf("read schema.sql: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	code := m.Run()
	pool.Close()
	os.Exit(code)
}

func truncateAll(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`TRUNCATE items, batch_requests, batch_jobs, model_pricing;`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}
