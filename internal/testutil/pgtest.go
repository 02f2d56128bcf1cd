// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/bazaar/migrations"
)

// tables lists application tables in truncation order.
var tables = []string{
	"dispute_messages",
	"disputes",
	"withdrawal_requests",
	"orders",
	"vouchers",
	"listings",
	"idempotency_keys",
	"ledger_entries",
	"accounts",
	"platform_settings",
}

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest returns a migrated database and a cleanup function that empties
// every application table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing server. Without it a disposable
// Postgres container is started once per test binary; when Docker is not
// available the test is skipped.
func PGTest(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		containerOnce.Do(func() { containerURL, containerErr = startContainer(ctx) })
		if containerErr != nil {
			t.Skipf("no POSTGRES_URL and no container runtime: %v", containerErr)
		}
		dbURL = containerURL
	}

	db, err := sqlx.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db.DB, ".")
}

func startContainer(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bazaar_test"),
		tcpostgres.WithUsername("bazaar"),
		tcpostgres.WithPassword("bazaar"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		return "", fmt.Errorf("start postgres container: %w", err)
	}
	return ctr.ConnectionString(ctx, "sslmode=disable")
}

func truncateAll(ctx context.Context, db *sqlx.DB) {
	for _, table := range tables {
		_, _ = db.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE")
	}
}
