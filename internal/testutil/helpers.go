package testutil

import (
	"Bastion/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Tables truncated between integration tests.
var bastionTables = []string{
	"event_log.journal",
	"event_log.events",
	"event_log.snapshots",
	"projections.balances",
	"projections.lp_positions",
	"projections.payout_events",
	"projections.claims",
	"projections.watermark",
}

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// MigrationsDir returns the repository's migrations directory.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// PostgresDSN returns a DSN for integration tests: TEST_POSTGRES_DSN when set,
// otherwise a Postgres container shared by every test in the package. The
// test is skipped under -short or when no database can be started.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("bastion_test"),
			postgres.WithUsername("bastion"),
			postgres.WithPassword("bastion"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		containerDSN, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("test postgres not available: %v", containerErr)
	}
	return containerDSN
}

// SetupTestDB opens the test database, applies migrations and returns the
// *sql.DB with a cleanup function that truncates every Bastion table.
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := PostgresDSN(t)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not reachable: %v", err)
	}
	if err := persistence.NewMigrator(db, MigrationsDir()).Up(ctx); err != nil {
		db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	truncate(t, db)

	cleanup := func() {
		truncate(t, db)
		db.Close()
	}
	return db, cleanup
}

// SetupTestPool opens a pgx pool on the same database as SetupTestDB.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), PostgresDSN(t))
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range bastionTables {
		if _, err := db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table)); err != nil {
			t.Logf("truncate %s: %v", table, err)
		}
	}
}
