package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestDB returns a pool against a real PostgreSQL with migrations applied.
// In CI (CI_DATABASE_URL set): connects to the external service container.
// In local dev: spins up a testcontainer.
func newTestDB(t *testing.T) *stdsql.DB {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, RunMigrations(db, "test"))
	return db
}

func TestMigrationsCreateEventTables(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	db := newTestDB(t)
	ctx := context.Background()

	for _, table := range []string{"incident_events", "event_heads", "schema_migrations"} {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist after migrations", table)
	}

	// Running migrations twice is a no-op.
	require.NoError(t, RunMigrations(db, "test"))
}

func TestHealthReportsPoolStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	db := newTestDB(t)
	ctx := context.Background()

	status, err := Health(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 10, status.MaxOpenConns)
	assert.GreaterOrEqual(t, status.ResponseTime, int64(0))
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host: "db.internal", Port: 5433, User: "aegis", Password: "s3cret",
		Database: "aegis", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=aegis password=s3cret dbname=aegis sslmode=require",
		cfg.DSN())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "pg.example")
	t.Setenv("DB_PORT", "6432")
	t.Setenv("DB_PASSWORD", "pw")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "pg.example", cfg.Host)
	assert.Equal(t, 6432, cfg.Port)
	assert.Equal(t, "aegis", cfg.User)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)

	t.Setenv("DB_PORT", "not-a-port")
	_, err = LoadConfigFromEnv()
	assert.Error(t, err)
}
