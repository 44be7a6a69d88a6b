package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:         "db",
		Port:         5433,
		Database:     "riona",
		Username:     "coach",
		Password:     "p@ss word",
		MaxOpenConns: 8,
		MaxIdleConns: 2,
	})

	assert.Equal(t, int32(8), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLife)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, "host=db port=5433 dbname=riona user=coach password=p@ss word sslmode=disable", cfg.DSN())
	assert.Equal(t, "postgres://coach:p%40ss%20word@db:5433/riona?sslmode=disable", cfg.URL())
}

func TestConfigFromDomain_Defaults(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{MaxIdleConns: 50, SSLMode: "require"})

	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(0), cfg.MinConns)
	assert.Equal(t, "require", cfg.SSLMode)
}

func TestDatabaseConnectionAndMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := ConfigFromDomain(domain.DatabaseConfig{
		Host:         host,
		Port:         port.Int(),
		Database:     "testdb",
		Username:     "testuser",
		Password:     "testpass",
		MaxOpenConns: 4,
		MaxIdleConns: 1,
	})

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	runner, err := NewMigrationRunner(config.URL(), "../../migrations", logger)
	require.NoError(t, err)
	defer runner.Close()

	require.NoError(t, runner.Apply(ctx, DirectionUp))
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// A second run is a no-op.
	require.NoError(t, runner.Apply(ctx, DirectionUp))

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))

	var tables int
	err = db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_name IN ('cases', 'followups', 'calibration_models', 'model_versions')
	`).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 4, tables)

	require.NoError(t, runner.Apply(ctx, DirectionDown))
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	assert.Error(t, runner.Apply(ctx, "sideways"))
}
