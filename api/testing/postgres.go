// Package apitesting provides database containers for handler tests.
package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/H-JUYEONG/Text2SQL/api/config"
	"github.com/H-JUYEONG/Text2SQL/api/migrations"
)

// PostgresDBConfig holds the Postgres test container configuration.
type PostgresDBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

// PostgresDB represents a Postgres test container shared by a test package.
type PostgresDB struct {
	log       *slog.Logger
	cfg       *PostgresDBConfig
	container *tcpostgres.PostgresContainer
	adminURL  string
}

func (cfg *PostgresDBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "postgres"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// NewPostgresDB starts a Postgres testcontainer.
func NewPostgresDB(ctx context.Context, log *slog.Logger, cfg *PostgresDBConfig) (*PostgresDB, error) {
	if cfg == nil {
		cfg = &PostgresDBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
	}

	adminURL, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres connection string: %w", err)
	}

	return &PostgresDB{
		log:       log,
		cfg:       cfg,
		container: container,
		adminURL:  adminURL,
	}, nil
}

// AdminURL returns the connection string for the container's default database.
func (db *PostgresDB) AdminURL() string {
	return db.adminURL
}

// Close terminates the Postgres container.
func (db *PostgresDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

// SetupTestPostgres creates a unique database for this test, runs the
// migrations, and swaps config.PgPool to point at it. A cleanup restores the
// previous pool and drops the test database.
func SetupTestPostgres(t *testing.T, db *PostgresDB) {
	ctx := t.Context()

	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	adminPool, err := pgxpool.New(ctx, db.adminURL)
	require.NoError(t, err, "failed to create Postgres admin pool")

	_, err = adminPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	testURL := replaceDatabase(db.adminURL, db.cfg.Database, databaseName)
	require.NoError(t, migrations.Run(ctx, slog.Default(), testURL), "failed to run migrations")

	testPool, err := pgxpool.New(ctx, testURL)
	require.NoError(t, err, "failed to create Postgres test pool")
	require.NoError(t, testPool.Ping(ctx), "failed to ping test database")

	oldPool := config.PgPool
	config.PgPool = testPool

	t.Cleanup(func() {
		testPool.Close()
		// DROP DATABASE needs the last connection to it closed first
		_, _ = adminPool.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		adminPool.Close()
		config.PgPool = oldPool
	})
}

// replaceDatabase swaps the database path segment in a Postgres URL.
func replaceDatabase(url, oldDB, newDB string) string {
	return strings.Replace(url, "/"+oldDB+"?", "/"+newDB+"?", 1)
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
