// Package storetesting runs a throwaway Postgres container for store
// integration tests.
package storetesting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/malbeclabs/irrwatch/pkg/store"
)

// DBConfig holds the Postgres test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "irrwatch_test"
	}
	if cfg.Username == "" {
		cfg.Username = "irrwatch"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB represents a running Postgres test container with migrations applied.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	url       string
	container *tcpostgres.PostgresContainer
}

// NewDB starts a Postgres container and applies the embedded migrations.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	container, err := tcpostgres.Run(ctx, cfg.ContainerImage,
		tcpostgres.WithDatabase(cfg.Database),
		tcpostgres.WithUsername(cfg.Username),
		tcpostgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort(nat.Port("5432/tcp")).WithStartupTimeout(60*time.Second),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	if err := store.RunMigrations(ctx, log, url); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{log: log, cfg: cfg, url: url, container: container}, nil
}

// URL returns the Postgres connection string.
func (db *DB) URL() string {
	return db.url
}

// NewPool opens a fresh pgx pool against the container.
func (db *DB) NewPool(ctx context.Context) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, db.url)
}

// Close terminates the Postgres container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}
