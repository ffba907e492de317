package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PGConfig holds the PostgreSQL connection configuration.
type PGConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

func (cfg *PGConfig) Validate() error {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.Database == "" {
		return fmt.Errorf("postgres database is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("postgres username is required")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return nil
}

// ConnStr returns the postgres:// connection string for cfg.
func (cfg *PGConfig) ConnStr() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}

// Connect creates a pgx connection pool and verifies connectivity.
func Connect(ctx context.Context, log *slog.Logger, cfg PGConfig) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("store: connected to postgres", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return pool, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(log *slog.Logger, connStr string) error {
	log.Info("store: running postgres migrations")

	goose.SetBaseFS(embedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("store: postgres migrations completed")
	return nil
}
