// Package store owns all persistence for pools, claims, and idempotency
// records. Every claim status change goes through a compare-and-set guarded
// by the domain transition table; there is no unconditional status setter.
package store

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	Logger *slog.Logger
	DB     *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log   *slog.Logger
	db    *pgxpool.Pool
	clock clockwork.Clock
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:   cfg.Logger,
		db:    cfg.DB,
		clock: cfg.Clock,
	}, nil
}
