package postgresutil

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN      string `env:"DSN,required"`
	MaxConns int32  `env:"MAX_CONNS"` // zero value (0) means pgxpool's default
}

// NewPool opens a pool and checks that the database answers.
func NewPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	pgxConf, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgresutil: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgxConf.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxConf)
	if err != nil {
		return nil, fmt.Errorf("postgresutil: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgresutil: %w", err)
	}

	return pool, nil
}
