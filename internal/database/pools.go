package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/adminlive/internal/config"
)

// HealthCheckPeriod is how often idle pool connections are checked.
const HealthCheckPeriod = 30 * time.Second

// Connect creates a connection pool and verifies it with a ping.
// applicationName shows up in pg_stat_activity so instances can be told
// apart; it may be empty.
func Connect(ctx context.Context, cfg config.DBConfig, applicationName string) (*pgxpool.Pool, error) {
	poolCfg, err := ParsePoolConfig(cfg, applicationName)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ParsePoolConfig builds the pgxpool settings for cfg without dialing.
func ParsePoolConfig(cfg config.DBConfig, applicationName string) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.HealthCheckPeriod = HealthCheckPeriod
	if applicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	return poolCfg, nil
}
