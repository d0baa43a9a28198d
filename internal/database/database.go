package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the pgx pool shared by the room, transcript and legal risk queries.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// PoolSize bounds the connection pool. Zero values keep pgx defaults.
type PoolSize struct {
	MaxConns int32
	MinConns int32
}

const applicationName = "leganize"

// poolConfig parses the DSN and applies the pool bounds.
func poolConfig(databaseURL string, size PoolSize) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url %s: %w", maskDSN(databaseURL), err)
	}
	if size.MaxConns > 0 {
		cfg.MaxConns = size.MaxConns
	}
	if size.MinConns > 0 {
		cfg.MinConns = min(size.MinConns, cfg.MaxConns)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return cfg, nil
}

// Connect opens the pool and checks the server answers before returning.
func Connect(ctx context.Context, databaseURL string, size PoolSize, log zerolog.Logger) (*DB, error) {
	cfg, err := poolConfig(databaseURL, size)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log}, nil
}

// HealthCheck pings with a short deadline so /health never hangs on the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
}

// maskDSN hides the password so DSNs can be logged.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return dsn
	}
	if _, hasPass := u.User.Password(); !hasPass {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "***")
	return u.String()
}
