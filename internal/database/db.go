// Package database owns the PostgreSQL pool, schema migrations, and the
// repositories for klines, the watchlist, and emitted alerts.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Minute klines keyed by symbol and bar start
		`CREATE TABLE IF NOT EXISTS kline_data (
			symbol VARCHAR(20) NOT NULL,
			start_time BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			turnover DOUBLE PRECISION NOT NULL,
			is_closed BOOLEAN NOT NULL DEFAULT FALSE,
			is_long BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (symbol, start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kline_data_closed ON kline_data(symbol, is_closed, start_time)`,

		// Monitored pairs selected by the price-drop filter. Pairs that stop
		// qualifying are deactivated rather than deleted so re-admission
		// keeps the original added_at.
		`CREATE TABLE IF NOT EXISTS watchlist (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL UNIQUE,
			current_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			historical_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			price_drop_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watchlist_active ON watchlist(is_active, symbol)`,

		// Emitted alerts with their full context payloads
		`CREATE TABLE IF NOT EXISTS alerts (
			id SERIAL PRIMARY KEY,
			alert_uid VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(20) NOT NULL,
			alert_type VARCHAR(32) NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			volume_usdt DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_volume_usdt DOUBLE PRECISION NOT NULL DEFAULT 0,
			ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			consecutive_count INTEGER NOT NULL DEFAULT 0,
			is_closed BOOLEAN NOT NULL DEFAULT FALSE,
			is_true_signal BOOLEAN NOT NULL DEFAULT FALSE,
			preliminary_ts BIGINT NOT NULL DEFAULT 0,
			strength DOUBLE PRECISION NOT NULL DEFAULT 0,
			has_imbalance BOOLEAN NOT NULL DEFAULT FALSE,
			imbalance_data JSONB,
			candle_data JSONB,
			order_book_snapshot JSONB,
			message TEXT NOT NULL DEFAULT '',
			alert_ts BIGINT NOT NULL,
			close_ts BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol_ts ON alerts(symbol, alert_ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(alert_type)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(alert_ts DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
