package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bybit-market-scanner/internal/bybit"
)

// KlineRepository provides data access for minute klines.
type KlineRepository struct {
	db *DB
}

// NewKlineRepository creates a new kline repository.
func NewKlineRepository(db *DB) *KlineRepository {
	return &KlineRepository{db: db}
}

// IntegrityResult summarizes closed-candle coverage of a time range.
type IntegrityResult struct {
	Symbol   string  `json:"symbol"`
	Expected int64   `json:"expected"`
	Actual   int64   `json:"actual"`
	Missing  int64   `json:"missing"`
	Percent  float64 `json:"percent"`
}

// Upsert inserts or replaces one candle. A later write for the same bar wins
// outright; the closed row from the stream carries the final values.
func (r *KlineRepository) Upsert(ctx context.Context, symbol string, c bybit.Candle) error {
	query := `
		INSERT INTO kline_data (symbol, start_time, open, high, low, close, volume, turnover, is_closed, is_long)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, start_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			turnover = EXCLUDED.turnover,
			is_closed = EXCLUDED.is_closed,
			is_long = EXCLUDED.is_long
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		symbol, c.StartMs, c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover, c.Confirmed, c.IsLong(),
	)
	return err
}

// UpsertBatch writes many candles for one symbol in a single round trip.
func (r *KlineRepository) UpsertBatch(ctx context.Context, symbol string, candles []bybit.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	query := `
		INSERT INTO kline_data (symbol, start_time, open, high, low, close, volume, turnover, is_closed, is_long)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, start_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			turnover = EXCLUDED.turnover,
			is_closed = EXCLUDED.is_closed,
			is_long = EXCLUDED.is_long
	`
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(query, symbol, c.StartMs, c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover, c.Confirmed, c.IsLong())
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range candles {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch upsert for %s: %w", symbol, err)
		}
	}
	return nil
}

// GetClosedRange returns closed candles with start_time in [fromMs, toMs),
// ascending by start time.
func (r *KlineRepository) GetClosedRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]bybit.Candle, error) {
	query := `
		SELECT start_time, open, high, low, close, volume, turnover, is_closed
		FROM kline_data
		WHERE symbol = $1 AND is_closed = TRUE AND start_time >= $2 AND start_time < $3
		ORDER BY start_time ASC
	`
	return r.queryCandles(ctx, query, symbol, fromMs, toMs)
}

// GetRecentClosed returns the latest limit closed candles, ascending.
func (r *KlineRepository) GetRecentClosed(ctx context.Context, symbol string, limit int) ([]bybit.Candle, error) {
	query := `
		SELECT start_time, open, high, low, close, volume, turnover, is_closed
		FROM kline_data
		WHERE symbol = $1 AND is_closed = TRUE
		ORDER BY start_time DESC
		LIMIT $2
	`
	candles, err := r.queryCandles(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	// The query walks newest first; flip into chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetBaselineVolumes returns quote-denominated volumes of closed candles in
// [fromMs, toMs), filtered by direction: "long", "short", or "all".
func (r *KlineRepository) GetBaselineVolumes(ctx context.Context, symbol string, fromMs, toMs int64, volumeType string) ([]float64, error) {
	query := `
		SELECT volume * close
		FROM kline_data
		WHERE symbol = $1 AND is_closed = TRUE AND start_time >= $2 AND start_time < $3
	`
	switch volumeType {
	case "long":
		query += ` AND is_long = TRUE`
	case "short":
		query += ` AND is_long = FALSE`
	case "all", "":
	default:
		return nil, fmt.Errorf("unknown volume type %q", volumeType)
	}
	query += ` ORDER BY start_time ASC`

	rows, err := r.db.Pool.Query(ctx, query, symbol, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// CheckIntegrity measures how completely [fromMs, toMs) is covered by
// closed candles. One candle is expected per minute, at least one overall.
func (r *KlineRepository) CheckIntegrity(ctx context.Context, symbol string, fromMs, toMs int64) (IntegrityResult, error) {
	result := IntegrityResult{Symbol: symbol}

	expected := (toMs - fromMs) / 60_000
	if expected < 1 {
		expected = 1
	}
	result.Expected = expected

	query := `
		SELECT COUNT(*)
		FROM kline_data
		WHERE symbol = $1 AND is_closed = TRUE AND start_time >= $2 AND start_time < $3
	`
	if err := r.db.Pool.QueryRow(ctx, query, symbol, fromMs, toMs).Scan(&result.Actual); err != nil {
		return result, err
	}

	result.Missing = result.Expected - result.Actual
	if result.Missing < 0 {
		result.Missing = 0
	}
	result.Percent = float64(result.Actual) / float64(result.Expected) * 100
	return result, nil
}

// TimeRange returns the closed-candle start-time bounds and row count for a
// symbol. count is zero when nothing is stored.
func (r *KlineRepository) TimeRange(ctx context.Context, symbol string) (minMs, maxMs, count int64, err error) {
	query := `
		SELECT MIN(start_time), MAX(start_time), COUNT(*)
		FROM kline_data
		WHERE symbol = $1 AND is_closed = TRUE
	`
	var minVal, maxVal *int64
	if err := r.db.Pool.QueryRow(ctx, query, symbol).Scan(&minVal, &maxVal, &count); err != nil {
		return 0, 0, 0, err
	}
	if minVal == nil || maxVal == nil {
		return 0, 0, 0, nil
	}
	return *minVal, *maxVal, count, nil
}

// ExistingStartTimes returns the set of stored bar starts in [fromMs, toMs).
func (r *KlineRepository) ExistingStartTimes(ctx context.Context, symbol string, fromMs, toMs int64) (map[int64]struct{}, error) {
	query := `
		SELECT start_time
		FROM kline_data
		WHERE symbol = $1 AND start_time >= $2 AND start_time < $3
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var start int64
		if err := rows.Scan(&start); err != nil {
			return nil, err
		}
		existing[start] = struct{}{}
	}
	return existing, rows.Err()
}

// DeleteBefore removes candles older than cutoffMs for one symbol.
func (r *KlineRepository) DeleteBefore(ctx context.Context, symbol string, cutoffMs int64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM kline_data WHERE symbol = $1 AND start_time < $2`, symbol, cutoffMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteFrom removes candles at or after cutoffMs for one symbol.
func (r *KlineRepository) DeleteFrom(ctx context.Context, symbol string, cutoffMs int64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM kline_data WHERE symbol = $1 AND start_time >= $2`, symbol, cutoffMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteBeforeAll removes candles older than cutoffMs across every symbol.
func (r *KlineRepository) DeleteBeforeAll(ctx context.Context, cutoffMs int64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM kline_data WHERE start_time < $1`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *KlineRepository) queryCandles(ctx context.Context, query string, args ...interface{}) ([]bybit.Candle, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []bybit.Candle
	for rows.Next() {
		var c bybit.Candle
		err := rows.Scan(&c.StartMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Turnover, &c.Confirmed)
		if err != nil {
			return nil, err
		}
		c.EndMs = c.StartMs + 60_000
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
