package database

import (
	"context"
	"encoding/json"
	"fmt"

	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/analysis"
	"bybit-market-scanner/internal/bybit"
)

// AlertRepository provides data access for emitted alerts.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert persists one alert. Context payloads land in JSONB columns;
// duplicate UIDs are rejected by the unique constraint.
func (r *AlertRepository) Insert(ctx context.Context, a *alerts.Alert) error {
	var imbalanceData, candleData, orderbookData []byte
	var err error
	if a.Imbalance != nil {
		if imbalanceData, err = json.Marshal(a.Imbalance); err != nil {
			return fmt.Errorf("marshaling imbalance for %s: %w", a.UID, err)
		}
	}
	if a.Candle != nil {
		if candleData, err = json.Marshal(a.Candle); err != nil {
			return fmt.Errorf("marshaling candle for %s: %w", a.UID, err)
		}
	}
	if a.Orderbook != nil {
		if orderbookData, err = json.Marshal(a.Orderbook); err != nil {
			return fmt.Errorf("marshaling orderbook for %s: %w", a.UID, err)
		}
	}

	query := `
		INSERT INTO alerts (
			alert_uid, symbol, alert_type, price, volume_usdt, avg_volume_usdt,
			ratio, consecutive_count, is_closed, is_true_signal, preliminary_ts,
			strength, has_imbalance, imbalance_data, candle_data,
			order_book_snapshot, message, alert_ts, close_ts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		a.UID, a.Symbol, string(a.Kind), a.Price, a.VolumeUSDT, a.AvgVolumeUSDT,
		a.Ratio, a.ConsecutiveCount, a.IsClosed, a.IsTrueSignal, a.PreliminaryTs,
		a.Strength(), a.HasImbalance(), imbalanceData, candleData,
		orderbookData, a.Message, a.AlertTs, a.CloseTs,
	).Scan(&a.CreatedAt)
}

// GetRecent returns the latest alerts, newest first. An empty symbol skips
// the symbol filter.
func (r *AlertRepository) GetRecent(ctx context.Context, limit int, symbol string) ([]*alerts.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT alert_uid, symbol, alert_type, price, volume_usdt, avg_volume_usdt,
		       ratio, consecutive_count, is_closed, is_true_signal, preliminary_ts,
		       imbalance_data, candle_data, order_book_snapshot, message,
		       alert_ts, close_ts, created_at
		FROM alerts
	`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = $1 ORDER BY alert_ts DESC LIMIT $2`
		args = append(args, symbol, limit)
	} else {
		query += ` ORDER BY alert_ts DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*alerts.Alert
	for rows.Next() {
		a := &alerts.Alert{}
		var kind string
		var imbalanceData, candleData, orderbookData []byte
		err := rows.Scan(
			&a.UID, &a.Symbol, &kind, &a.Price, &a.VolumeUSDT, &a.AvgVolumeUSDT,
			&a.Ratio, &a.ConsecutiveCount, &a.IsClosed, &a.IsTrueSignal, &a.PreliminaryTs,
			&imbalanceData, &candleData, &orderbookData, &a.Message,
			&a.AlertTs, &a.CloseTs, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		a.Kind = alerts.Kind(kind)

		if len(imbalanceData) > 0 {
			var imb analysis.Imbalance
			if err := json.Unmarshal(imbalanceData, &imb); err == nil {
				a.Imbalance = &imb
			}
		}
		if len(candleData) > 0 {
			var c bybit.Candle
			if err := json.Unmarshal(candleData, &c); err == nil {
				a.Candle = &c
			}
		}
		if len(orderbookData) > 0 {
			var ob bybit.OrderbookSnapshot
			if err := json.Unmarshal(orderbookData, &ob); err == nil {
				a.Orderbook = &ob
			}
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// CountByType returns alert counts grouped by alert type.
func (r *AlertRepository) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT alert_type, COUNT(*) FROM alerts GROUP BY alert_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

