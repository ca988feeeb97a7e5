package database

import (
	"context"
	"fmt"
	"time"
)

// WatchlistEntry is one monitored pair with the prices that qualified it.
// Pairs that stop qualifying stay in the table as inactive rows; only active
// entries feed the live subscription.
type WatchlistEntry struct {
	Symbol          string    `json:"symbol"`
	CurrentPrice    float64   `json:"current_price"`
	HistoricalPrice float64   `json:"historical_price"`
	PriceDropPct    float64   `json:"price_drop_pct"`
	IsActive        bool      `json:"is_active"`
	AddedAt         time.Time `json:"added_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// WatchlistRepository provides data access for the monitored pair list.
type WatchlistRepository struct {
	db *DB
}

// NewWatchlistRepository creates a new watchlist repository.
func NewWatchlistRepository(db *DB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

// SyncActive makes the given entries the active watchlist in one
// transaction. Current qualifiers are upserted as active with fresh prices;
// every other row is deactivated. A symbol that re-qualifies later keeps its
// original added_at.
func (r *WatchlistRepository) SyncActive(ctx context.Context, entries []WatchlistEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin watchlist sync: %w", err)
	}
	defer tx.Rollback(ctx)

	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}

	deactivate := `
		UPDATE watchlist SET is_active = FALSE, updated_at = NOW()
		WHERE is_active AND NOT (symbol = ANY($1))
	`
	if _, err := tx.Exec(ctx, deactivate, symbols); err != nil {
		return fmt.Errorf("deactivating removed pairs: %w", err)
	}

	upsert := `
		INSERT INTO watchlist (symbol, current_price, historical_price, price_drop_pct, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (symbol) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			historical_price = EXCLUDED.historical_price,
			price_drop_pct = EXCLUDED.price_drop_pct,
			is_active = TRUE,
			updated_at = NOW()
	`
	for _, e := range entries {
		if _, err := tx.Exec(ctx, upsert, e.Symbol, e.CurrentPrice, e.HistoricalPrice, e.PriceDropPct); err != nil {
			return fmt.Errorf("upserting watchlist entry %s: %w", e.Symbol, err)
		}
	}

	return tx.Commit(ctx)
}

// GetActive returns the active watchlist ordered by symbol.
func (r *WatchlistRepository) GetActive(ctx context.Context) ([]WatchlistEntry, error) {
	return r.query(ctx, `
		SELECT symbol, current_price, historical_price, price_drop_pct, is_active, added_at, updated_at
		FROM watchlist
		WHERE is_active
		ORDER BY symbol ASC
	`)
}

// GetAll returns every stored entry, active or not, ordered by symbol.
func (r *WatchlistRepository) GetAll(ctx context.Context) ([]WatchlistEntry, error) {
	return r.query(ctx, `
		SELECT symbol, current_price, historical_price, price_drop_pct, is_active, added_at, updated_at
		FROM watchlist
		ORDER BY symbol ASC
	`)
}

func (r *WatchlistRepository) query(ctx context.Context, query string) ([]WatchlistEntry, error) {
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []WatchlistEntry
	for rows.Next() {
		var e WatchlistEntry
		err := rows.Scan(&e.Symbol, &e.CurrentPrice, &e.HistoricalPrice, &e.PriceDropPct,
			&e.IsActive, &e.AddedAt, &e.UpdatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ActiveSymbols returns just the symbols under live monitoring, ordered.
func (r *WatchlistRepository) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT symbol FROM watchlist WHERE is_active ORDER BY symbol ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}
