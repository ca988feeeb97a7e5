package alerts

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/cache"
)

// BookFetcher is the REST surface used to pull order book snapshots.
type BookFetcher interface {
	GetOrderbook(ctx context.Context, symbol string, depth int) (*bybit.OrderbookSnapshot, error)
}

const orderbookDepth = 25

// CachedBooks serves order book snapshots through the cache so a burst of
// alerts on one symbol costs a single upstream call. The cache may be nil
// or degraded; the fetcher is the fallback either way.
type CachedBooks struct {
	fetcher BookFetcher
	cache   *cache.CacheService
	logger  zerolog.Logger
}

func NewCachedBooks(fetcher BookFetcher, cs *cache.CacheService, logger zerolog.Logger) *CachedBooks {
	return &CachedBooks{
		fetcher: fetcher,
		cache:   cs,
		logger:  logger.With().Str("component", "orderbook-books").Logger(),
	}
}

// Snapshot returns a recent order book snapshot for the symbol.
func (b *CachedBooks) Snapshot(ctx context.Context, symbol string) (*bybit.OrderbookSnapshot, error) {
	key := cache.OrderbookSnapshotKey(symbol)
	if b.cache != nil {
		var snap bybit.OrderbookSnapshot
		if err := b.cache.GetJSON(ctx, key, &snap); err == nil {
			return &snap, nil
		}
	}

	snap, err := b.fetcher.GetOrderbook(ctx, symbol, orderbookDepth)
	if err != nil {
		return nil, err
	}
	if b.cache != nil {
		if err := b.cache.SetJSON(ctx, key, snap, cache.OrderbookSnapshotTTL); err != nil && !errors.Is(err, cache.ErrUnavailable) {
			b.logger.Debug().Err(err).Str("symbol", symbol).Msg("Order book cache write failed")
		}
	}
	return snap, nil
}
