// Package watchlist curates the set of monitored pairs. A pair qualifies
// when its price dropped enough from the daily close priceHistoryDays ago;
// qualifiers are admitted, everything else is evicted.
package watchlist

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/cache"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
)

const (
	batchSize  = 10
	fetchPause = 100 * time.Millisecond
	batchPause = time.Second
	// retryPause is how long a failed pass waits before the loop resumes
	// its normal cadence.
	retryPause = time.Minute

	dayMs = int64(24 * 60 * 60 * 1000)
)

// Venue is the REST surface the curator scans.
type Venue interface {
	GetInstruments(ctx context.Context) ([]bybit.Instrument, error)
	GetTickers(ctx context.Context) (map[string]float64, error)
	GetKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]bybit.Candle, error)
}

// Store persists the curated list.
type Store interface {
	SyncActive(ctx context.Context, entries []database.WatchlistEntry) error
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// CloseCache caches historical daily closes, which never change once the
// day is over. The Redis cache service satisfies it.
type CloseCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Clock supplies offset-corrected UTC milliseconds.
type Clock interface {
	NowMs() int64
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Get() config.Settings
}

// PairsChangedFunc is invoked after a pass that changed the active set.
// Both slices are sorted the way the scan produced them; either may be
// empty but not both.
type PairsChangedFunc func(added, removed []string)

// Curator periodically rescans all USDT perpetuals and maintains the
// watchlist. With watchlistAutoUpdate off the loop idles, but RunOnce stays
// callable for manual refreshes.
type Curator struct {
	venue    Venue
	store    Store
	closes   CloseCache
	clock    Clock
	settings SettingsSource
	bus      *events.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	onChanged PairsChangedFunc
}

// NewCurator wires the watchlist curator. closes may be nil; historical
// closes are then fetched fresh every pass.
func NewCurator(venue Venue, store Store, closes CloseCache, clock Clock, settings SettingsSource, bus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Curator {
	return &Curator{
		venue:    venue,
		store:    store,
		closes:   closes,
		clock:    clock,
		settings: settings,
		bus:      bus,
		metrics:  m,
		logger:   logger.With().Str("component", "watchlist").Logger(),
	}
}

// SetOnPairsChanged registers the callback that reacts to admissions and
// evictions. Call before Run.
func (c *Curator) SetOnPairsChanged(fn PairsChangedFunc) {
	c.onChanged = fn
}

// Run executes the periodic scan until ctx is cancelled. The interval is
// re-read from settings every cycle so a hot reload takes effect without a
// restart. With auto-update off the loop only sleeps.
func (c *Curator) Run(ctx context.Context) error {
	if c.settings.Get().WatchlistAutoUpdate {
		if _, _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Initial watchlist scan failed")
		}
	} else {
		c.logger.Info().Msg("Watchlist auto-update disabled")
	}

	for {
		s := c.settings.Get()
		interval := time.Duration(s.PairsCheckIntervalMinutes) * time.Minute
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if !c.settings.Get().WatchlistAutoUpdate {
			continue
		}
		if _, _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Watchlist scan failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}
	}
}

// RunOnce performs one full scan: score every trading USDT perpetual,
// persist the qualifiers as the active set, and report the diff. Returns
// the added and removed symbols.
func (c *Curator) RunOnce(ctx context.Context) (added, removed []string, err error) {
	s := c.settings.Get()

	instruments, err := c.venue.GetInstruments(ctx)
	if err != nil {
		return nil, nil, err
	}
	pool := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst.IsTradingUSDTPerp() {
			pool = append(pool, inst.Symbol)
		}
	}
	if len(pool) == 0 {
		c.logger.Warn().Msg("Instrument scan returned no tradable USDT perpetuals")
		return nil, nil, nil
	}

	prices, err := c.venue.GetTickers(ctx)
	if err != nil {
		return nil, nil, err
	}

	current, err := c.store.ActiveSymbols(ctx)
	if err != nil {
		return nil, nil, err
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, sym := range current {
		currentSet[sym] = struct{}{}
	}

	c.logger.Info().Int("pairs", len(pool)).Msg("Scoring perpetual pairs")

	entries := c.score(ctx, pool, prices, s)

	qualifierSet := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		qualifierSet[e.Symbol] = struct{}{}
		if _, ok := currentSet[e.Symbol]; !ok {
			added = append(added, e.Symbol)
		}
	}
	for _, sym := range current {
		if _, ok := qualifierSet[sym]; !ok {
			removed = append(removed, sym)
		}
	}

	if err := c.store.SyncActive(ctx, entries); err != nil {
		c.metrics.StorageErrors.Inc()
		return nil, nil, err
	}
	c.metrics.WatchlistSize.Set(float64(len(entries)))

	for _, sym := range added {
		c.bus.PublishWatchlistUpdated("added", sym)
	}
	for _, sym := range removed {
		c.bus.PublishWatchlistUpdated("removed", sym)
	}

	c.logger.Info().
		Int("active", len(entries)).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("Watchlist updated")

	if (len(added) > 0 || len(removed) > 0) && c.onChanged != nil {
		c.onChanged(added, removed)
	}
	return added, removed, nil
}

// score walks the pool in batches and returns entries for the symbols whose
// drop from the historical close clears the threshold. Symbols without a
// usable price are skipped.
func (c *Curator) score(ctx context.Context, pool []string, prices map[string]float64, s config.Settings) []database.WatchlistEntry {
	var entries []database.WatchlistEntry
	for start := 0; start < len(pool); start += batchSize {
		end := start + batchSize
		if end > len(pool) {
			end = len(pool)
		}
		for _, symbol := range pool[start:end] {
			if ctx.Err() != nil {
				return entries
			}
			currentPrice := prices[symbol]
			if currentPrice <= 0 {
				continue
			}
			historical, fetched := c.dailyClose(ctx, symbol, s.PriceHistoryDays)
			if historical <= 0 {
				continue
			}
			drop := (historical - currentPrice) / historical * 100
			if drop >= s.PriceDropPercentage {
				entries = append(entries, database.WatchlistEntry{
					Symbol:          symbol,
					CurrentPrice:    currentPrice,
					HistoricalPrice: historical,
					PriceDropPct:    drop,
					IsActive:        true,
				})
			}
			if fetched {
				select {
				case <-ctx.Done():
					return entries
				case <-time.After(fetchPause):
				}
			}
		}
		if end < len(pool) {
			select {
			case <-ctx.Done():
				return entries
			case <-time.After(batchPause):
			}
		}
	}
	return entries
}

// dailyClose resolves the close of the daily bar priceHistoryDays ago,
// consulting the cache first. The second return reports whether the venue
// was actually hit, which is what the pacing pauses care about.
func (c *Curator) dailyClose(ctx context.Context, symbol string, daysAgo int) (float64, bool) {
	targetMs := c.clock.NowMs() - int64(daysAgo)*dayMs
	date := time.UnixMilli(targetMs).UTC().Format("2006-01-02")
	key := cache.DailyCloseKey(symbol, date)

	if c.closes != nil {
		var cached float64
		if err := c.closes.GetJSON(ctx, key, &cached); err == nil && cached > 0 {
			return cached, false
		}
	}

	// Two-day span so the target day is covered even when it starts
	// mid-bar relative to the venue's daily boundary.
	klines, err := c.venue.GetKlines(ctx, symbol, bybit.IntervalDay, targetMs, targetMs+2*dayMs, 2)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Historical close fetch failed")
		return 0, true
	}
	if len(klines) == 0 {
		return 0, true
	}
	closePrice := klines[0].Close

	if c.closes != nil && closePrice > 0 {
		if err := c.closes.SetJSON(ctx, key, closePrice, cache.DailyCloseTTL); err != nil && err != cache.ErrUnavailable {
			c.logger.Debug().Err(err).Str("symbol", symbol).Msg("Historical close cache write failed")
		}
	}
	return closePrice, true
}
