// Package backfill pulls missing minute candles over REST so the analysis
// window the detectors read stays contiguous.
package backfill

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
	"bybit-market-scanner/internal/timesync"
)

const (
	minuteMs = int64(60_000)
	// chunkMs is the range walked per REST burst. Inside a chunk the kline
	// endpoint is paged at its own 1000-bar limit.
	chunkMs = 24 * 60 * 60 * 1000

	chunkPause  = 100 * time.Millisecond
	symbolPause = 500 * time.Millisecond

	// integrityFloor is the coverage percentage below which the periodic
	// scan considers a symbol worth refetching.
	integrityFloor = 90.0

	scanInterval = time.Hour
	storeTimeout = 30 * time.Second
)

// KlineSource is the REST surface bars are pulled from.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]bybit.Candle, error)
}

// Store is the candle persistence the loader fills.
type Store interface {
	UpsertBatch(ctx context.Context, symbol string, candles []bybit.Candle) error
	ExistingStartTimes(ctx context.Context, symbol string, fromMs, toMs int64) (map[int64]struct{}, error)
	CheckIntegrity(ctx context.Context, symbol string, fromMs, toMs int64) (database.IntegrityResult, error)
}

// Watchlist yields the symbols the scan and the startup load cover.
type Watchlist interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// Clock supplies offset-corrected UTC milliseconds.
type Clock interface {
	NowMs() int64
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Get() config.Settings
}

// Loader fetches historical minutes the store does not have yet. All entry
// points are idempotent: bars already present are never refetched or
// rewritten.
type Loader struct {
	source   KlineSource
	store    Store
	list     Watchlist
	clock    Clock
	settings SettingsSource
	bus      *events.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewLoader wires the backfiller.
func NewLoader(source KlineSource, store Store, list Watchlist, clock Clock, settings SettingsSource, bus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Loader {
	return &Loader{
		source:   source,
		store:    store,
		list:     list,
		clock:    clock,
		settings: settings,
		bus:      bus,
		metrics:  m,
		logger:   logger.With().Str("component", "backfill").Logger(),
	}
}

// LoadRange fills [fromMs, toMs) for one symbol, skipping minutes already
// stored. Returns the number of bars written. The range is walked in 24 h
// chunks with a short pause between them to stay under venue rate limits.
func (l *Loader) LoadRange(ctx context.Context, symbol string, fromMs, toMs int64) (int, error) {
	fromMs = timesync.AlignDownToMinute(fromMs)
	toMs = timesync.AlignDownToMinute(toMs)
	if toMs <= fromMs {
		return 0, nil
	}

	existing, err := l.existing(ctx, symbol, fromMs, toMs)
	if err != nil {
		l.metrics.StorageErrors.Inc()
		return 0, err
	}

	written := 0
	for chunkStart := fromMs; chunkStart < toMs; chunkStart += chunkMs {
		chunkEnd := chunkStart + chunkMs
		if chunkEnd > toMs {
			chunkEnd = toMs
		}
		if !hasGap(existing, chunkStart, chunkEnd) {
			continue
		}

		n, err := l.loadChunk(ctx, symbol, chunkStart, chunkEnd, existing)
		written += n
		if err != nil {
			return written, err
		}

		if chunkEnd < toMs {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(chunkPause):
			}
		}
	}

	if written > 0 {
		l.metrics.BackfilledBars.Add(float64(written))
		l.logger.Info().
			Str("symbol", symbol).
			Int("bars", written).
			Int64("from", fromMs).
			Int64("to", toMs).
			Msg("Backfilled missing candles")
	}
	return written, nil
}

// loadChunk walks [fromMs, toMs) in page-sized windows and stores confirmed
// bars not seen before. Each window spans at most one page of minutes; on an
// oversized range the venue keeps only the newest bars, so a window must fit
// a single response. existing is updated in place so later windows and
// retries skip what this one wrote.
func (l *Loader) loadChunk(ctx context.Context, symbol string, fromMs, toMs int64, existing map[int64]struct{}) (int, error) {
	written := 0
	pageMs := int64(bybit.KlinePageLimit) * minuteMs
	for pageStart := fromMs; pageStart < toMs; pageStart += pageMs {
		pageEnd := pageStart + pageMs
		if pageEnd > toMs {
			pageEnd = toMs
		}
		if !hasGap(existing, pageStart, pageEnd) {
			continue
		}

		klines, err := l.source.GetKlines(ctx, symbol, bybit.IntervalMinute, pageStart, pageEnd, 0)
		if err != nil {
			return written, err
		}

		fresh := make([]bybit.Candle, 0, len(klines))
		for _, c := range klines {
			if !c.Confirmed {
				// The live minute is still changing; the stream owns it.
				continue
			}
			if _, ok := existing[c.StartMs]; ok {
				continue
			}
			fresh = append(fresh, c)
		}
		if len(fresh) > 0 {
			if err := l.upsert(ctx, symbol, fresh); err != nil {
				l.metrics.StorageErrors.Inc()
				return written, err
			}
			for _, c := range fresh {
				existing[c.StartMs] = struct{}{}
			}
			written += len(fresh)
		}

		if pageEnd < toMs {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(chunkPause):
			}
		}
	}
	return written, nil
}

// Run executes the periodic low-priority integrity scan until ctx is
// cancelled.
func (l *Loader) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", scanInterval).Msg("Integrity scan scheduled")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.ScanOnce(ctx)
		}
	}
}

// ScanOnce checks analysis-window coverage for every watchlist symbol and
// backfills the ones below the integrity floor. A broken symbol is logged
// and skipped; the pass continues.
func (l *Loader) ScanOnce(ctx context.Context) {
	symbols, err := l.list.ActiveSymbols(ctx)
	if err != nil {
		l.metrics.StorageErrors.Inc()
		l.logger.Error().Err(err).Msg("Integrity scan could not read watchlist")
		return
	}
	if len(symbols) == 0 {
		return
	}

	s := l.settings.Get()
	fromMs, toMs := s.AnalysisWindow(l.clock.NowMs())

	var needy []database.IntegrityResult
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		res, err := l.integrity(ctx, symbol, fromMs, toMs)
		if err != nil {
			l.metrics.StorageErrors.Inc()
			l.logger.Error().Err(err).Str("symbol", symbol).Msg("Integrity check failed")
			continue
		}
		if res.Percent < integrityFloor {
			needy = append(needy, res)
		}
	}
	if len(needy) == 0 {
		l.logger.Debug().Int("symbols", len(symbols)).Msg("Integrity scan clean")
		return
	}

	l.bus.Publish(events.Event{
		Type: events.EventDataCorrectionStarted,
		Data: map[string]interface{}{
			"symbols_count":  len(needy),
			"analysis_hours": s.AnalysisHours,
			"offset_minutes": s.OffsetMinutes,
		},
	})

	corrected := 0
	for i, res := range needy {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(symbolPause):
			}
		}

		l.logger.Info().
			Str("symbol", res.Symbol).
			Float64("percent", res.Percent).
			Int64("missing", res.Missing).
			Msg("Coverage below floor, backfilling")

		n, err := l.LoadRange(ctx, res.Symbol, fromMs, toMs)
		if err != nil {
			l.logger.Error().Err(err).Str("symbol", res.Symbol).Msg("Backfill failed")
			l.bus.Publish(events.Event{
				Type: events.EventDataCorrectionError,
				Data: map[string]interface{}{"symbol": res.Symbol, "error": err.Error()},
			})
			continue
		}
		corrected++
		l.bus.Publish(events.Event{
			Type: events.EventDataCorrectionProgress,
			Data: map[string]interface{}{"symbol": res.Symbol, "loaded": n},
		})
	}

	l.bus.Publish(events.Event{
		Type: events.EventDataCorrectionCompleted,
		Data: map[string]interface{}{
			"corrected_symbols": corrected,
			"total_symbols":     len(symbols),
		},
	})
}

// LoadWatchlist bulk-loads the full analysis window for every watchlist
// symbol. Meant for process start, before the live stream begins feeding the
// detectors. Per-symbol failures are logged and skipped.
func (l *Loader) LoadWatchlist(ctx context.Context) error {
	symbols, err := l.list.ActiveSymbols(ctx)
	if err != nil {
		l.metrics.StorageErrors.Inc()
		return err
	}
	if len(symbols) == 0 {
		l.logger.Info().Msg("Watchlist empty, nothing to load")
		return nil
	}

	s := l.settings.Get()
	fromMs, toMs := s.AnalysisWindow(l.clock.NowMs())

	l.bus.Publish(events.Event{
		Type: events.EventStartupLoadingStarted,
		Data: map[string]interface{}{
			"symbols_count":  len(symbols),
			"analysis_hours": s.AnalysisHours,
			"offset_minutes": s.OffsetMinutes,
		},
	})
	l.logger.Info().Int("symbols", len(symbols)).Msg("Loading history for watchlist")

	loaded := 0
	for i, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(symbolPause):
			}
		}
		if _, err := l.LoadRange(ctx, symbol, fromMs, toMs); err != nil {
			l.logger.Error().Err(err).Str("symbol", symbol).Msg("History load failed")
			continue
		}
		loaded++
	}

	l.bus.Publish(events.Event{
		Type: events.EventStartupLoadingCompleted,
		Data: map[string]interface{}{
			"loaded_symbols": loaded,
			"total_symbols":  len(symbols),
		},
	})
	l.logger.Info().Int("loaded", loaded).Int("total", len(symbols)).Msg("Watchlist history load finished")
	return nil
}

func (l *Loader) existing(ctx context.Context, symbol string, fromMs, toMs int64) (map[int64]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return l.store.ExistingStartTimes(ctx, symbol, fromMs, toMs)
}

func (l *Loader) upsert(ctx context.Context, symbol string, candles []bybit.Candle) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return l.store.UpsertBatch(ctx, symbol, candles)
}

func (l *Loader) integrity(ctx context.Context, symbol string, fromMs, toMs int64) (database.IntegrityResult, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return l.store.CheckIntegrity(ctx, symbol, fromMs, toMs)
}

// hasGap reports whether any minute in [fromMs, toMs) is absent from the
// stored set.
func hasGap(existing map[int64]struct{}, fromMs, toMs int64) bool {
	for ts := fromMs; ts < toMs; ts += minuteMs {
		if _, ok := existing[ts]; !ok {
			return true
		}
	}
	return false
}
