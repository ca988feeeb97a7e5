// Package reconcile aligns stored candles to the analysis window the
// detectors require: rows outside the window are deleted, gaps inside it
// are backfilled.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
)

const (
	// maxWorkers caps how many symbols reconcile concurrently.
	maxWorkers   = 20
	storeTimeout = 30 * time.Second
)

// Store is the slice of the kline repository the controller drives.
type Store interface {
	TimeRange(ctx context.Context, symbol string) (minMs, maxMs, count int64, err error)
	CheckIntegrity(ctx context.Context, symbol string, fromMs, toMs int64) (database.IntegrityResult, error)
	DeleteBefore(ctx context.Context, symbol string, cutoffMs int64) (int64, error)
	DeleteFrom(ctx context.Context, symbol string, cutoffMs int64) (int64, error)
}

// Backfiller fills gaps inside the window. The historical loader satisfies
// it.
type Backfiller interface {
	LoadRange(ctx context.Context, symbol string, fromMs, toMs int64) (int, error)
}

// Watchlist yields the symbols a full run covers.
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

// Controller reconciles stored data with the required analysis window. Runs
// are idempotent; concurrent runs touching the same symbol serialize on a
// per-symbol lock.
type Controller struct {
	store    Store
	loader   Backfiller
	list     Watchlist
	clock    Clock
	settings SettingsSource
	bus      *events.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController wires the reconciliation controller.
func NewController(store Store, loader Backfiller, list Watchlist, clock Clock, settings SettingsSource, bus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	return &Controller{
		store:    store,
		loader:   loader,
		list:     list,
		clock:    clock,
		settings: settings,
		bus:      bus,
		metrics:  m,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// ReconcileAll runs reconciliation for every watchlist symbol. Called at
// startup and whenever the analysis window settings change.
func (c *Controller) ReconcileAll(ctx context.Context) error {
	symbols, err := c.list.ActiveSymbols(ctx)
	if err != nil {
		c.metrics.StorageErrors.Inc()
		return err
	}
	return c.Reconcile(ctx, symbols)
}

// Reconcile runs reconciliation for the given symbols on a bounded worker
// pool, publishing check progress on the client bus. Per-symbol failures
// are logged and do not fail the run.
func (c *Controller) Reconcile(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	s := c.settings.Get()
	fromMs, toMs := s.AnalysisWindow(c.clock.NowMs())

	c.bus.Publish(events.Event{
		Type: events.EventStartupCheckStarted,
		Data: map[string]interface{}{
			"symbols_count":  len(symbols),
			"analysis_hours": s.AnalysisHours,
			"offset_minutes": s.OffsetMinutes,
		},
	})
	c.logger.Info().
		Int("symbols", len(symbols)).
		Int64("from", fromMs).
		Int64("to", toMs).
		Msg("Reconciling stored data to analysis window")

	workers := maxWorkers
	if len(symbols) < workers {
		workers = len(symbols)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	var progressMu sync.Mutex
	reconciled := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				actions, err := c.reconcileSymbol(ctx, symbol, fromMs, toMs)
				if err != nil {
					c.logger.Error().Err(err).Str("symbol", symbol).Msg("Reconciliation failed")
					continue
				}
				if len(actions) == 0 {
					continue
				}
				progressMu.Lock()
				reconciled++
				progressMu.Unlock()
				c.bus.Publish(events.Event{
					Type: events.EventStartupCheckProgress,
					Data: map[string]interface{}{"symbol": symbol, "actions": actions},
				})
			}
		}()
	}

feed:
	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- symbol:
		}
	}
	close(jobs)
	wg.Wait()

	c.bus.Publish(events.Event{
		Type: events.EventStartupCheckCompleted,
		Data: map[string]interface{}{
			"reconciled_symbols": reconciled,
			"total_symbols":      len(symbols),
		},
	})
	c.logger.Info().Int("reconciled", reconciled).Int("total", len(symbols)).Msg("Reconciliation finished")
	return ctx.Err()
}

// reconcileSymbol aligns one symbol: trim rows before the window, trim rows
// at or past its end, then backfill whatever is missing inside. Returns a
// description of each action taken.
func (c *Controller) reconcileSymbol(ctx context.Context, symbol string, fromMs, toMs int64) ([]string, error) {
	lock := c.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	minMs, maxMs, count, err := c.timeRange(ctx, symbol)
	if err != nil {
		c.metrics.StorageErrors.Inc()
		return nil, err
	}

	var actions []string
	if count > 0 {
		if minMs < fromMs {
			n, err := c.deleteBefore(ctx, symbol, fromMs)
			if err != nil {
				c.metrics.StorageErrors.Inc()
				return actions, err
			}
			if n > 0 {
				actions = append(actions, fmt.Sprintf("deleted_old: %d", n))
			}
		}
		if maxMs >= toMs {
			n, err := c.deleteFrom(ctx, symbol, toMs)
			if err != nil {
				c.metrics.StorageErrors.Inc()
				return actions, err
			}
			if n > 0 {
				actions = append(actions, fmt.Sprintf("deleted_future: %d", n))
			}
		}
	}

	res, err := c.integrity(ctx, symbol, fromMs, toMs)
	if err != nil {
		c.metrics.StorageErrors.Inc()
		return actions, err
	}
	if res.Missing > 0 {
		n, err := c.loader.LoadRange(ctx, symbol, fromMs, toMs)
		if err != nil {
			return actions, err
		}
		if n > 0 {
			actions = append(actions, fmt.Sprintf("loaded: %d", n))
		}
	}

	if len(actions) > 0 {
		c.logger.Info().Str("symbol", symbol).Strs("actions", actions).Msg("Symbol reconciled")
	}
	return actions, nil
}

func (c *Controller) symbolLock(symbol string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[symbol] = lock
	}
	return lock
}

func (c *Controller) timeRange(ctx context.Context, symbol string) (int64, int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return c.store.TimeRange(ctx, symbol)
}

func (c *Controller) deleteBefore(ctx context.Context, symbol string, cutoffMs int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return c.store.DeleteBefore(ctx, symbol, cutoffMs)
}

func (c *Controller) deleteFrom(ctx context.Context, symbol string, cutoffMs int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return c.store.DeleteFrom(ctx, symbol, cutoffMs)
}

func (c *Controller) integrity(ctx context.Context, symbol string, fromMs, toMs int64) (database.IntegrityResult, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return c.store.CheckIntegrity(ctx, symbol, fromMs, toMs)
}
