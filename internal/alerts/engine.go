package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/metrics"
)

// CandleStore is the slice of the kline repository the engine reads and
// writes. The live repository satisfies it; tests swap in memory.
type CandleStore interface {
	Upsert(ctx context.Context, symbol string, c bybit.Candle) error
	GetBaselineVolumes(ctx context.Context, symbol string, fromMs, toMs int64, volumeType string) ([]float64, error)
	GetRecentClosed(ctx context.Context, symbol string, limit int) ([]bybit.Candle, error)
}

// Clock supplies offset-corrected UTC milliseconds.
type Clock interface {
	NowMs() int64
	Synced() bool
}

// SettingsSource yields the current settings snapshot. Workers read one
// snapshot per candle event so a mid-evaluation reload cannot tear state.
type SettingsSource interface {
	Get() config.Settings
}

// OrderbookProvider fetches an order book snapshot to attach to alerts.
type OrderbookProvider interface {
	Snapshot(ctx context.Context, symbol string) (*bybit.OrderbookSnapshot, error)
}

// Pusher accepts emitted alerts for delivery and must not block.
type Pusher interface {
	Push(a *Alert)
}

const (
	mailboxSize = 256
	// mailboxHighWater is where open ticks start being shed. Closed
	// candles keep flowing until the mailbox is truly full.
	mailboxHighWater = 192
)

// Engine fans candle events out to one worker goroutine per symbol. All
// per-symbol alert state lives inside the worker and is touched only by its
// own goroutine, so no evaluation path takes a lock.
type Engine struct {
	store   CandleStore
	clock   Clock
	source  SettingsSource
	books   OrderbookProvider
	sink    Pusher
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*symbolWorker
	allowed map[string]struct{}
	ctx     context.Context
	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine wires the signal engine. books may be nil when order book
// snapshots are not wanted.
func NewEngine(store CandleStore, clock Clock, source SettingsSource, books OrderbookProvider, sink Pusher, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		clock:   clock,
		source:  source,
		books:   books,
		sink:    sink,
		metrics: m,
		logger:  logger.With().Str("component", "signal-engine").Logger(),
		workers: make(map[string]*symbolWorker),
		quit:    make(chan struct{}),
	}
}

// Start makes the engine accept candle events. ctx bounds every storage and
// network call issued by workers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx = ctx
	e.started = true
	e.logger.Info().Msg("Signal engine started")
}

// Stop rejects further events and waits briefly for workers to finish the
// event they are on. Mailbox leftovers are abandoned.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.quit)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn().Msg("Timed out waiting for symbol workers to stop")
	}
	e.logger.Info().Msg("Signal engine stopped")
}

// Dispatch routes one candle event to its symbol worker. Open ticks are shed
// when the worker's mailbox runs hot; closed candles always get through
// while the engine is running. Safe to call from the websocket read loop.
func (e *Engine) Dispatch(symbol string, c bybit.Candle) {
	e.metrics.TicksTotal.Inc()
	if c.Confirmed {
		e.metrics.ClosedCandles.Inc()
	}

	w := e.worker(symbol)
	if w == nil {
		return
	}

	msg := workerMsg{kind: msgCandle, candle: c}
	if !c.Confirmed {
		if len(w.mailbox) >= mailboxHighWater {
			e.metrics.DroppedEvents.WithLabelValues("mailbox").Inc()
			e.logger.Debug().Str("symbol", symbol).Msg("Mailbox hot, shedding open tick")
			return
		}
		select {
		case w.mailbox <- msg:
		default:
			e.metrics.DroppedEvents.WithLabelValues("mailbox").Inc()
		}
		return
	}

	select {
	case w.mailbox <- msg:
	case <-e.quit:
	case <-w.quit:
	}
}

// worker returns the live worker for symbol, creating it on first use.
// Returns nil when the engine is stopped or the symbol is outside the
// active set.
func (e *Engine) worker(symbol string) *symbolWorker {
	e.mu.RLock()
	w, ok := e.workers[symbol]
	started := e.started
	e.mu.RUnlock()
	if !started {
		return nil
	}
	if ok {
		return w
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	if w, ok := e.workers[symbol]; ok {
		return w
	}
	if e.allowed != nil {
		if _, ok := e.allowed[symbol]; !ok {
			return nil
		}
	}
	w = newSymbolWorker(e, symbol)
	e.workers[symbol] = w
	e.wg.Add(1)
	go w.run(e.ctx)
	return w
}

// SetActiveSymbols restricts the engine to the given watchlist. Workers for
// evicted symbols are stopped and their state discarded; new symbols get a
// worker on their first candle.
func (e *Engine) SetActiveSymbols(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[s] = struct{}{}
	}

	e.mu.Lock()
	e.allowed = next
	var evicted []*symbolWorker
	for sym, w := range e.workers {
		if _, ok := next[sym]; !ok {
			delete(e.workers, sym)
			evicted = append(evicted, w)
		}
	}
	e.mu.Unlock()

	for _, w := range evicted {
		w.stop()
	}
	if len(evicted) > 0 {
		e.logger.Info().
			Int("evicted", len(evicted)).
			Int("active", len(symbols)).
			Msg("Engine symbol set updated")
	}
}

// ResetAll clears cooldowns, run counters and pending preliminaries on every
// worker. Called when the analysis window settings change, so stale state
// computed under the old window cannot gate fresh alerts.
func (e *Engine) ResetAll() {
	e.mu.RLock()
	workers := make([]*symbolWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.RUnlock()

	for _, w := range workers {
		select {
		case w.mailbox <- workerMsg{kind: msgReset}:
		case <-e.quit:
			return
		case <-w.quit:
		case <-time.After(5 * time.Second):
			e.metrics.DroppedEvents.WithLabelValues("commands").Inc()
			e.logger.Warn().Str("symbol", w.symbol).Msg("Reset command timed out")
		}
	}
	e.logger.Info().Int("workers", len(workers)).Msg("Per-symbol alert state reset")
}

// WorkerCount reports how many symbol workers are live.
func (e *Engine) WorkerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.workers)
}

func (e *Engine) push(a *Alert) {
	if e.sink != nil {
		e.sink.Push(a)
	}
}
