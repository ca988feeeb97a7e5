package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/backfill"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
)

const (
	minuteMs = int64(60_000)
	nowMs    = int64(29_100_000) * minuteMs // minute-aligned
)

// memStore backs both the controller and the loader, so reconciliation runs
// against the same rows the backfill writes. Locked: the pool reconciles
// symbols concurrently.
type memStore struct {
	mu   sync.Mutex
	rows map[string]map[int64]bybit.Candle

	deleteBeforeCalls int
	deleteFromCalls   int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]map[int64]bybit.Candle)}
}

func (m *memStore) seed(symbol string, fromMs, toMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[symbol]
	if rows == nil {
		rows = make(map[int64]bybit.Candle)
		m.rows[symbol] = rows
	}
	for ts := fromMs; ts <= toMs; ts += minuteMs {
		rows[ts] = bybit.Candle{StartMs: ts, EndMs: ts + minuteMs, Open: 100, High: 101, Low: 99, Close: 100, Volume: 5, Confirmed: true}
	}
}

func (m *memStore) count(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[symbol])
}

func (m *memStore) bounds(symbol string) (minMs, maxMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := true
	for ts := range m.rows[symbol] {
		if first || ts < minMs {
			minMs = ts
		}
		if first || ts > maxMs {
			maxMs = ts
		}
		first = false
	}
	return minMs, maxMs
}

func (m *memStore) TimeRange(ctx context.Context, symbol string) (int64, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[symbol]
	if len(rows) == 0 {
		return 0, 0, 0, nil
	}
	var minMs, maxMs int64
	first := true
	for ts := range rows {
		if first || ts < minMs {
			minMs = ts
		}
		if first || ts > maxMs {
			maxMs = ts
		}
		first = false
	}
	return minMs, maxMs, int64(len(rows)), nil
}

func (m *memStore) CheckIntegrity(ctx context.Context, symbol string, fromMs, toMs int64) (database.IntegrityResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expected := (toMs - fromMs) / minuteMs
	if expected < 1 {
		expected = 1
	}
	var actual int64
	for ts := range m.rows[symbol] {
		if ts >= fromMs && ts < toMs {
			actual++
		}
	}
	return database.IntegrityResult{
		Symbol:   symbol,
		Expected: expected,
		Actual:   actual,
		Missing:  expected - actual,
		Percent:  float64(actual) / float64(expected) * 100,
	}, nil
}

func (m *memStore) DeleteBefore(ctx context.Context, symbol string, cutoffMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBeforeCalls++
	var n int64
	for ts := range m.rows[symbol] {
		if ts < cutoffMs {
			delete(m.rows[symbol], ts)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteFrom(ctx context.Context, symbol string, cutoffMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFromCalls++
	var n int64
	for ts := range m.rows[symbol] {
		if ts >= cutoffMs {
			delete(m.rows[symbol], ts)
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertBatch(ctx context.Context, symbol string, candles []bybit.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[symbol]
	if rows == nil {
		rows = make(map[int64]bybit.Candle)
		m.rows[symbol] = rows
	}
	for _, c := range candles {
		rows[c.StartMs] = c
	}
	return nil
}

func (m *memStore) ExistingStartTimes(ctx context.Context, symbol string, fromMs, toMs int64) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]struct{})
	for ts := range m.rows[symbol] {
		if ts >= fromMs && ts < toMs {
			out[ts] = struct{}{}
		}
	}
	return out, nil
}

// restSource synthesizes one confirmed bar per requested minute.
type restSource struct {
	mu       sync.Mutex
	requests int
}

func (r *restSource) GetKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]bybit.Candle, error) {
	r.mu.Lock()
	r.requests++
	r.mu.Unlock()
	if limit <= 0 || limit > bybit.KlinePageLimit {
		limit = bybit.KlinePageLimit
	}
	out := make([]bybit.Candle, 0, limit)
	for ts := start; ts < end && len(out) < limit; ts += minuteMs {
		out = append(out, bybit.Candle{StartMs: ts, EndMs: ts + minuteMs, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 7, Confirmed: true})
	}
	return out, nil
}

func (r *restSource) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

type fakeList struct{ symbols []string }

func (f *fakeList) ActiveSymbols(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.symbols...), nil
}

type fakeClock struct{ now int64 }

func (f *fakeClock) NowMs() int64 { return f.now }

type settingsStub struct{ s config.Settings }

func (s settingsStub) Get() config.Settings { return s.s }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) wait(t *testing.T, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		snapshot := append([]events.Event(nil), r.events...)
		r.mu.Unlock()
		if len(snapshot) >= n {
			return snapshot
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", n, len(snapshot))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *recorder) countType(typ events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	controller *Controller
	store      *memStore
	source     *restSource
	rec        *recorder
}

func newFixture(symbols ...string) *fixture {
	store := newMemStore()
	source := &restSource{}
	list := &fakeList{symbols: symbols}
	clock := &fakeClock{now: nowMs}
	rec := &recorder{}
	bus := events.NewEventBus()
	bus.SubscribeAll(rec.handle)

	s := config.DefaultSettings()
	s.AnalysisHours = 1
	s.OffsetMinutes = 0
	settings := settingsStub{s: s}

	m := metrics.NewUnregistered()
	loader := backfill.NewLoader(source, store, list, clock, settings, bus, m, zerolog.Nop())
	controller := NewController(store, loader, list, clock, settings, bus, m, zerolog.Nop())
	return &fixture{controller: controller, store: store, source: source, rec: rec}
}

// Stale history: stored minutes span [now-3h, now-30m] while the window is
// the trailing hour. Rows left of the window must go, nothing on the right
// may be touched, and the gap inside must be backfilled to zero missing.
func TestReconcileStaleData(t *testing.T) {
	fx := newFixture("BTCUSDT")
	fx.store.seed("BTCUSDT", nowMs-180*minuteMs, nowMs-30*minuteMs)

	if err := fx.controller.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	start := nowMs - 60*minuteMs
	if got := fx.store.count("BTCUSDT"); got != 60 {
		t.Fatalf("stored %d candles after reconcile, want 60", got)
	}
	minMs, maxMs := fx.store.bounds("BTCUSDT")
	if minMs != start {
		t.Fatalf("earliest row %d, want window start %d", minMs, start)
	}
	if maxMs != nowMs-minuteMs {
		t.Fatalf("latest row %d, want %d", maxMs, nowMs-minuteMs)
	}
	if fx.store.deleteFromCalls != 0 {
		t.Fatal("right edge was trimmed although no rows reached the window end")
	}

	res, err := fx.store.CheckIntegrity(context.Background(), "BTCUSDT", start, nowMs)
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if res.Missing != 0 {
		t.Fatalf("missing = %d after reconcile, want 0", res.Missing)
	}

	evs := fx.rec.wait(t, 3)
	var progress events.Event
	for _, ev := range evs {
		if ev.Type == events.EventStartupCheckProgress {
			progress = ev
		}
	}
	if progress.Type == "" {
		t.Fatal("no progress event published")
	}
	actions := progress.Data["actions"].([]string)
	want := []string{"deleted_old: 120", "loaded: 29"}
	if len(actions) != len(want) || actions[0] != want[0] || actions[1] != want[1] {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
}

func TestReconcileTrimsRowsPastWindowEnd(t *testing.T) {
	fx := newFixture("ETHUSDT")
	// Full window coverage plus rows at and past the window end.
	fx.store.seed("ETHUSDT", nowMs-60*minuteMs, nowMs+10*minuteMs)

	if err := fx.controller.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}

	if got := fx.store.count("ETHUSDT"); got != 60 {
		t.Fatalf("stored %d candles, want 60", got)
	}
	_, maxMs := fx.store.bounds("ETHUSDT")
	if maxMs >= nowMs {
		t.Fatalf("row at %d survived past the window end %d", maxMs, nowMs)
	}
	if fx.source.count() != 0 {
		t.Fatalf("backfill issued %d requests on a fully covered window", fx.source.count())
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	fx := newFixture("BTCUSDT")
	fx.store.seed("BTCUSDT", nowMs-180*minuteMs, nowMs-30*minuteMs)

	if err := fx.controller.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("first ReconcileAll: %v", err)
	}
	if err := fx.controller.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("second ReconcileAll: %v", err)
	}

	// Two started/completed pairs, but only the first run took actions.
	evs := fx.rec.wait(t, 5)
	if len(evs) < 5 {
		t.Fatalf("got %d events", len(evs))
	}
	if got := fx.rec.countType(events.EventStartupCheckProgress); got != 1 {
		t.Fatalf("progress events = %d, want 1", got)
	}
	if got := fx.rec.countType(events.EventStartupCheckCompleted); got != 2 {
		t.Fatalf("completed events = %d, want 2", got)
	}
	if got := fx.store.count("BTCUSDT"); got != 60 {
		t.Fatalf("stored %d candles after second run, want 60", got)
	}
}

func TestReconcileManySymbolsOnPool(t *testing.T) {
	symbols := make([]string, 30)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02dUSDT", i)
	}
	fx := newFixture(symbols...)

	if err := fx.controller.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	for _, symbol := range symbols {
		if got := fx.store.count(symbol); got != 60 {
			t.Fatalf("%s has %d candles, want 60", symbol, got)
		}
	}
	evs := fx.rec.wait(t, 32)
	completed := findType(evs, events.EventStartupCheckCompleted)
	if completed.Data["reconciled_symbols"] != 30 || completed.Data["total_symbols"] != 30 {
		t.Fatalf("completed payload = %+v", completed.Data)
	}
}

func findType(evs []events.Event, typ events.EventType) events.Event {
	for _, ev := range evs {
		if ev.Type == typ {
			return ev
		}
	}
	return events.Event{}
}
