package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
	"bybit-market-scanner/internal/timesync"
)

type fakeAlertReader struct {
	list       []*alerts.Alert
	err        error
	lastLimit  int
	lastSymbol string
}

func (f *fakeAlertReader) GetRecent(ctx context.Context, limit int, symbol string) ([]*alerts.Alert, error) {
	f.lastLimit, f.lastSymbol = limit, symbol
	return f.list, f.err
}

type fakeWatchlistReader struct {
	entries []database.WatchlistEntry
	err     error
}

func (f *fakeWatchlistReader) GetActive(ctx context.Context) ([]database.WatchlistEntry, error) {
	return f.entries, f.err
}

type fakeKlineReader struct {
	candles    []bybit.Candle
	err        error
	lastSymbol string
	lastLimit  int
}

func (f *fakeKlineReader) GetRecentClosed(ctx context.Context, symbol string, limit int) ([]bybit.Candle, error) {
	f.lastSymbol, f.lastLimit = symbol, limit
	return f.candles, f.err
}

type fakeTimeSource struct{ status timesync.Status }

func (f fakeTimeSource) Status() timesync.Status { return f.status }

type fakeStreamSource struct{ status bybit.StreamStatus }

func (f fakeStreamSource) Status() bybit.StreamStatus { return f.status }

// fakeRefresher blocks inside RunOnce until release is closed, letting tests
// hold a refresh in flight.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	err     error
}

func (f *fakeRefresher) RunOnce(ctx context.Context) ([]string, []string, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	err := f.err
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return []string{"BTCUSDT"}, nil, err
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHealthChecker struct{ err error }

func (f *fakeHealthChecker) HealthCheck(ctx context.Context) error { return f.err }

type serverFixture struct {
	srv          *Server
	bus          *events.EventBus
	alerts       *fakeAlertReader
	watch        *fakeWatchlistReader
	klines       *fakeKlineReader
	refresher    *fakeRefresher
	health       *fakeHealthChecker
	store        *config.Store
	settingsPath string
}

func newServerFixture(t *testing.T, mutate ...func(*Deps)) *serverFixture {
	t.Helper()

	fx := &serverFixture{
		bus:          events.NewEventBus(),
		alerts:       &fakeAlertReader{},
		watch:        &fakeWatchlistReader{},
		klines:       &fakeKlineReader{},
		refresher:    &fakeRefresher{},
		health:       &fakeHealthChecker{},
		settingsPath: filepath.Join(t.TempDir(), "scanner.env"),
	}
	fx.store = config.NewStore(config.DefaultSettings(), fx.settingsPath)

	deps := Deps{
		Alerts:    fx.alerts,
		Watchlist: fx.watch,
		Klines:    fx.klines,
		Settings:  fx.store,
		Time:      fakeTimeSource{status: timesync.Status{NowMs: 1_700_000_000_000, Synced: true, Source: "trusted"}},
		Stream: fakeStreamSource{status: bybit.StreamStatus{
			State:           bybit.StateStreaming,
			PairsCount:      3,
			SubscribedCount: 3,
			StreamingActive: true,
		}},
		Refresher: fx.refresher,
		Health:    fx.health,
		Bus:       fx.bus,
		Metrics:   metrics.NewUnregistered(),
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	cfg := config.ServerConfig{
		Port:           0,
		Host:           "127.0.0.1",
		AllowedOrigins: "*",
		ReadTimeout:    5,
		WriteTimeout:   5,
	}
	fx.srv = NewServer(cfg, deps, zerolog.Nop())
	return fx
}

func (fx *serverFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	fx.srv.router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return resp
}

// dataObject unwraps the success envelope around object payloads.
func dataObject(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	resp := decodeResponse(t, w)
	if resp["success"] != true {
		t.Fatalf("expected success envelope, got %v", resp)
	}
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data is not an object: %v", resp["data"])
	}
	return data
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp["status"] != "healthy" || resp["database"] != "connected" {
		t.Errorf("unexpected healthy payload: %v", resp)
	}
	if resp["stream"] != "streaming" {
		t.Errorf("expected stream state, got %v", resp["stream"])
	}

	fx.health.err = errors.New("connection refused")
	w = fx.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", w.Code)
	}
	resp = decodeResponse(t, w)
	if resp["status"] != "unhealthy" || resp["database"] != "unreachable" {
		t.Errorf("unexpected unhealthy payload: %v", resp)
	}
}

func TestTimeEndpoint(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(http.MethodGet, "/api/time", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := dataObject(t, w)
	if data["now_ms"] != float64(1_700_000_000_000) {
		t.Errorf("unexpected now_ms: %v", data["now_ms"])
	}
	if data["synced"] != true || data["source"] != "trusted" {
		t.Errorf("unexpected time payload: %v", data)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := dataObject(t, w)
	if data["status"] != "streaming" {
		t.Errorf("unexpected status: %v", data["status"])
	}
	if data["pairs_count"] != float64(3) || data["subscribed_count"] != float64(3) {
		t.Errorf("unexpected counts: %v", data)
	}
	if data["clients_connected"] != float64(0) {
		t.Errorf("expected zero connected clients, got %v", data["clients_connected"])
	}
}

func TestAlertsQueryParameters(t *testing.T) {
	fx := newServerFixture(t)
	fx.alerts.list = []*alerts.Alert{
		{UID: "a1", Kind: alerts.KindVolumeSpike, Symbol: "BTCUSDT", Price: 50_000, AlertTs: 1},
		{UID: "a2", Kind: alerts.KindPriority, Symbol: "BTCUSDT", Price: 50_100, AlertTs: 2},
	}

	w := fx.do(http.MethodGet, "/api/alerts?limit=7&symbol=BTCUSDT", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fx.alerts.lastLimit != 7 || fx.alerts.lastSymbol != "BTCUSDT" {
		t.Errorf("query not passed through: limit=%d symbol=%q", fx.alerts.lastLimit, fx.alerts.lastSymbol)
	}
	resp := decodeResponse(t, w)
	if list, ok := resp["data"].([]interface{}); !ok || len(list) != 2 {
		t.Errorf("expected 2 alerts in data, got %v", resp["data"])
	}

	// Defaults and caps.
	fx.do(http.MethodGet, "/api/alerts", "")
	if fx.alerts.lastLimit != defaultAlertLimit {
		t.Errorf("expected default limit %d, got %d", defaultAlertLimit, fx.alerts.lastLimit)
	}
	fx.do(http.MethodGet, "/api/alerts?limit=9999", "")
	if fx.alerts.lastLimit != maxAlertLimit {
		t.Errorf("expected capped limit %d, got %d", maxAlertLimit, fx.alerts.lastLimit)
	}
	fx.do(http.MethodGet, "/api/alerts?limit=junk", "")
	if fx.alerts.lastLimit != defaultAlertLimit {
		t.Errorf("junk limit should fall back to default, got %d", fx.alerts.lastLimit)
	}
	fx.do(http.MethodGet, "/api/alerts?limit=-5", "")
	if fx.alerts.lastLimit != defaultAlertLimit {
		t.Errorf("negative limit should fall back to default, got %d", fx.alerts.lastLimit)
	}
}

func TestAlertsErrorAndEmptyList(t *testing.T) {
	fx := newServerFixture(t)

	fx.alerts.err = errors.New("query timeout")
	w := fx.do(http.MethodGet, "/api/alerts", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp["error"] != true {
		t.Errorf("expected error envelope, got %v", resp)
	}

	// A nil repository result serializes as an empty array, not null.
	fx.alerts.err = nil
	fx.alerts.list = nil
	w = fx.do(http.MethodGet, "/api/alerts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array payload, got %s", w.Body.String())
	}
}

func TestWatchlistEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.watch.entries = []database.WatchlistEntry{
		{Symbol: "BTCUSDT", CurrentPrice: 50_000, PriceDropPct: 12.5, IsActive: true},
		{Symbol: "ETHUSDT", CurrentPrice: 3_000, PriceDropPct: 15.0, IsActive: true},
	}

	w := fx.do(http.MethodGet, "/api/watchlist", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := dataObject(t, w)
	if data["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", data["count"])
	}
	pairs, ok := data["pairs"].([]interface{})
	if !ok || len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %v", data["pairs"])
	}
	first := pairs[0].(map[string]interface{})
	if first["symbol"] != "BTCUSDT" || first["price_drop_pct"] != 12.5 {
		t.Errorf("unexpected entry: %v", first)
	}
}

func TestKlinesEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.klines.candles = []bybit.Candle{
		{StartMs: 60_000, EndMs: 120_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Confirmed: true},
	}

	w := fx.do(http.MethodGet, "/api/klines", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without symbol, got %d", w.Code)
	}

	w = fx.do(http.MethodGet, "/api/klines?symbol=BTCUSDT&limit=42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fx.klines.lastSymbol != "BTCUSDT" || fx.klines.lastLimit != 42 {
		t.Errorf("query not passed through: symbol=%q limit=%d", fx.klines.lastSymbol, fx.klines.lastLimit)
	}
	data := dataObject(t, w)
	if data["symbol"] != "BTCUSDT" {
		t.Errorf("unexpected symbol: %v", data["symbol"])
	}
	if candles, ok := data["candles"].([]interface{}); !ok || len(candles) != 1 {
		t.Errorf("expected 1 candle, got %v", data["candles"])
	}

	fx.do(http.MethodGet, "/api/klines?symbol=BTCUSDT&limit=100000", "")
	if fx.klines.lastLimit != maxKlineLimit {
		t.Errorf("expected capped limit %d, got %d", maxKlineLimit, fx.klines.lastLimit)
	}
}

func TestGetSettings(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(http.MethodGet, "/api/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := dataObject(t, w)
	if data["analysisHours"] != float64(1) || data["volumeMultiplier"] != 2.0 {
		t.Errorf("unexpected settings payload: %v", data)
	}
}

func TestPutSettingsWritesFileNotLiveSnapshot(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(http.MethodPut, "/api/settings", `{"volumeMultiplier": 3.5, "consecutiveLongCount": 7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := dataObject(t, w)
	if data["volumeMultiplier"] != 3.5 || data["consecutiveLongCount"] != float64(7) {
		t.Errorf("response does not echo merged settings: %v", data)
	}
	// Fields absent from the body keep their current values.
	if data["analysisHours"] != float64(1) {
		t.Errorf("omitted field changed: %v", data["analysisHours"])
	}

	values, err := godotenv.Read(fx.settingsPath)
	if err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
	if values["VOLUME_MULTIPLIER"] != "3.5" || values["CONSECUTIVE_LONG_COUNT"] != "7" {
		t.Errorf("file missing submitted values: %v", values)
	}
	if values["ANALYSIS_HOURS"] != "1" {
		t.Errorf("file missing carried-over value: %v", values["ANALYSIS_HOURS"])
	}

	// The live snapshot only changes when the file watcher reloads it.
	if got := fx.store.Get().VolumeMultiplier; got != 2.0 {
		t.Errorf("live snapshot swapped by the handler: %v", got)
	}
}

func TestPutSettingsRejectsInvalid(t *testing.T) {
	fx := newServerFixture(t)

	cases := []string{
		`{"analysisHours": 0}`,
		`{"volumeType": "sideways"}`,
		`{not json`,
	}
	for _, body := range cases {
		w := fx.do(http.MethodPut, "/api/settings", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, w.Code)
		}
	}

	if _, err := os.Stat(fx.settingsPath); !os.IsNotExist(err) {
		t.Errorf("rejected settings must not touch the file, stat err: %v", err)
	}
}

func TestWatchlistRefreshLifecycle(t *testing.T) {
	fx := newServerFixture(t)
	fx.refresher.release = make(chan struct{})

	w := fx.do(http.MethodPost, "/api/watchlist/refresh", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	data := resp["data"].(map[string]interface{})
	if data["status"] != "refresh_started" {
		t.Errorf("unexpected payload: %v", resp)
	}

	// While the pass runs, further requests are refused.
	w = fx.do(http.MethodPost, "/api/watchlist/refresh", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", w.Code)
	}

	close(fx.refresher.release)
	deadline := time.Now().Add(2 * time.Second)
	for fx.srv.refreshing.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fx.refresher.callCount() != 1 {
		t.Fatalf("expected exactly one pass, got %d", fx.refresher.callCount())
	}

	// Once finished, a new refresh is accepted again.
	w = fx.do(http.MethodPost, "/api/watchlist/refresh", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202 after completion, got %d", w.Code)
	}
}

func TestWatchlistRefreshUnavailable(t *testing.T) {
	fx := newServerFixture(t, func(d *Deps) { d.Refresher = nil })

	w := fx.do(http.MethodPost, "/api/watchlist/refresh", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a curator, got %d", w.Code)
	}
}

func TestStartupSnapshot(t *testing.T) {
	fx := newServerFixture(t)
	fx.alerts.list = []*alerts.Alert{
		{UID: "a1", Kind: alerts.KindVolumeSpike, Symbol: "BTCUSDT", Price: 50_000, AlertTs: 1},
	}
	fx.watch.entries = []database.WatchlistEntry{
		{Symbol: "BTCUSDT", IsActive: true},
	}

	w := fx.do(http.MethodGet, "/api/startup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fx.alerts.lastLimit != startupAlertLimit || fx.alerts.lastSymbol != "" {
		t.Errorf("startup alert query: limit=%d symbol=%q", fx.alerts.lastLimit, fx.alerts.lastSymbol)
	}

	data := dataObject(t, w)
	for _, key := range []string{"watchlist", "alerts", "connection", "settings", "time"} {
		if _, ok := data[key]; !ok {
			t.Errorf("startup payload missing %q", key)
		}
	}
	connection := data["connection"].(map[string]interface{})
	if connection["status"] != "streaming" {
		t.Errorf("unexpected connection status: %v", connection["status"])
	}
	settings := data["settings"].(map[string]interface{})
	if settings["analysisHours"] != float64(1) {
		t.Errorf("unexpected settings: %v", settings["analysisHours"])
	}
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("/api/alerts") {
			t.Fatalf("request %d unexpectedly blocked", i+1)
		}
	}
	if limiter.Allow("/api/alerts") {
		t.Error("request over the limit was allowed")
	}
	if !limiter.Allow("/api/status") {
		t.Error("separate keys must not share a window")
	}
}

func TestCorsConfig(t *testing.T) {
	cfg := corsConfig("*")
	if !cfg.AllowAllOrigins {
		t.Error("wildcard should allow all origins")
	}
	if cfg.AllowCredentials {
		t.Error("credentials must stay off with a wildcard origin")
	}

	cfg = corsConfig("http://a.example,http://b.example")
	if cfg.AllowAllOrigins {
		t.Error("explicit origins should not allow all")
	}
	if len(cfg.AllowOrigins) != 2 || !cfg.AllowCredentials {
		t.Errorf("unexpected explicit origin config: %+v", cfg.AllowOrigins)
	}
}
