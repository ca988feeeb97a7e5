package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
)

func newDisabledCache() *CacheService {
	return NewCacheService(config.RedisConfig{Enabled: false}, zerolog.Nop())
}

func TestDisabledCacheFailsFast(t *testing.T) {
	cs := newDisabledCache()
	ctx := context.Background()

	if cs.IsHealthy() {
		t.Error("disabled cache reports healthy")
	}
	if _, err := cs.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get error = %v, want ErrUnavailable", err)
	}
	if err := cs.Set(ctx, "k", "v", 0); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set error = %v, want ErrUnavailable", err)
	}
	if err := cs.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping error = %v, want ErrUnavailable", err)
	}
	if err := cs.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	stats := cs.GetStats()
	if stats.Enabled || stats.Healthy {
		t.Errorf("stats = %+v, want disabled and unhealthy", stats)
	}
}

func TestCircuitBreakerOpensAndCloses(t *testing.T) {
	cs := newDisabledCache()
	cs.enabled = true
	cs.healthy = true

	cs.recordFailure()
	cs.recordFailure()
	if !cs.IsHealthy() {
		t.Fatal("breaker opened before reaching the failure threshold")
	}
	cs.recordFailure()
	if cs.IsHealthy() {
		t.Fatal("breaker still closed after three failures")
	}

	cs.recordSuccess()
	if !cs.IsHealthy() {
		t.Fatal("breaker did not close on success")
	}
	if cs.failureCount != 0 {
		t.Errorf("failureCount = %d, want reset to 0", cs.failureCount)
	}
}

func TestCacheKeys(t *testing.T) {
	if got := OrderbookSnapshotKey("BTCUSDT"); got != "orderbook:BTCUSDT:snapshot" {
		t.Errorf("OrderbookSnapshotKey = %q", got)
	}
	if got := DailyCloseKey("ETHUSDT", "2025-01-31"); got != "price:ETHUSDT:daily_close:2025-01-31" {
		t.Errorf("DailyCloseKey = %q", got)
	}
	if got := SymbolPattern("SOLUSDT"); got != "*SOLUSDT*" {
		t.Errorf("SymbolPattern = %q", got)
	}
}
