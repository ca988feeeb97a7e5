// Package cache provides Redis-based caching with graceful degradation.
// When Redis is down the scanner keeps working; callers treat every cache
// error as a miss and fall back to the venue or the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
)

var (
	// ErrUnavailable is returned while the circuit breaker is open or the
	// cache is disabled by configuration.
	ErrUnavailable = errors.New("cache unavailable")
	// ErrMiss is returned when a key does not exist.
	ErrMiss = errors.New("cache miss")
)

// Key prefixes for the cache types the scanner uses.
const (
	prefixOrderbookSnapshot = "orderbook:%s:snapshot"
	prefixDailyClose        = "price:%s:daily_close:%s"
)

// Default TTLs.
const (
	// OrderbookSnapshotTTL keeps a fetched book long enough for alerts
	// fired close together to share one snapshot.
	OrderbookSnapshotTTL = 30 * time.Second
	// DailyCloseTTL covers historical daily closes, which never change
	// once the day is over.
	DailyCloseTTL = 48 * time.Hour
)

// CacheService wraps a Redis client with a small circuit breaker. After
// maxFailures consecutive errors the breaker opens and operations fail fast
// with ErrUnavailable; a background ping closes it again once Redis recovers.
type CacheService struct {
	client  *redis.Client
	config  config.RedisConfig
	logger  zerolog.Logger
	enabled bool

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService connects to Redis and returns the service. A failed
// initial connection is not fatal: the service starts degraded and recovers
// on its own. With Redis disabled in configuration every operation returns
// ErrUnavailable.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) *CacheService {
	cs := &CacheService{
		config:        cfg,
		logger:        logger.With().Str("component", "cache").Logger(),
		enabled:       cfg.Enabled,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
	if !cfg.Enabled {
		cs.logger.Info().Msg("Redis disabled, running without cache")
		return cs
	}

	cs.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, starting degraded")
		return cs
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return cs
}

// IsHealthy reports whether Redis is currently usable.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.enabled && cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn().Int("failures", cs.failureCount).Msg("Circuit breaker open, Redis marked unhealthy")
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info().Msg("Circuit breaker closed, Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth kicks off a background ping when the breaker has been open for
// a while. Never blocks the caller.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := cs.enabled && !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

// Get retrieves a raw value. Returns ErrMiss for absent keys.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return "", ErrUnavailable
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// MGet retrieves several keys in one round trip. Absent keys come back as
// nil entries, matching the order of the requested keys.
func (cs *CacheService) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return nil, ErrUnavailable
	}
	if len(keys) == 0 {
		return nil, nil
	}

	result, err := cs.client.MGet(ctx, keys...).Result()
	if err != nil {
		cs.recordFailure()
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Set stores a value with a TTL. Non-string values are marshalled to JSON.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes a key.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// DeletePattern removes every key matching a glob pattern. Used when a
// symbol leaves the watchlist and its cached prices and books go with it.
func (cs *CacheService) DeletePattern(ctx context.Context, pattern string) error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}

	iter := cs.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := cs.client.Del(ctx, iter.Val()).Err(); err != nil {
			cs.recordFailure()
			return fmt.Errorf("redis delete pattern failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis scan failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetJSON retrieves a key and unmarshals it into dest.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON marshals value and stores it under key.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cs.Set(ctx, key, value, ttl)
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity directly, bypassing the circuit breaker.
func (cs *CacheService) Ping(ctx context.Context) error {
	if !cs.enabled {
		return ErrUnavailable
	}
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats describes cache health for the status endpoint.
type Stats struct {
	Enabled      bool   `json:"enabled"`
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Enabled:      cs.enabled,
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// OrderbookSnapshotKey is the cache key for a symbol's latest order book.
func OrderbookSnapshotKey(symbol string) string {
	return fmt.Sprintf(prefixOrderbookSnapshot, symbol)
}

// DailyCloseKey is the cache key for a symbol's daily close on a given
// date (YYYY-MM-DD).
func DailyCloseKey(symbol, date string) string {
	return fmt.Sprintf(prefixDailyClose, symbol, date)
}

// SymbolPattern matches every cached key belonging to a symbol.
func SymbolPattern(symbol string) string {
	return fmt.Sprintf("*%s*", symbol)
}
