// Package timesync keeps a venue-corrected clock. Every timestamp the rest
// of the system compares against candle boundaries comes from here.
package timesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	trustedRefreshInterval  = time.Hour
	exchangeRefreshInterval = 5 * time.Minute
	trustedFetchTimeout     = 5 * time.Second

	// Offsets older than twice their refresh interval are considered stale
	// and no longer trusted for candle arithmetic.
	staleFactor = 2

	minSaneServerMs = int64(1_700_000_000_000)
	maxSaneServerMs = int64(2_000_000_000_000)
)

// ExchangeTimeFetcher reports the venue's idea of now in UTC milliseconds.
type ExchangeTimeFetcher interface {
	ServerTimeMs(ctx context.Context) (int64, error)
}

// Service maintains two clock offsets against system UTC: one from a trusted
// HTTP time source (refreshed hourly) and one from the exchange (refreshed
// every five minutes). NowMs prefers the trusted offset, falls back to the
// exchange offset, and finally to the raw system clock.
type Service struct {
	mu sync.RWMutex

	trustedOffsetMs  int64
	trustedSyncedAt  time.Time
	exchangeOffsetMs int64
	exchangeSyncedAt time.Time

	trustedURLs []string
	fetcher     ExchangeTimeFetcher
	httpClient  *http.Client
	logger      zerolog.Logger
}

// Status is the wire-friendly view of the clock state.
type Status struct {
	NowMs            int64  `json:"now_ms"`
	Synced           bool   `json:"synced"`
	Source           string `json:"source"`
	TrustedOffsetMs  int64  `json:"trusted_offset_ms"`
	TrustedAgeMs     int64  `json:"trusted_age_ms"`
	ExchangeOffsetMs int64  `json:"exchange_offset_ms"`
	ExchangeAgeMs    int64  `json:"exchange_age_ms"`
}

// NewService creates a time service. The fetcher may be nil, in which case
// only the trusted sources and the system clock are used.
func NewService(fetcher ExchangeTimeFetcher, logger zerolog.Logger) *Service {
	return &Service{
		trustedURLs: []string{
			"https://worldtimeapi.org/api/timezone/Etc/UTC",
			"https://worldtimeapi.org/api/ip",
		},
		fetcher:    fetcher,
		httpClient: &http.Client{Timeout: trustedFetchTimeout},
		logger:     logger.With().Str("component", "timesync").Logger(),
	}
}

// NowMs returns the corrected current time in UTC milliseconds.
func (s *Service) NowMs() int64 {
	offset, _ := s.currentOffset()
	return time.Now().UnixMilli() + offset
}

// Synced reports whether at least one offset source is still fresh.
func (s *Service) Synced() bool {
	_, source := s.currentOffset()
	return source != "system"
}

// AlignDownToMinute floors a millisecond timestamp to its minute boundary.
func AlignDownToMinute(ms int64) int64 {
	return ms - ms%60_000
}

// IsCandleClosed reports whether a candle whose interval ends at endMs has
// completed according to the corrected clock.
func (s *Service) IsCandleClosed(endMs int64) bool {
	return s.NowMs() >= endMs
}

// Status returns a snapshot of the clock state for the API and client bus.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	st := Status{
		TrustedOffsetMs:  s.trustedOffsetMs,
		ExchangeOffsetMs: s.exchangeOffsetMs,
	}
	if !s.trustedSyncedAt.IsZero() {
		st.TrustedAgeMs = now.Sub(s.trustedSyncedAt).Milliseconds()
	} else {
		st.TrustedAgeMs = -1
	}
	if !s.exchangeSyncedAt.IsZero() {
		st.ExchangeAgeMs = now.Sub(s.exchangeSyncedAt).Milliseconds()
	} else {
		st.ExchangeAgeMs = -1
	}

	offset, source := s.offsetLocked(now)
	st.NowMs = now.UnixMilli() + offset
	st.Source = source
	st.Synced = source != "system"
	return st
}

func (s *Service) currentOffset() (int64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsetLocked(time.Now())
}

func (s *Service) offsetLocked(now time.Time) (int64, string) {
	if !s.trustedSyncedAt.IsZero() && now.Sub(s.trustedSyncedAt) < staleFactor*trustedRefreshInterval {
		return s.trustedOffsetMs, "trusted"
	}
	if !s.exchangeSyncedAt.IsZero() && now.Sub(s.exchangeSyncedAt) < staleFactor*exchangeRefreshInterval {
		return s.exchangeOffsetMs, "exchange"
	}
	return 0, "system"
}

// Run performs an initial sync of both sources and then refreshes them on
// their own schedules until the context is cancelled. Failures keep the
// previous offset; the next tick retries.
func (s *Service) Run(ctx context.Context) error {
	if err := s.SyncTrusted(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial trusted time sync failed")
	}
	if err := s.SyncExchange(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial exchange time sync failed")
	}

	trustedTicker := time.NewTicker(trustedRefreshInterval)
	exchangeTicker := time.NewTicker(exchangeRefreshInterval)
	defer trustedTicker.Stop()
	defer exchangeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trustedTicker.C:
			if err := s.SyncTrusted(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Trusted time sync failed, keeping previous offset")
			}
		case <-exchangeTicker.C:
			if err := s.SyncExchange(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Exchange time sync failed, keeping previous offset")
			}
		}
	}
}

// SyncTrusted measures the offset against the first trusted source that
// answers. The measured round trip is halved to estimate one-way latency.
func (s *Service) SyncTrusted(ctx context.Context) error {
	var lastErr error
	for _, url := range s.trustedURLs {
		serverMs, sentAt, rtt, err := s.fetchTrusted(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		offset := serverMs - (sentAt + rtt/2)
		s.mu.Lock()
		s.trustedOffsetMs = offset
		s.trustedSyncedAt = time.Now()
		s.mu.Unlock()
		s.logger.Debug().
			Int64("offset_ms", offset).
			Int64("rtt_ms", rtt).
			Str("source", url).
			Msg("Trusted time synced")
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no trusted time sources configured")
	}
	return lastErr
}

// SyncExchange measures the offset against the venue clock.
func (s *Service) SyncExchange(ctx context.Context) error {
	if s.fetcher == nil {
		return fmt.Errorf("no exchange time fetcher configured")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, trustedFetchTimeout)
	defer cancel()

	sentAt := time.Now().UnixMilli()
	serverMs, err := s.fetcher.ServerTimeMs(fetchCtx)
	if err != nil {
		return fmt.Errorf("exchange time fetch: %w", err)
	}
	rtt := time.Now().UnixMilli() - sentAt

	if serverMs < minSaneServerMs || serverMs > maxSaneServerMs {
		return fmt.Errorf("exchange reported implausible time %d", serverMs)
	}

	offset := serverMs - (sentAt + rtt/2)
	s.mu.Lock()
	s.exchangeOffsetMs = offset
	s.exchangeSyncedAt = time.Now()
	s.mu.Unlock()
	s.logger.Debug().
		Int64("offset_ms", offset).
		Int64("rtt_ms", rtt).
		Msg("Exchange time synced")
	return nil
}

func (s *Service) fetchTrusted(ctx context.Context, url string) (serverMs, sentAt, rtt int64, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, trustedFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, 0, err
	}

	sentAt = time.Now().UnixMilli()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	rtt = time.Now().UnixMilli() - sentAt

	if resp.StatusCode != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("time source %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading %s: %w", url, err)
	}

	var parsed struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, 0, 0, fmt.Errorf("parsing %s: %w", url, err)
	}
	if parsed.UnixTime == 0 {
		return 0, 0, 0, fmt.Errorf("time source %s returned no unixtime", url)
	}

	return parsed.UnixTime * 1000, sentAt, rtt, nil
}
