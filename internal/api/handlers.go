package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/database"
)

// handleHealth reports process liveness plus the state of the two
// dependencies a client cares about: storage and the venue stream.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := true
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			dbHealthy = false
		}
	}

	payload := gin.H{
		"status":   "healthy",
		"database": "connected",
		"stream":   string(s.deps.Stream.Status().State),
		"clients":  s.hub.ClientCount(),
	}
	if !dbHealthy {
		payload["status"] = "unhealthy"
		payload["database"] = "unreachable"
		c.JSON(http.StatusServiceUnavailable, payload)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// handleTime returns the corrected clock state.
func (s *Server) handleTime(c *gin.Context) {
	successResponse(c, s.deps.Time.Status())
}

// handleStatus returns the venue stream state and subscription counts.
func (s *Server) handleStatus(c *gin.Context) {
	payload := streamStatusPayload(s.deps.Stream.Status())
	payload["clients_connected"] = s.hub.ClientCount()
	successResponse(c, payload)
}

func streamStatusPayload(st bybit.StreamStatus) gin.H {
	return gin.H{
		"status":              string(st.State),
		"pairs_count":         st.PairsCount,
		"subscribed_count":    st.SubscribedCount,
		"pending_count":       st.PendingCount,
		"streaming_active":    st.StreamingActive,
		"reconnect_attempts":  st.ReconnectAttempts,
		"last_message_age_ms": st.LastMessageAgeMs,
	}
}

// handleAlerts returns the latest alerts, newest first. Query parameters:
// limit (default 100, capped) and symbol (optional exact filter).
func (s *Server) handleAlerts(c *gin.Context) {
	limit := intQuery(c, "limit", defaultAlertLimit)
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}
	symbol := c.Query("symbol")

	list, err := s.deps.Alerts.GetRecent(c.Request.Context(), limit, symbol)
	if err != nil {
		s.logger.Error().Err(err).Msg("Alert query failed")
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch alerts")
		return
	}
	if list == nil {
		list = []*alerts.Alert{}
	}
	successResponse(c, list)
}

// handleWatchlist returns the active watchlist with qualifying prices.
func (s *Server) handleWatchlist(c *gin.Context) {
	entries, err := s.deps.Watchlist.GetActive(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Watchlist query failed")
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch watchlist")
		return
	}
	if entries == nil {
		entries = []database.WatchlistEntry{}
	}
	successResponse(c, gin.H{
		"pairs": entries,
		"count": len(entries),
	})
}

// handleWatchlistRefresh kicks off one curation pass in the background and
// returns immediately. Changes land on the client bus as watchlist_updated
// events.
func (s *Server) handleWatchlistRefresh(c *gin.Context) {
	if s.deps.Refresher == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Watchlist curation is not available")
		return
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		errorResponse(c, http.StatusConflict, "A watchlist refresh is already running")
		return
	}

	go func() {
		defer s.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		added, removed, err := s.deps.Refresher.RunOnce(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Manual watchlist refresh failed")
			return
		}
		s.logger.Info().
			Int("added", len(added)).
			Int("removed", len(removed)).
			Msg("Manual watchlist refresh finished")
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data":    gin.H{"status": "refresh_started"},
	})
}

// handleGetSettings returns the live settings snapshot.
func (s *Server) handleGetSettings(c *gin.Context) {
	successResponse(c, s.deps.Settings.Get())
}

// handlePutSettings merges the submitted fields over the current snapshot,
// validates, and writes the settings file. The live snapshot is not swapped
// here: the file watcher picks the write up, so API edits and manual edits
// share one reload path.
func (s *Server) handlePutSettings(c *gin.Context) {
	next := s.deps.Settings.Get()
	if err := c.ShouldBindJSON(&next); err != nil {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid settings payload: %v", err))
		return
	}
	if err := s.deps.Settings.Save(next); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info().Msg("Settings file rewritten via API")
	successResponse(c, next)
}

// handleKlines returns the most recent closed candles for one symbol,
// ascending by start time.
func (s *Server) handleKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, "symbol is required")
		return
	}
	limit := intQuery(c, "limit", defaultKlineLimit)
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	candles, err := s.deps.Klines.GetRecentClosed(c.Request.Context(), symbol, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Kline query failed")
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch klines")
		return
	}
	if candles == nil {
		candles = []bybit.Candle{}
	}
	successResponse(c, gin.H{
		"symbol":  symbol,
		"candles": candles,
	})
}

// handleStartup returns everything a client needs to render its first
// screen in one round trip.
func (s *Server) handleStartup(c *gin.Context) {
	ctx := c.Request.Context()

	entries, err := s.deps.Watchlist.GetActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Startup watchlist query failed")
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch startup data")
		return
	}
	recent, err := s.deps.Alerts.GetRecent(ctx, startupAlertLimit, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("Startup alert query failed")
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch startup data")
		return
	}
	if entries == nil {
		entries = []database.WatchlistEntry{}
	}
	if recent == nil {
		recent = []*alerts.Alert{}
	}

	successResponse(c, gin.H{
		"watchlist":  entries,
		"alerts":     recent,
		"connection": streamStatusPayload(s.deps.Stream.Status()),
		"settings":   s.deps.Settings.Get(),
		"time":       s.deps.Time.Status(),
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
