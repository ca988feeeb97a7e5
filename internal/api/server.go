// Package api serves the scanner's HTTP face: REST endpoints for clients,
// the browser websocket mount and the Prometheus scrape target.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
	"bybit-market-scanner/internal/timesync"
)

const (
	rateLimitPerMinute = 120
	refreshTimeout     = 10 * time.Minute
	startupAlertLimit  = 100
	defaultAlertLimit  = 100
	maxAlertLimit      = 500
	defaultKlineLimit  = 100
	maxKlineLimit      = 1000
)

// AlertReader serves recent alerts to clients.
type AlertReader interface {
	GetRecent(ctx context.Context, limit int, symbol string) ([]*alerts.Alert, error)
}

// WatchlistReader serves the active watchlist.
type WatchlistReader interface {
	GetActive(ctx context.Context) ([]database.WatchlistEntry, error)
}

// KlineReader serves recent closed candles for charting.
type KlineReader interface {
	GetRecentClosed(ctx context.Context, symbol string, limit int) ([]bybit.Candle, error)
}

// SettingsStore reads the live settings snapshot and persists edits to the
// settings file. The live config.Store satisfies it.
type SettingsStore interface {
	Get() config.Settings
	Save(next config.Settings) error
}

// TimeSource reports the corrected clock state.
type TimeSource interface {
	Status() timesync.Status
}

// StreamSource reports the venue stream state.
type StreamSource interface {
	Status() bybit.StreamStatus
}

// WatchlistRefresher runs one curation pass on demand.
type WatchlistRefresher interface {
	RunOnce(ctx context.Context) (added, removed []string, err error)
}

// HealthChecker pings the database.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps bundles everything the server reads. Bus must be non-nil; optional
// dependencies (Refresher, Health) may be nil and their endpoints degrade.
type Deps struct {
	Alerts    AlertReader
	Watchlist WatchlistReader
	Klines    KlineReader
	Settings  SettingsStore
	Time      TimeSource
	Stream    StreamSource
	Refresher WatchlistRefresher
	Health    HealthChecker
	Bus       *events.EventBus
	Metrics   *metrics.Metrics
}

// RateLimiter provides simple in-memory rate limiting per key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks whether a request under the given key fits the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	deps       Deps
	hub        *Hub
	limiter    *RateLimiter
	refreshing atomic.Bool
	hubCancel  context.CancelFunc
	logger     zerolog.Logger
}

// NewServer builds the router and wires the client hub onto the event bus.
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	apiLogger := logger.With().Str("component", "api").Logger()
	router.Use(requestLogger(apiLogger))
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	s := &Server{
		router:  router,
		cfg:     cfg,
		deps:    deps,
		hub:     newHub(deps.Metrics, logger),
		limiter: NewRateLimiter(rateLimitPerMinute, time.Minute),
		logger:  apiLogger,
	}

	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func corsConfig(allowedOrigins string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.ExposeHeaders = []string{"Content-Length"}

	if allowedOrigins == "" || allowedOrigins == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = strings.Split(allowedOrigins, ",")
	cfg.AllowCredentials = true
	return cfg
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}

// rateLimitMiddleware throttles requests per endpoint path.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.FullPath()) {
			errorResponse(c, http.StatusTooManyRequests, "Rate limit exceeded, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws", s.hub.handleSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/time", s.handleTime)
		api.GET("/status", s.handleStatus)
		api.GET("/alerts", s.handleAlerts)
		api.GET("/watchlist", s.handleWatchlist)
		api.POST("/watchlist/refresh", s.handleWatchlistRefresh)
		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handlePutSettings)
		api.GET("/klines", s.handleKlines)
		api.GET("/startup", s.handleStartup)
	}
}

// Start runs the client hub and serves HTTP until Shutdown. Blocks; run it
// on its own goroutine.
func (s *Server) Start() error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.run(hubCtx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown disconnects websocket clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
