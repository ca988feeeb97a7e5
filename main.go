package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/api"
	"bybit-market-scanner/internal/backfill"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/cache"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/logging"
	"bybit-market-scanner/internal/metrics"
	"bybit-market-scanner/internal/notification"
	"bybit-market-scanner/internal/reconcile"
	"bybit-market-scanner/internal/timesync"
	"bybit-market-scanner/internal/watchlist"
)

const (
	startupSyncTimeout  = 15 * time.Second
	loopRestartCooldown = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Str("level", cfg.LoggingConfig.Level).Msg("Logging initialized")

	settings, problems, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.SettingsFile).Msg("Failed to load settings")
	}
	for _, p := range problems {
		logger.Warn().Str("problem", p).Msg("Settings value rejected, using default")
	}
	store := config.NewStore(settings, cfg.SettingsFile)

	bus := events.NewEventBus()

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	cacheService := cache.NewCacheService(cfg.RedisConfig, logger)
	defer cacheService.Close()

	restClient := bybit.NewClient(cfg.BybitConfig.RESTURL, logger)

	timeSvc := timesync.NewService(restClient, logger)
	syncCtx, syncCancel := context.WithTimeout(ctx, startupSyncTimeout)
	if err := timeSvc.SyncTrusted(syncCtx); err != nil {
		logger.Warn().Err(err).Msg("Startup time sync failed, starting on the system clock")
	}
	if err := timeSvc.SyncExchange(syncCtx); err != nil {
		logger.Warn().Err(err).Msg("Startup exchange time sync failed")
	}
	syncCancel()

	m := metrics.NewMetrics()

	alertRepo := database.NewAlertRepository(db)
	klineRepo := database.NewKlineRepository(db)
	watchRepo := database.NewWatchlistRepository(db)

	notifyManager := notification.NewManager(cfg.NotificationConfig.Enabled, m, logger)
	if cfg.NotificationConfig.Telegram.Enabled {
		notifyManager.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
		logger.Info().Msg("Telegram notifications enabled")
	}

	// runCtx governs every background loop; cancelling it starts shutdown.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	sink := alerts.NewSink(alertRepo, bus, notifyManager, timeSvc, m, logger)
	go sink.Run(runCtx)

	books := alerts.NewCachedBooks(restClient, cacheService, logger)

	engine := alerts.NewEngine(klineRepo, timeSvc, store, books, sink, m, logger)
	engine.Start(runCtx)

	stream := bybit.NewKlineStream(cfg.BybitConfig.WSURL, func(symbol string, candle bybit.Candle) {
		engine.Dispatch(symbol, candle)
		bus.PublishKlineUpdate(symbol, candle)
	}, logger)
	stream.OnStatus(bus.PublishConnectionStatus)

	loader := backfill.NewLoader(restClient, klineRepo, watchRepo, timeSvc, store, bus, m, logger)
	recon := reconcile.NewController(klineRepo, loader, watchRepo, timeSvc, store, bus, m, logger)
	curator := watchlist.NewCurator(restClient, watchRepo, cacheService, timeSvc, store, bus, m, logger)

	// Initial curation pass. A failure keeps whatever list the last run
	// stored; the scanner can still stream and alert on it.
	if _, _, err := curator.RunOnce(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial watchlist refresh failed, keeping stored list")
	}

	if err := loader.LoadWatchlist(ctx); err != nil {
		logger.Error().Err(err).Msg("Startup history load failed")
	}
	if err := recon.ReconcileAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Startup data check failed")
	}

	symbols, err := watchRepo.ActiveSymbols(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read the watchlist")
	}
	stream.SetSymbols(symbols)
	engine.SetActiveSymbols(symbols)
	logger.Info().Int("pairs", len(symbols)).Msg("Watchlist ready")

	curator.SetOnPairsChanged(func(added, removed []string) {
		cbCtx, cancel := context.WithTimeout(runCtx, 10*time.Minute)
		defer cancel()

		active, err := watchRepo.ActiveSymbols(cbCtx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to re-read the watchlist after a change")
			return
		}
		stream.SetSymbols(active)
		engine.SetActiveSymbols(active)

		if len(added) > 0 {
			if err := recon.Reconcile(cbCtx, added); err != nil {
				logger.Error().Err(err).Strs("symbols", added).Msg("History load for admitted pairs failed")
			}
		}
	})

	store.OnChange(func(old, next config.Settings, changed []string) {
		bus.PublishSettingsUpdated(changed)
		if !windowChanged(changed) {
			return
		}
		// The analysis window moved; detector state and stored history
		// are both sized to the old window.
		engine.ResetAll()
		go func() {
			rcCtx, cancel := context.WithTimeout(runCtx, 10*time.Minute)
			defer cancel()
			if err := recon.ReconcileAll(rcCtx); err != nil {
				logger.Error().Err(err).Msg("Data check after window change failed")
			}
		}()
	})

	retention := database.NewRetentionJob(klineRepo, timeSvc.NowMs, func() database.RetentionPolicy {
		s := store.Get()
		return database.RetentionPolicy{
			DataRetentionHours: s.DataRetentionHours,
			AnalysisHours:      s.AnalysisHours,
			OffsetMinutes:      s.OffsetMinutes,
		}
	}, logger)

	watcher := config.NewWatcher(store, logger)

	go supervise(runCtx, logger, "time-sync", timeSvc.Run)
	go supervise(runCtx, logger, "kline-stream", stream.Run)
	go supervise(runCtx, logger, "watchlist", curator.Run)
	go supervise(runCtx, logger, "integrity-scan", loader.Run)
	go supervise(runCtx, logger, "retention", retention.Run)
	go supervise(runCtx, logger, "settings-watcher", watcher.Run)

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Alerts:    alertRepo,
		Watchlist: watchRepo,
		Klines:    klineRepo,
		Settings:  store,
		Time:      timeSvc,
		Stream:    stream,
		Refresher: curator,
		Health:    db,
		Bus:       bus,
		Metrics:   m,
	}, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start web server")
		}
	}()

	logger.Info().
		Str("host", cfg.ServerConfig.Host).
		Int("port", cfg.ServerConfig.Port).
		Msg("Market scanner started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down web server")
	}

	// Stop the background loops, then drain the alert pipeline: workers
	// first so their final pushes land in the sink before it drains.
	stop()
	engine.Stop()
	sink.Stop()

	logger.Info().Msg("Shutdown complete")
}

// supervise reruns a background loop that died from an error. The stream
// gives up after its reconnect budget; everything else only returns once
// its context is cancelled, so the restart path is rarely taken.
func supervise(ctx context.Context, logger zerolog.Logger, name string, run func(context.Context) error) {
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Str("loop", name).Msg("Background loop exited, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(loopRestartCooldown):
		}
	}
}

// windowChanged reports whether a settings reload moved the analysis
// window, which invalidates detector baselines and the stored history range.
func windowChanged(changed []string) bool {
	for _, key := range changed {
		if key == "analysisHours" || key == "offsetMinutes" {
			return true
		}
	}
	return false
}
