// Command backfill seeds or repairs minute-kline history outside the main
// scanner process. It loads the configured analysis window (or an explicit
// -hours range) for the active watchlist or a given symbol list, skipping
// bars already stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/backfill"
	"bybit-market-scanner/internal/bybit"
	"bybit-market-scanner/internal/database"
	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/logging"
	"bybit-market-scanner/internal/metrics"
	"bybit-market-scanner/internal/timesync"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols to load (default: the active watchlist)")
	hoursFlag := flag.Int("hours", 0, "hours of history to load (default: the configured analysis window)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)

	settings, problems, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(1)
	}
	for _, p := range problems {
		logger.Warn().Str("problem", p).Msg("Settings value rejected, using default")
	}
	store := config.NewStore(settings, cfg.SettingsFile)

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run migrations: %v\n", err)
		os.Exit(1)
	}

	klineRepo := database.NewKlineRepository(db)
	watchRepo := database.NewWatchlistRepository(db)
	restClient := bybit.NewClient(cfg.BybitConfig.RESTURL, logger)

	timeSvc := timesync.NewService(restClient, logger)
	syncCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := timeSvc.SyncTrusted(syncCtx); err != nil {
		logger.Warn().Err(err).Msg("Time sync failed, using the system clock")
	}
	cancel()

	loader := backfill.NewLoader(restClient, klineRepo, watchRepo, timeSvc, store,
		events.NewEventBus(), metrics.NewUnregistered(), logger)

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		symbols, err = watchRepo.ActiveSymbols(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read watchlist: %v\n", err)
			os.Exit(1)
		}
		if len(symbols) == 0 {
			fmt.Fprintln(os.Stderr, "watchlist is empty; pass -symbols or run the scanner once")
			os.Exit(1)
		}
	}

	now := timeSvc.NowMs()
	var fromMs, toMs int64
	if *hoursFlag > 0 {
		toMs = timesync.AlignDownToMinute(now)
		fromMs = toMs - int64(*hoursFlag)*60*60*1000
	} else {
		fromMs, toMs = store.Get().AnalysisWindow(now)
	}

	fmt.Printf("Loading %d symbols, %s .. %s\n",
		len(symbols),
		time.UnixMilli(fromMs).UTC().Format(time.RFC3339),
		time.UnixMilli(toMs).UTC().Format(time.RFC3339))

	start := time.Now()
	total, failed := 0, 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(1)
		}
		n, err := loader.LoadRange(ctx, symbol, fromMs, toMs)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%-14s failed: %v\n", symbol, err)
			continue
		}
		total += n
		fmt.Printf("%-14s %6d bars\n", symbol, n)
	}

	fmt.Printf("Done: %d bars across %d symbols in %s (%d failed)\n",
		total, len(symbols)-failed, time.Since(start).Round(time.Second), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if sym := strings.ToUpper(strings.TrimSpace(p)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}
