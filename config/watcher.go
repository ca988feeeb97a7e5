package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const watchInterval = 2 * time.Second

// Watcher polls the settings file and swaps the store snapshot when the file
// changes. A file that fails to parse or carries invalid values leaves the
// previous snapshot active.
type Watcher struct {
	store    *Store
	logger   zerolog.Logger
	lastMod  time.Time
	lastSize int64
}

func NewWatcher(store *Store, logger zerolog.Logger) *Watcher {
	return &Watcher{
		store:  store,
		logger: logger.With().Str("component", "settings-watcher").Logger(),
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	if info, err := os.Stat(w.store.Path()); err == nil {
		w.lastMod, w.lastSize = info.ModTime(), info.Size()
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	path := w.store.Path()
	info, err := os.Stat(path)
	if err != nil {
		// File missing or unreadable; the current snapshot stays active.
		return
	}
	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		return
	}
	w.lastMod, w.lastSize = info.ModTime(), info.Size()

	next, problems, err := readSettings(path)
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Settings reload failed, keeping current values")
		return
	}
	if len(problems) > 0 {
		for _, p := range problems {
			w.logger.Warn().Str("file", path).Str("problem", p).Msg("Settings reload rejected")
		}
		return
	}

	if changed := w.store.Replace(next); len(changed) > 0 {
		w.logger.Info().Strs("changed", changed).Msg("Settings reloaded")
	}
}
