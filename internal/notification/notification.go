// Package notification fans emitted alerts out to external channels such
// as Telegram. Channels are independent failure domains: a send error is
// logged and counted, never returned to the alert pipeline.
package notification

import (
	"context"

	"github.com/rs/zerolog"

	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/metrics"
)

// Notifier delivers one alert to an external channel.
type Notifier interface {
	Send(ctx context.Context, a *alerts.Alert) error
	Name() string
	Enabled() bool
}

// Manager fans alerts out to all registered notifiers. It satisfies the
// alert sink's NotificationDispatcher.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewManager creates a manager. With enabled false Dispatch is a no-op
// regardless of registered channels.
func NewManager(enabled bool, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		enabled: enabled,
		metrics: m,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier registers a channel. Call before the alert pipeline starts;
// the notifier list is not guarded after that.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Dispatch sends the alert to every enabled channel in registration order.
func (m *Manager) Dispatch(ctx context.Context, a *alerts.Alert) {
	if !m.enabled {
		return
	}
	for _, n := range m.notifiers {
		if !n.Enabled() {
			continue
		}
		if err := n.Send(ctx, a); err != nil {
			m.metrics.NotificationErrors.WithLabelValues(n.Name()).Inc()
			m.logger.Error().Err(err).
				Str("channel", n.Name()).
				Str("symbol", a.Symbol).
				Str("kind", string(a.Kind)).
				Msg("Notification delivery failed")
			continue
		}
		m.metrics.NotificationsSent.WithLabelValues(n.Name()).Inc()
	}
}
