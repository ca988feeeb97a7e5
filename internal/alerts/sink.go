package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/internal/metrics"
)

// AlertWriter persists alerts.
type AlertWriter interface {
	Insert(ctx context.Context, a *Alert) error
}

// Broadcaster pushes an alert onto the client-facing event bus.
type Broadcaster interface {
	PublishNewAlert(alert interface{}, serverTs int64, synced bool)
}

// NotificationDispatcher fans an alert out to external channels.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, a *Alert)
}

const (
	sinkQueueSize  = 1024
	deliverTimeout = 10 * time.Second
)

// Sink delivers emitted alerts to storage, the client bus and notification
// channels. Push never blocks the engine: a saturated queue drops with a
// warning. The three downstreams are independent failure domains; alerts are
// delivered one at a time so downstream order matches emission order.
type Sink struct {
	writer  AlertWriter
	bus     Broadcaster
	notify  NotificationDispatcher
	clock   Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	queue    chan *Alert
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSink wires the delivery side. Any downstream may be nil and is then
// skipped.
func NewSink(writer AlertWriter, bus Broadcaster, notify NotificationDispatcher, clock Clock, m *metrics.Metrics, logger zerolog.Logger) *Sink {
	return &Sink{
		writer:  writer,
		bus:     bus,
		notify:  notify,
		clock:   clock,
		metrics: m,
		logger:  logger.With().Str("component", "alert-sink").Logger(),
		queue:   make(chan *Alert, sinkQueueSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Push enqueues an alert for delivery without blocking.
func (s *Sink) Push(a *Alert) {
	select {
	case s.queue <- a:
	default:
		s.metrics.DroppedEvents.WithLabelValues("sink").Inc()
		s.logger.Warn().
			Str("symbol", a.Symbol).
			Str("kind", string(a.Kind)).
			Msg("Alert queue saturated, dropping alert")
	}
}

// Queued reports how many alerts are waiting for delivery.
func (s *Sink) Queued() int {
	return len(s.queue)
}

// Run drains the queue until ctx is cancelled or Stop is called. On Stop,
// alerts already queued are still delivered.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			for {
				select {
				case a := <-s.queue:
					s.deliver(a)
				default:
					return
				}
			}
		case a := <-s.queue:
			s.deliver(a)
		}
	}
}

// Stop drains queued alerts and shuts the delivery loop down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for alert sink to drain")
	}
}

// deliver sends one alert to all downstreams in parallel and waits for them,
// keeping the queue ordered. A failure in one downstream never blocks or
// cancels the others.
func (s *Sink) deliver(a *Alert) {
	s.metrics.AlertsTotal.WithLabelValues(string(a.Kind)).Inc()
	s.logger.Info().
		Str("symbol", a.Symbol).
		Str("kind", string(a.Kind)).
		Float64("price", a.Price).
		Msg("Delivering alert")

	var wg sync.WaitGroup
	if s.writer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			if err := s.writer.Insert(ctx, a); err != nil {
				s.metrics.StorageErrors.Inc()
				s.logger.Error().Err(err).
					Str("symbol", a.Symbol).
					Str("uid", a.UID).
					Msg("Alert persistence failed")
			}
		}()
	}
	if s.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.bus.PublishNewAlert(a, s.clock.NowMs(), s.clock.Synced())
		}()
	}
	if s.notify != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			s.notify.Dispatch(ctx, a)
		}()
	}
	wg.Wait()
}
