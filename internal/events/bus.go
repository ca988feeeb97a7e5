// Package events carries the internal publish/subscribe bus. Event types
// double as the websocket message types pushed to connected clients.
package events

import (
	"sync"
	"time"

	"bybit-market-scanner/internal/bybit"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventNewAlert         EventType = "new_alert"
	EventKlineUpdate      EventType = "kline_update"
	EventConnectionStatus EventType = "connection_status"
	EventWatchlistUpdated EventType = "watchlist_updated"
	EventSettingsUpdated  EventType = "settings_updated"

	EventDataCorrectionStarted   EventType = "data_correction_started"
	EventDataCorrectionProgress  EventType = "data_correction_progress"
	EventDataCorrectionCompleted EventType = "data_correction_completed"
	EventDataCorrectionError     EventType = "data_correction_error"

	EventStartupCheckStarted   EventType = "startup_data_check_started"
	EventStartupCheckProgress  EventType = "startup_data_check_progress"
	EventStartupCheckCompleted EventType = "startup_data_check_completed"

	EventStartupLoadingStarted   EventType = "startup_data_loading_started"
	EventStartupLoadingCompleted EventType = "startup_data_loading_completed"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishNewAlert publishes an emitted alert to connected clients. The
// alert is kept as interface{} so this package stays below the alerts
// package in the import graph.
func (eb *EventBus) PublishNewAlert(alert interface{}, serverTs int64, synced bool) {
	eb.Publish(Event{
		Type: EventNewAlert,
		Data: map[string]interface{}{
			"alert":            alert,
			"server_timestamp": serverTs,
			"utc_synced":       synced,
		},
	})
}

// PublishKlineUpdate publishes a candle update for one symbol
func (eb *EventBus) PublishKlineUpdate(symbol string, candle bybit.Candle) {
	eb.Publish(Event{
		Type: EventKlineUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"candle": candle,
		},
	})
}

// PublishConnectionStatus publishes the upstream stream status
func (eb *EventBus) PublishConnectionStatus(status bybit.StreamStatus) {
	eb.Publish(Event{
		Type: EventConnectionStatus,
		Data: map[string]interface{}{
			"status":           string(status.State),
			"pairs_count":      status.PairsCount,
			"subscribed_count": status.SubscribedCount,
			"pending_count":    status.PendingCount,
			"streaming_active": status.StreamingActive,
		},
	})
}

// PublishWatchlistUpdated publishes one watchlist change
func (eb *EventBus) PublishWatchlistUpdated(action, symbol string) {
	eb.Publish(Event{
		Type: EventWatchlistUpdated,
		Data: map[string]interface{}{
			"action": action,
			"symbol": symbol,
		},
	})
}

// PublishSettingsUpdated publishes the keys that changed
func (eb *EventBus) PublishSettingsUpdated(changedKeys []string) {
	eb.Publish(Event{
		Type: EventSettingsUpdated,
		Data: map[string]interface{}{
			"changed_keys": changedKeys,
		},
	})
}
