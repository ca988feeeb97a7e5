package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bybit-market-scanner/internal/events"
	"bybit-market-scanner/internal/metrics"
)

const (
	clientSendBuffer   = 256
	hubBroadcastBuffer = 4096
	maxClientMessage   = 4096

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served to local dashboards; origin checks stay open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outbound is one bus event rendered to JSON once and fanned out to every
// client that wants it.
type outbound struct {
	eventType events.EventType
	symbol    string
	payload   []byte
}

// controlMessage is the reply envelope for client ping/subscribe traffic.
type controlMessage struct {
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Client is one connected browser socket. An empty subscription set means
// the client receives every kline update; a non-empty set narrows kline
// traffic to those symbols. Alerts and status messages always go through.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

// wants reports whether this client should receive the given event.
func (c *Client) wants(t events.EventType, symbol string) bool {
	if t != events.EventKlineUpdate {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[symbol]
	return ok
}

// subscribe adds symbols to the client's filter and returns the resulting
// subscription list, sorted.
func (c *Client) subscribe(symbols []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		if s != "" {
			c.subs[s] = struct{}{}
		}
	}
	return c.subscribedLocked()
}

// unsubscribe removes symbols from the filter and returns what remains.
func (c *Client) unsubscribe(symbols []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		delete(c.subs, s)
	}
	return c.subscribedLocked()
}

func (c *Client) subscribedLocked() []string {
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Hub fans bus events out to connected browser clients. Clients register and
// unregister through channels so all map access happens on the run goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	clients    map[*Client]bool
	done       chan struct{}

	mu    sync.RWMutex
	count int

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func newHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, hubBroadcastBuffer),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger.With().Str("component", "client-hub").Logger(),
	}
}

// ClientCount reports how many browser clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
	h.metrics.ClientsConnected.Set(float64(n))
}

// run owns the client set until the context is cancelled, at which point
// every client is disconnected.
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.setCount(0)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			h.logger.Info().
				Str("client_id", client.id).
				Int("clients", len(h.clients)).
				Msg("Client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.setCount(len(h.clients))
				h.logger.Info().
					Str("client_id", client.id).
					Int("clients", len(h.clients)).
					Msg("Client disconnected")
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(msg.eventType, msg.symbol) {
					continue
				}
				select {
				case client.send <- msg.payload:
					h.metrics.ClientMessages.Inc()
				default:
					// A client that cannot keep up is cut loose rather
					// than allowed to stall the fan-out.
					h.metrics.DroppedEvents.WithLabelValues("hub").Inc()
					h.logger.Warn().
						Str("client_id", client.id).
						Msg("Client send buffer full, disconnecting")
					delete(h.clients, client)
					close(client.send)
					h.setCount(len(h.clients))
				}
			}
		}
	}
}

// BroadcastEvent renders one bus event and queues it for fan-out. Safe from
// any goroutine; drops the event when the hub queue is saturated.
func (h *Hub) BroadcastEvent(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("Dropping unserializable event")
		return
	}

	msg := outbound{eventType: event.Type, payload: payload}
	if event.Type == events.EventKlineUpdate {
		if sym, ok := event.Data["symbol"].(string); ok {
			msg.symbol = sym
		}
	}

	select {
	case h.broadcast <- msg:
	default:
		h.metrics.DroppedEvents.WithLabelValues("hub").Inc()
	}
}

// handleSocket upgrades one browser connection and starts its read and
// write pumps.
func (h *Hub) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		subs: make(map[string]struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump serializes all writes to the connection: queued events, control
// replies and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed this client.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames until the connection drops, keeping the
// read deadline fresh and answering protocol messages.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(raw)
	}
}

// handleMessage answers one inbound client frame: ping, subscribe or
// unsubscribe. Anything else is ignored.
func (c *Client) handleMessage(raw []byte) {
	var msg struct {
		Type    string   `json:"type"`
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Ignoring unreadable client message")
		return
	}

	switch msg.Type {
	case "ping":
		c.reply(controlMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
	case "subscribe":
		symbols := c.subscribe(msg.Symbols)
		c.reply(controlMessage{Type: "subscribe_confirmed", Symbols: symbols, Timestamp: time.Now().UnixMilli()})
	case "unsubscribe":
		symbols := c.unsubscribe(msg.Symbols)
		c.reply(controlMessage{Type: "unsubscribe_confirmed", Symbols: symbols, Timestamp: time.Now().UnixMilli()})
	default:
		c.hub.logger.Debug().Str("type", msg.Type).Str("client_id", c.id).Msg("Unknown client message type")
	}
}

func (c *Client) reply(msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.metrics.DroppedEvents.WithLabelValues("hub").Inc()
	}
}
