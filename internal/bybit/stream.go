package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamState describes the websocket lifecycle.
type StreamState string

const (
	StateIdle         StreamState = "idle"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateStreaming    StreamState = "streaming"
	StateDegraded     StreamState = "degraded"
	StateReconnecting StreamState = "reconnecting"
	StateClosed       StreamState = "closed"
)

const (
	batchInterval        = 500 * time.Millisecond
	pingInterval         = 20 * time.Second
	watchdogInterval     = 15 * time.Second
	silenceWarnAfter     = 90 * time.Second
	silenceForceAfter    = 120 * time.Second
	stableSessionAfter   = 60 * time.Second
	reconnectStep        = 5 * time.Second
	reconnectMaxDelay    = 60 * time.Second
	maxReconnectAttempts = 10
	handshakeTimeout     = 10 * time.Second
	writeTimeout         = 10 * time.Second
	commandBuffer        = 16
	inboundBuffer        = 1024
)

// KlineHandler receives every kline bar pushed by the venue, open and
// closed alike. It must not block; slow consumers should buffer internally.
type KlineHandler func(symbol string, candle Candle)

// StatusHandler receives stream status snapshots on every state or
// subscription-count change.
type StatusHandler func(StreamStatus)

// StreamStatus is a point-in-time view of the stream for the API and bus.
type StreamStatus struct {
	State             StreamState `json:"state"`
	PairsCount        int         `json:"pairs_count"`
	SubscribedCount   int         `json:"subscribed_count"`
	PendingCount      int         `json:"pending_count"`
	StreamingActive   bool        `json:"streaming_active"`
	ReconnectAttempts int         `json:"reconnect_attempts"`
	LastMessageAgeMs  int64       `json:"last_message_age_ms"`
}

type streamCommand struct {
	symbols []string
}

type wsRequest struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// KlineStream owns a single websocket connection to the public linear
// stream. All connection state lives in the Run goroutine; external callers
// interact only through SetSymbols, Status, and the handler callbacks.
type KlineStream struct {
	url      string
	handler  KlineHandler
	onStatus StatusHandler
	logger   zerolog.Logger

	commands chan streamCommand

	// Owned by the Run goroutine.
	subs           *subscriptionSet
	lastProcessed  map[string]int64
	pendingBatches map[string][]string
	reqSeq         int
	attempts       int

	lastMessageAt atomic.Int64

	mu     sync.RWMutex
	status StreamStatus
}

// NewKlineStream creates a stream. An empty url selects production.
func NewKlineStream(url string, handler KlineHandler, logger zerolog.Logger) *KlineStream {
	if url == "" {
		url = DefaultWSURL
	}
	return &KlineStream{
		url:           url,
		handler:       handler,
		logger:        logger.With().Str("component", "bybit-stream").Logger(),
		commands:      make(chan streamCommand, commandBuffer),
		subs:          newSubscriptionSet(),
		lastProcessed: make(map[string]int64),
		status:        StreamStatus{State: StateIdle},
	}
}

// OnStatus registers the status callback. Must be called before Run.
func (s *KlineStream) OnStatus(fn StatusHandler) {
	s.onStatus = fn
}

// SetSymbols replaces the desired symbol set. Safe from any goroutine; the
// stream applies the change on its next loop iteration.
func (s *KlineStream) SetSymbols(symbols []string) {
	cp := make([]string, len(symbols))
	copy(cp, symbols)
	select {
	case s.commands <- streamCommand{symbols: cp}:
	default:
		s.logger.Warn().Int("symbols", len(symbols)).Msg("Stream command queue full, dropping symbol update")
	}
}

// Status returns the latest published status with a fresh message age.
func (s *KlineStream) Status() StreamStatus {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()

	if last := s.lastMessageAt.Load(); last > 0 {
		st.LastMessageAgeMs = time.Now().UnixMilli() - last
	} else {
		st.LastMessageAgeMs = -1
	}
	return st
}

// Run connects and serves until the context is cancelled or ten consecutive
// reconnect attempts fail. A session that stays up for a minute resets the
// attempt counter.
func (s *KlineStream) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.transition(StateClosed)
			return ctx.Err()
		}

		s.transition(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if waitErr := s.backoff(ctx, fmt.Errorf("dial %s: %w", s.url, err)); waitErr != nil {
				return waitErr
			}
			continue
		}

		connectedAt := time.Now()
		s.attempts = 0
		s.publishStatus()
		s.transition(StateConnected)
		s.logger.Info().Str("url", s.url).Msg("Websocket connected")

		sessionErr := s.session(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			s.transition(StateClosed)
			return ctx.Err()
		}
		if time.Since(connectedAt) >= stableSessionAfter {
			s.attempts = 0
		}
		if waitErr := s.backoff(ctx, sessionErr); waitErr != nil {
			return waitErr
		}
	}
}

// backoff sleeps before the next attempt, or returns a terminal error once
// the attempt budget is spent.
func (s *KlineStream) backoff(ctx context.Context, cause error) error {
	s.attempts++
	if s.attempts >= maxReconnectAttempts {
		s.transition(StateClosed)
		return fmt.Errorf("giving up after %d consecutive connection failures: %w", s.attempts, cause)
	}

	delay := time.Duration(s.attempts) * reconnectStep
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	s.logger.Warn().
		Err(cause).
		Int("attempt", s.attempts).
		Dur("retry_in", delay).
		Msg("Websocket session ended, reconnecting")
	s.transition(StateReconnecting)

	select {
	case <-ctx.Done():
		s.transition(StateClosed)
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (s *KlineStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	return conn, err
}

// session serves one connection: it re-subscribes every desired topic in
// paced batches, forwards kline pushes, answers the watchdog, and returns
// on the first unrecoverable condition.
func (s *KlineStream) session(ctx context.Context, conn *websocket.Conn) error {
	s.subs.ResetForReconnect()
	s.drainCommands()
	s.pendingBatches = make(map[string][]string)
	s.lastMessageAt.Store(time.Now().UnixMilli())
	s.publishStatus()

	done := make(chan struct{})
	defer close(done)
	inbound := make(chan []byte, inboundBuffer)
	readErr := make(chan error, 1)
	go s.readLoop(conn, inbound, readErr, done)

	batchTicker := time.NewTicker(batchInterval)
	defer batchTicker.Stop()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case raw := <-inbound:
			if err := s.handleMessage(raw); err != nil {
				s.logger.Warn().Err(err).Msg("Dropping unreadable websocket message")
			}

		case cmd := <-s.commands:
			toUnsubscribe := s.subs.SetDesired(cmd.symbols)
			for len(toUnsubscribe) > 0 {
				n := len(toUnsubscribe)
				if n > maxTopicsPerRequest {
					n = maxTopicsPerRequest
				}
				if err := s.writeOp(conn, "", "unsubscribe", toUnsubscribe[:n]); err != nil {
					return fmt.Errorf("unsubscribe write: %w", err)
				}
				toUnsubscribe = toUnsubscribe[n:]
			}
			s.publishStatus()

		case <-batchTicker.C:
			batch := s.subs.NextBatch()
			if batch == nil {
				continue
			}
			s.reqSeq++
			reqID := fmt.Sprintf("sub-%d", s.reqSeq)
			if err := s.writeOp(conn, reqID, "subscribe", batch); err != nil {
				return fmt.Errorf("subscribe write: %w", err)
			}
			s.pendingBatches[reqID] = batch

		case <-pingTicker.C:
			if err := s.writeOp(conn, "", "ping", nil); err != nil {
				return fmt.Errorf("ping write: %w", err)
			}

		case <-watchdog.C:
			age := time.Duration(time.Now().UnixMilli()-s.lastMessageAt.Load()) * time.Millisecond
			if age > silenceForceAfter {
				return fmt.Errorf("no websocket traffic for %s, forcing reconnect", age)
			}
			if age > silenceWarnAfter && s.currentState() == StateStreaming {
				s.logger.Warn().Dur("silence", age).Msg("Websocket quiet for too long")
				s.transition(StateDegraded)
			}
		}
	}
}

// drainCommands applies every queued symbol update before resubscribing.
func (s *KlineStream) drainCommands() {
	for {
		select {
		case cmd := <-s.commands:
			s.subs.SetDesired(cmd.symbols)
		default:
			return
		}
	}
}

func (s *KlineStream) readLoop(conn *websocket.Conn, inbound chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	for {
		conn.SetReadDeadline(time.Now().Add(silenceForceAfter + 10*time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			case <-done:
			}
			return
		}
		s.lastMessageAt.Store(time.Now().UnixMilli())
		select {
		case inbound <- msg:
		case <-done:
			return
		}
	}
}

func (s *KlineStream) writeOp(conn *websocket.Conn, reqID, op string, args []string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(wsRequest{ReqID: reqID, Op: op, Args: args})
}

func (s *KlineStream) handleMessage(raw []byte) error {
	var probe struct {
		Topic   string          `json:"topic"`
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		ReqID   string          `json:"req_id"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case probe.Topic != "":
		return s.handleKlinePush(probe.Topic, probe.Data)
	case probe.Op == "ping" || probe.Op == "pong":
		return nil
	case probe.Op == "subscribe" || probe.Op == "unsubscribe":
		s.handleOpAck(probe.Op, probe.ReqID, probe.Success != nil && *probe.Success, probe.RetMsg)
		return nil
	default:
		s.logger.Debug().Str("op", probe.Op).Msg("Ignoring unknown websocket message")
		return nil
	}
}

func (s *KlineStream) handleOpAck(op, reqID string, success bool, retMsg string) {
	topics, tracked := s.pendingBatches[reqID]
	if !tracked {
		return
	}
	delete(s.pendingBatches, reqID)

	if success {
		// The topics stay pending until their first data tick arrives.
		s.logger.Debug().Int("topics", len(topics)).Str("req_id", reqID).Msg("Subscription batch accepted")
		return
	}

	dropped := s.subs.MarkFailed(topics)
	s.logger.Warn().
		Str("op", op).
		Str("ret_msg", retMsg).
		Int("topics", len(topics)).
		Msg("Subscription batch rejected, requeueing")
	for _, topic := range dropped {
		s.logger.Error().Str("topic", topic).Msg("Giving up on repeatedly rejected topic")
	}
	s.publishStatus()
}

func (s *KlineStream) handleKlinePush(topic string, data json.RawMessage) error {
	symbol := SymbolFromTopic(topic)
	if symbol == "" {
		return nil
	}

	var rows []struct {
		Start    int64  `json:"start"`
		End      int64  `json:"end"`
		Open     string `json:"open"`
		Close    string `json:"close"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Volume   string `json:"volume"`
		Turnover string `json:"turnover"`
		Confirm  bool   `json:"confirm"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("%w: kline data on %s: %v", ErrMalformed, topic, err)
	}

	for _, row := range rows {
		start := row.Start - row.Start%60_000
		candle := Candle{
			StartMs:   start,
			EndMs:     start + 60_000,
			Open:      parseFloat(row.Open),
			High:      parseFloat(row.High),
			Low:       parseFloat(row.Low),
			Close:     parseFloat(row.Close),
			Volume:    parseFloat(row.Volume),
			Turnover:  parseFloat(row.Turnover),
			Confirmed: row.Confirm,
		}
		if err := candle.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Dropping invalid kline push")
			continue
		}

		if s.subs.MarkData(symbol) {
			s.publishStatus()
		}

		if candle.Confirmed {
			// The venue re-sends closed bars around reconnects.
			if last, seen := s.lastProcessed[symbol]; seen && start <= last {
				continue
			}
			s.lastProcessed[symbol] = start
		}

		if st := s.currentState(); st == StateConnected || st == StateDegraded {
			s.transition(StateStreaming)
		}
		if s.handler != nil {
			s.handler(symbol, candle)
		}
	}
	return nil
}

func (s *KlineStream) currentState() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

// transition updates the state and notifies the status callback.
func (s *KlineStream) transition(state StreamState) {
	s.mu.Lock()
	if s.status.State == state {
		s.mu.Unlock()
		return
	}
	s.status.State = state
	s.status.StreamingActive = state == StateStreaming
	s.status.ReconnectAttempts = s.attempts
	st := s.status
	s.mu.Unlock()

	s.logger.Info().Str("state", string(state)).Msg("Stream state changed")
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// publishStatus refreshes subscription counts and notifies the callback.
func (s *KlineStream) publishStatus() {
	counts := s.subs.Counts()
	s.mu.Lock()
	s.status.PairsCount = counts.Desired
	s.status.SubscribedCount = counts.Subscribed
	s.status.PendingCount = counts.Pending
	s.status.ReconnectAttempts = s.attempts
	st := s.status
	s.mu.Unlock()

	if s.onStatus != nil {
		s.onStatus(st)
	}
}
