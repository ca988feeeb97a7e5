package bybit

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStream(handler KlineHandler) *KlineStream {
	s := NewKlineStream("ws://unused", handler, zerolog.Nop())
	s.pendingBatches = make(map[string][]string)
	return s
}

func klinePushJSON(start int64, confirm bool, open, high, low, close string) json.RawMessage {
	row := map[string]interface{}{
		"start":    start,
		"end":      start + 60_000,
		"interval": "1",
		"open":     open,
		"high":     high,
		"low":      low,
		"close":    close,
		"volume":   "1500",
		"turnover": "150000",
		"confirm":  confirm,
	}
	data, _ := json.Marshal([]interface{}{row})
	return data
}

func TestHandleKlinePushDeliversAndAligns(t *testing.T) {
	var got []Candle
	var symbols []string
	s := newTestStream(func(symbol string, c Candle) {
		symbols = append(symbols, symbol)
		got = append(got, c)
	})

	// Start time is 30s into the minute; it must be floored.
	raw := klinePushJSON(1_700_000_070_000, false, "100", "110", "95", "105")
	if err := s.handleKlinePush("kline.1.BTCUSDT", raw); err != nil {
		t.Fatalf("handleKlinePush failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("delivered %d candles, want 1", len(got))
	}
	if symbols[0] != "BTCUSDT" {
		t.Errorf("symbol = %s, want BTCUSDT", symbols[0])
	}
	c := got[0]
	if c.StartMs != 1_700_000_040_000 {
		t.Errorf("StartMs = %d, want minute-aligned 1700000040000", c.StartMs)
	}
	if c.EndMs != c.StartMs+60_000 {
		t.Errorf("EndMs = %d, want StartMs+60000", c.EndMs)
	}
	if c.Open != 100 || c.Close != 105 || c.High != 110 || c.Low != 95 {
		t.Errorf("OHLC = %+v", c)
	}
	if c.Confirmed {
		t.Error("open candle should not be confirmed")
	}
}

func TestHandleKlinePushDedupesClosedBars(t *testing.T) {
	var delivered int
	s := newTestStream(func(string, Candle) { delivered++ })

	start := int64(1_700_000_040_000)
	closed := klinePushJSON(start, true, "100", "110", "95", "105")

	if err := s.handleKlinePush("kline.1.BTCUSDT", closed); err != nil {
		t.Fatal(err)
	}
	// Replay of the same closed bar must be swallowed.
	if err := s.handleKlinePush("kline.1.BTCUSDT", closed); err != nil {
		t.Fatal(err)
	}
	// An older closed bar must be swallowed too.
	older := klinePushJSON(start-60_000, true, "100", "110", "95", "105")
	if err := s.handleKlinePush("kline.1.BTCUSDT", older); err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 (closed duplicates dropped)", delivered)
	}

	// The next minute goes through.
	next := klinePushJSON(start+60_000, true, "105", "112", "104", "111")
	if err := s.handleKlinePush("kline.1.BTCUSDT", next); err != nil {
		t.Fatal(err)
	}
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}

	// Open-candle updates are never deduplicated.
	open := klinePushJSON(start+120_000, false, "111", "113", "110", "112")
	for i := 0; i < 3; i++ {
		if err := s.handleKlinePush("kline.1.BTCUSDT", open); err != nil {
			t.Fatal(err)
		}
	}
	if delivered != 5 {
		t.Fatalf("delivered = %d, want 5 (open updates flow through)", delivered)
	}
}

func TestHandleKlinePushDedupePerSymbol(t *testing.T) {
	var delivered int
	s := newTestStream(func(string, Candle) { delivered++ })

	start := int64(1_700_000_040_000)
	closed := klinePushJSON(start, true, "100", "110", "95", "105")

	if err := s.handleKlinePush("kline.1.BTCUSDT", closed); err != nil {
		t.Fatal(err)
	}
	if err := s.handleKlinePush("kline.1.ETHUSDT", closed); err != nil {
		t.Fatal(err)
	}
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2 (dedupe is per symbol)", delivered)
	}
}

func TestHandleKlinePushDropsInvalidBars(t *testing.T) {
	var delivered int
	s := newTestStream(func(string, Candle) { delivered++ })

	// Low above open fails validation.
	raw := klinePushJSON(1_700_000_040_000, true, "100", "110", "101", "105")
	if err := s.handleKlinePush("kline.1.BTCUSDT", raw); err != nil {
		t.Fatalf("invalid bar should be dropped, not errored: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

func TestHandleMessageRoutesAcks(t *testing.T) {
	s := newTestStream(nil)
	s.subs.SetDesired([]string{"BTCUSDT"})
	batch := s.subs.NextBatch()
	s.pendingBatches["sub-1"] = batch

	ack := []byte(`{"success":true,"ret_msg":"","conn_id":"abc","req_id":"sub-1","op":"subscribe"}`)
	if err := s.handleMessage(ack); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	// Acceptance alone does not mean data is flowing.
	if c := s.subs.Counts(); c.Subscribed != 0 || c.Pending != 1 {
		t.Fatalf("counts after ack = %+v, want still pending", c)
	}
	if _, still := s.pendingBatches["sub-1"]; still {
		t.Error("acked batch should be cleared")
	}

	// The first kline tick marks the topic live.
	push := klinePushJSON(1_700_000_040_000, false, "100", "110", "95", "105")
	if err := s.handleKlinePush("kline.1.BTCUSDT", push); err != nil {
		t.Fatal(err)
	}
	if c := s.subs.Counts(); c.Subscribed != 1 || c.Pending != 0 {
		t.Fatalf("counts after data = %+v, want subscribed", c)
	}
}

func TestHandleMessageRejectedBatchRequeues(t *testing.T) {
	s := newTestStream(nil)
	s.subs.SetDesired([]string{"BTCUSDT"})
	batch := s.subs.NextBatch()
	s.pendingBatches["sub-1"] = batch

	nack := []byte(`{"success":false,"ret_msg":"args limit","req_id":"sub-1","op":"subscribe"}`)
	if err := s.handleMessage(nack); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	c := s.subs.Counts()
	if c.Subscribed != 0 || c.Pending != 1 {
		t.Fatalf("counts after nack = %+v, want pending requeue", c)
	}
}

func TestHandleMessageIgnoresPong(t *testing.T) {
	s := newTestStream(nil)
	pong := []byte(`{"success":true,"ret_msg":"pong","conn_id":"abc","op":"ping"}`)
	if err := s.handleMessage(pong); err != nil {
		t.Fatalf("pong should be ignored: %v", err)
	}
}

func TestHandleMessageMalformedJSON(t *testing.T) {
	s := newTestStream(nil)
	if err := s.handleMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}
