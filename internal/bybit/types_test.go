package bybit

import (
	"errors"
	"testing"
)

func TestCandleValidate(t *testing.T) {
	base := Candle{
		StartMs: 1_700_000_040_000,
		EndMs:   1_700_000_100_000,
		Open:    100, High: 110, Low: 95, Close: 105,
		Volume: 1000, Turnover: 105_000,
	}

	tests := []struct {
		name    string
		mutate  func(c *Candle)
		wantErr bool
	}{
		{name: "valid candle", mutate: func(c *Candle) {}, wantErr: false},
		{name: "doji is valid", mutate: func(c *Candle) { c.Open, c.High, c.Low, c.Close = 100, 100, 100, 100 }, wantErr: false},
		{name: "end before start", mutate: func(c *Candle) { c.EndMs = c.StartMs - 1 }, wantErr: true},
		{name: "zero start", mutate: func(c *Candle) { c.StartMs = 0 }, wantErr: true},
		{name: "low above open", mutate: func(c *Candle) { c.Low = 101 }, wantErr: true},
		{name: "high below close", mutate: func(c *Candle) { c.High = 104 }, wantErr: true},
		{name: "negative volume", mutate: func(c *Candle) { c.Volume = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrMalformed) {
				t.Errorf("error %v should wrap ErrMalformed", err)
			}
		})
	}
}

func TestCandleIsLong(t *testing.T) {
	if !(Candle{Open: 100, Close: 101}).IsLong() {
		t.Error("close above open should be long")
	}
	if (Candle{Open: 100, Close: 100}).IsLong() {
		t.Error("doji should not be long")
	}
	if (Candle{Open: 100, Close: 99}).IsLong() {
		t.Error("close below open should not be long")
	}
}

func TestValidSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		valid  bool
	}{
		{"BTCUSDT", true},
		{"1000PEPEUSDT", true},
		{"XUSDT", true},
		{"BTCUSD", false},
		{"USDT", false},
		{"BTCUSDC", false},
		{"", false},
		{"VERYLONGSYMBOLNAMEUSDT", false},
	}

	for _, tt := range tests {
		if got := ValidSymbol(tt.symbol); got != tt.valid {
			t.Errorf("ValidSymbol(%q) = %v, want %v", tt.symbol, got, tt.valid)
		}
	}
}

func TestIntervalMs(t *testing.T) {
	tests := []struct {
		interval string
		expected int64
	}{
		{"1", 60_000},
		{"5", 300_000},
		{"60", 3_600_000},
		{"D", 86_400_000},
		{"W", 604_800_000},
		{"garbage", 60_000},
	}

	for _, tt := range tests {
		if got := intervalMs(tt.interval); got != tt.expected {
			t.Errorf("intervalMs(%q) = %d, want %d", tt.interval, got, tt.expected)
		}
	}
}

func TestOrderbookBestLevels(t *testing.T) {
	var nilBook *OrderbookSnapshot
	if _, ok := nilBook.BestBid(); ok {
		t.Error("nil book should report no bid")
	}

	book := &OrderbookSnapshot{
		Bids: []PriceLevel{{Price: 100.5, Size: 3}, {Price: 100.4, Size: 7}},
		Asks: []PriceLevel{{Price: 100.6, Size: 2}},
	}
	bid, ok := book.BestBid()
	if !ok || bid.Price != 100.5 {
		t.Errorf("BestBid = %+v ok=%v, want 100.5", bid, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || ask.Price != 100.6 {
		t.Errorf("BestAsk = %+v ok=%v, want 100.6", ask, ok)
	}
}
