// Package bybit talks to the Bybit v5 public API: REST market data and the
// public linear websocket kline stream.
package bybit

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultRESTURL is the production v5 REST endpoint.
	DefaultRESTURL = "https://api.bybit.com"
	// DefaultWSURL is the public linear-perpetual websocket endpoint.
	DefaultWSURL = "wss://stream.bybit.com/v5/public/linear"

	// CategoryLinear selects USDT perpetual contracts on v5 market endpoints.
	CategoryLinear = "linear"

	// IntervalMinute is the only kline interval the scanner consumes live.
	IntervalMinute = "1"
	// IntervalDay is used for historical reference prices.
	IntervalDay = "D"
)

var (
	// ErrRateLimited marks responses rejected by the exchange rate limiter.
	ErrRateLimited = errors.New("rate limited by exchange")
	// ErrMalformed marks payloads that fail structural validation.
	ErrMalformed = errors.New("malformed exchange payload")
)

// Candle is one OHLCV bar in UTC milliseconds. StartMs is inclusive, EndMs
// exclusive; for minute bars EndMs is always StartMs+60000.
type Candle struct {
	StartMs   int64   `json:"start_ms"`
	EndMs     int64   `json:"end_ms"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
	Confirmed bool    `json:"confirmed"`
}

// IsLong reports whether the candle closed above its open.
func (c Candle) IsLong() bool {
	return c.Close > c.Open
}

// VolumeUSDT approximates the candle's quote-denominated volume.
func (c Candle) VolumeUSDT() float64 {
	return c.Volume * c.Close
}

// Validate checks the structural sanity of a candle.
func (c Candle) Validate() error {
	if c.StartMs <= 0 || c.EndMs <= c.StartMs {
		return fmt.Errorf("%w: bad time range [%d, %d)", ErrMalformed, c.StartMs, c.EndMs)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("%w: low %.8f above open/close", ErrMalformed, c.Low)
	}
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("%w: high %.8f below open/close", ErrMalformed, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: negative volume %.8f", ErrMalformed, c.Volume)
	}
	return nil
}

// ValidSymbol reports whether a symbol looks like a USDT perpetual pair.
func ValidSymbol(symbol string) bool {
	if len(symbol) < 5 || len(symbol) > 20 {
		return false
	}
	return strings.HasSuffix(symbol, "USDT")
}

// Instrument is one entry from the instruments-info endpoint.
type Instrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
}

// IsTradingUSDTPerp reports whether the instrument is a live USDT perpetual.
func (i Instrument) IsTradingUSDTPerp() bool {
	return i.Status == "Trading" && i.QuoteCoin == "USDT" && ValidSymbol(i.Symbol)
}

// Ticker is the subset of the tickers endpoint the scanner reads.
type Ticker struct {
	Symbol    string
	LastPrice float64
}

// PriceLevel is one side entry of an orderbook snapshot.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a flattened top-of-book snapshot.
type OrderbookSnapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	TsMs   int64        `json:"ts_ms"`
}

// BestBid returns the highest bid, or zero values when the book is empty.
func (o *OrderbookSnapshot) BestBid() (PriceLevel, bool) {
	if o == nil || len(o.Bids) == 0 {
		return PriceLevel{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the lowest ask, or zero values when the book is empty.
func (o *OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if o == nil || len(o.Asks) == 0 {
		return PriceLevel{}, false
	}
	return o.Asks[0], true
}

// intervalMs maps a kline interval code to its width in milliseconds.
func intervalMs(interval string) int64 {
	switch interval {
	case IntervalDay:
		return 86_400_000
	case "W":
		return 7 * 86_400_000
	default:
		var minutes int64
		for _, r := range interval {
			if r < '0' || r > '9' {
				return 60_000
			}
			minutes = minutes*10 + int64(r-'0')
		}
		if minutes <= 0 {
			return 60_000
		}
		return minutes * 60_000
	}
}
