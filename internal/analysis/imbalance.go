// Package analysis detects price-action imbalances on closed minute
// candles: fair value gaps, order blocks, and breaker blocks.
package analysis

import (
	"bybit-market-scanner/internal/bybit"
)

// ImbalanceType identifies the pattern that produced a zone.
type ImbalanceType string

const (
	FairValueGap ImbalanceType = "fvg"
	OrderBlock   ImbalanceType = "order_block"
	BreakerBlock ImbalanceType = "breaker_block"
)

// Direction is the side of the market an imbalance favors.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

const (
	// orderBlockLookback is how many candles before the last are scanned
	// for an opposite-direction candle.
	orderBlockLookback = 9
	// orderBlockMinMovePct is the minimum close-to-close move that
	// qualifies an order block.
	orderBlockMinMovePct = 2.0
	// breakerWindow is how many candles before the last define the
	// breached extreme.
	breakerWindow = 14
	// breakerMinBreachPct is the minimum breach past the extreme.
	breakerMinBreachPct = 1.0
)

// Imbalance is one detected zone with its bounds and strength in percent.
type Imbalance struct {
	Type          ImbalanceType `json:"type"`
	Direction     Direction     `json:"direction"`
	Top           float64       `json:"top"`
	Bottom        float64       `json:"bottom"`
	Strength      float64       `json:"strength"`
	CandleStartMs int64         `json:"candle_start_ms"`
}

// Config selects which detectors run and their thresholds.
type Config struct {
	FVGEnabled          bool
	OrderBlockEnabled   bool
	BreakerBlockEnabled bool
	MinGapPct           float64
	MinStrength         float64
}

// Detector runs the enabled imbalance checks over a candle window.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector. A non-positive gap threshold falls back
// to 0.1%.
func NewDetector(cfg Config) *Detector {
	if cfg.MinGapPct <= 0 {
		cfg.MinGapPct = 0.1
	}
	return &Detector{cfg: cfg}
}

// AnalyzeAll runs the enabled detectors in fixed order (gap, order block,
// breaker block) over closed candles in chronological order and returns the
// first zone whose strength clears the configured floor.
func (d *Detector) AnalyzeAll(candles []bybit.Candle) *Imbalance {
	checks := []struct {
		enabled bool
		detect  func([]bybit.Candle) *Imbalance
	}{
		{d.cfg.FVGEnabled, d.DetectFVG},
		{d.cfg.OrderBlockEnabled, d.DetectOrderBlock},
		{d.cfg.BreakerBlockEnabled, d.DetectBreakerBlock},
	}

	for _, check := range checks {
		if !check.enabled {
			continue
		}
		if imb := check.detect(candles); imb != nil && imb.Strength >= d.cfg.MinStrength {
			return imb
		}
	}
	return nil
}

// DetectFVG checks the last three candles for a fair value gap.
//
// Bullish: the oldest candle's low sits above the newest candle's high and
// the middle candle is long. Bearish is the mirror with a short middle.
// Strength is the gap measured against the newest candle's near edge.
func (d *Detector) DetectFVG(candles []bybit.Candle) *Imbalance {
	n := len(candles)
	if n < 3 {
		return nil
	}
	c1, c2, c3 := candles[n-3], candles[n-2], candles[n-1]

	if c1.Low > c3.High && c2.IsLong() {
		gapPct := (c1.Low - c3.High) / c3.High * 100
		if gapPct >= d.cfg.MinGapPct {
			return &Imbalance{
				Type:          FairValueGap,
				Direction:     Bullish,
				Top:           c1.Low,
				Bottom:        c3.High,
				Strength:      gapPct,
				CandleStartMs: c2.StartMs,
			}
		}
	}

	if c1.High < c3.Low && c2.Close < c2.Open {
		gapPct := (c3.Low - c1.High) / c3.Low * 100
		if gapPct >= d.cfg.MinGapPct {
			return &Imbalance{
				Type:          FairValueGap,
				Direction:     Bearish,
				Top:           c3.Low,
				Bottom:        c1.High,
				Strength:      gapPct,
				CandleStartMs: c2.StartMs,
			}
		}
	}

	return nil
}

// DetectOrderBlock scans the nine candles before the last for the most
// recent candle whose direction opposes the last candle, then requires the
// close-to-close move between them to reach 2%.
func (d *Detector) DetectOrderBlock(candles []bybit.Candle) *Imbalance {
	n := len(candles)
	if n < orderBlockLookback+1 {
		return nil
	}
	last := candles[n-1]
	lastLong := last.IsLong()

	for i := n - 2; i >= n-1-orderBlockLookback; i-- {
		block := candles[i]
		if block.IsLong() == lastLong {
			continue
		}
		if block.Close <= 0 {
			return nil
		}

		movePct := (last.Close - block.Close) / block.Close * 100
		if movePct < 0 {
			movePct = -movePct
		}
		if movePct < orderBlockMinMovePct {
			return nil
		}

		direction := Bearish
		if lastLong {
			direction = Bullish
		}
		return &Imbalance{
			Type:          OrderBlock,
			Direction:     direction,
			Top:           block.High,
			Bottom:        block.Low,
			Strength:      movePct,
			CandleStartMs: block.StartMs,
		}
	}
	return nil
}

// DetectBreakerBlock compares the last candle's close with the extremes of
// the fourteen candles before it. A long candle closing at least 1% above
// the high is a bullish break; a short one below the low, bearish.
func (d *Detector) DetectBreakerBlock(candles []bybit.Candle) *Imbalance {
	n := len(candles)
	if n < breakerWindow+1 {
		return nil
	}
	last := candles[n-1]
	window := candles[n-1-breakerWindow : n-1]

	maxHigh, maxIdx := window[0].High, 0
	minLow, minIdx := window[0].Low, 0
	for i, c := range window {
		if c.High > maxHigh {
			maxHigh, maxIdx = c.High, i
		}
		if c.Low < minLow {
			minLow, minIdx = c.Low, i
		}
	}

	if maxHigh > 0 && last.Close > maxHigh && last.IsLong() {
		breachPct := (last.Close - maxHigh) / maxHigh * 100
		if breachPct >= breakerMinBreachPct {
			return &Imbalance{
				Type:          BreakerBlock,
				Direction:     Bullish,
				Top:           last.Close,
				Bottom:        maxHigh,
				Strength:      breachPct,
				CandleStartMs: window[maxIdx].StartMs,
			}
		}
	}

	if minLow > 0 && last.Close < minLow && !last.IsLong() {
		breachPct := (minLow - last.Close) / minLow * 100
		if breachPct >= breakerMinBreachPct {
			return &Imbalance{
				Type:          BreakerBlock,
				Direction:     Bearish,
				Top:           minLow,
				Bottom:        last.Close,
				Strength:      breachPct,
				CandleStartMs: window[minIdx].StartMs,
			}
		}
	}

	return nil
}
