package analysis

import (
	"math"
	"testing"

	"bybit-market-scanner/internal/bybit"
)

func candle(startMs int64, open, high, low, close float64) bybit.Candle {
	return bybit.Candle{
		StartMs:   startMs,
		EndMs:     startMs + 60_000,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Confirmed: true,
	}
}

// flat returns n identical doji-ish candles around a price.
func flat(n int, price float64) []bybit.Candle {
	candles := make([]bybit.Candle, 0, n)
	for i := 0; i < n; i++ {
		start := int64(1_700_000_000_000) + int64(i)*60_000
		candles = append(candles, candle(start, price, price+0.5, price-0.5, price+0.1))
	}
	return candles
}

func TestDetectFVGBullish(t *testing.T) {
	d := NewDetector(Config{FVGEnabled: true, MinGapPct: 0.1})

	// Oldest low 108 sits above newest high 106 with a long middle candle.
	candles := []bybit.Candle{
		candle(1_700_000_000_000, 109, 111, 108, 110),
		candle(1_700_000_060_000, 106.5, 110, 106, 109),
		candle(1_700_000_120_000, 105, 106, 104, 105.5),
	}

	imb := d.DetectFVG(candles)
	if imb == nil {
		t.Fatal("expected bullish FVG")
	}
	if imb.Type != FairValueGap || imb.Direction != Bullish {
		t.Errorf("got %s/%s, want fvg/bullish", imb.Type, imb.Direction)
	}
	if imb.Top != 108 || imb.Bottom != 106 {
		t.Errorf("zone = [%v, %v], want [106, 108]", imb.Bottom, imb.Top)
	}
	wantStrength := (108.0 - 106.0) / 106.0 * 100
	if math.Abs(imb.Strength-wantStrength) > 1e-9 {
		t.Errorf("strength = %v, want %v", imb.Strength, wantStrength)
	}
	if imb.CandleStartMs != 1_700_000_060_000 {
		t.Errorf("anchor = %d, want middle candle start", imb.CandleStartMs)
	}
}

func TestDetectFVGBearish(t *testing.T) {
	d := NewDetector(Config{FVGEnabled: true, MinGapPct: 0.1})

	// Oldest high 100 sits below newest low 103 with a short middle candle.
	candles := []bybit.Candle{
		candle(1_700_000_000_000, 99, 100, 98, 99.5),
		candle(1_700_000_060_000, 102.5, 103.2, 100.2, 101),
		candle(1_700_000_120_000, 103.5, 105, 103, 104),
	}

	imb := d.DetectFVG(candles)
	if imb == nil {
		t.Fatal("expected bearish FVG")
	}
	if imb.Direction != Bearish {
		t.Errorf("direction = %s, want bearish", imb.Direction)
	}
	if imb.Top != 103 || imb.Bottom != 100 {
		t.Errorf("zone = [%v, %v], want [100, 103]", imb.Bottom, imb.Top)
	}
	wantStrength := (103.0 - 100.0) / 103.0 * 100
	if math.Abs(imb.Strength-wantStrength) > 1e-9 {
		t.Errorf("strength = %v, want %v", imb.Strength, wantStrength)
	}
}

func TestDetectFVGMiddleDirectionGates(t *testing.T) {
	d := NewDetector(Config{FVGEnabled: true, MinGapPct: 0.1})

	// Same gap as the bullish case but the middle candle is short.
	candles := []bybit.Candle{
		candle(1_700_000_000_000, 109, 111, 108, 110),
		candle(1_700_000_060_000, 109, 110, 106, 106.5),
		candle(1_700_000_120_000, 105, 106, 104, 105.5),
	}

	if imb := d.DetectFVG(candles); imb != nil {
		t.Fatalf("short middle candle must block the bullish gap, got %+v", imb)
	}
}

func TestDetectFVGMinGap(t *testing.T) {
	d := NewDetector(Config{FVGEnabled: true, MinGapPct: 0.5})

	// Gap of ~0.094% stays below the 0.5% threshold.
	candles := []bybit.Candle{
		candle(1_700_000_000_000, 106.2, 106.4, 106.1, 106.3),
		candle(1_700_000_060_000, 106.0, 106.3, 105.9, 106.2),
		candle(1_700_000_120_000, 105.9, 106.0, 105.8, 105.95),
	}

	if imb := d.DetectFVG(candles); imb != nil {
		t.Fatalf("gap below threshold must be ignored, got %+v", imb)
	}
}

func TestDetectFVGNeedsThreeCandles(t *testing.T) {
	d := NewDetector(Config{FVGEnabled: true, MinGapPct: 0.1})
	if imb := d.DetectFVG(flat(2, 100)); imb != nil {
		t.Fatal("two candles cannot form a gap")
	}
}

func TestDetectOrderBlock(t *testing.T) {
	d := NewDetector(Config{OrderBlockEnabled: true})

	candles := flat(10, 100)
	// Most recent opposite candle before the last: short at index 7.
	candles[7] = candle(candles[7].StartMs, 100, 100.5, 98.5, 99)
	candles[8] = candle(candles[8].StartMs, 99, 103, 99, 102.5)
	// Last candle is long and the move from the block close is >2%.
	candles[9] = candle(candles[9].StartMs, 102.5, 105.5, 102, 105)

	imb := d.DetectOrderBlock(candles)
	if imb == nil {
		t.Fatal("expected order block")
	}
	if imb.Type != OrderBlock || imb.Direction != Bullish {
		t.Errorf("got %s/%s, want order_block/bullish", imb.Type, imb.Direction)
	}
	if imb.Top != 100.5 || imb.Bottom != 98.5 {
		t.Errorf("zone = [%v, %v], want block candle range [98.5, 100.5]", imb.Bottom, imb.Top)
	}
	wantMove := (105.0 - 99.0) / 99.0 * 100
	if math.Abs(imb.Strength-wantMove) > 1e-9 {
		t.Errorf("strength = %v, want %v", imb.Strength, wantMove)
	}
	if imb.CandleStartMs != candles[7].StartMs {
		t.Errorf("anchor = %d, want block candle start %d", imb.CandleStartMs, candles[7].StartMs)
	}
}

func TestDetectOrderBlockMoveTooSmall(t *testing.T) {
	d := NewDetector(Config{OrderBlockEnabled: true})

	candles := flat(10, 100)
	candles[8] = candle(candles[8].StartMs, 100.5, 101, 99.9, 100)
	candles[9] = candle(candles[9].StartMs, 100, 101.2, 100, 101)

	if imb := d.DetectOrderBlock(candles); imb != nil {
		t.Fatalf("1%% move must not qualify, got %+v", imb)
	}
}

func TestDetectOrderBlockNeedsTenCandles(t *testing.T) {
	d := NewDetector(Config{OrderBlockEnabled: true})
	if imb := d.DetectOrderBlock(flat(9, 100)); imb != nil {
		t.Fatal("nine candles are not enough")
	}
}

func TestDetectBreakerBlockBullish(t *testing.T) {
	d := NewDetector(Config{BreakerBlockEnabled: true})

	candles := flat(15, 100)
	// Highest high in the window sits at index 5.
	candles[5] = candle(candles[5].StartMs, 100, 102, 99.5, 101)
	// Last candle closes 1.5%+ above that high.
	candles[14] = candle(candles[14].StartMs, 101, 104, 101, 103.8)

	imb := d.DetectBreakerBlock(candles)
	if imb == nil {
		t.Fatal("expected bullish breaker block")
	}
	if imb.Type != BreakerBlock || imb.Direction != Bullish {
		t.Errorf("got %s/%s, want breaker_block/bullish", imb.Type, imb.Direction)
	}
	if imb.Bottom != 102 || imb.Top != 103.8 {
		t.Errorf("zone = [%v, %v], want [102, 103.8]", imb.Bottom, imb.Top)
	}
	wantStrength := (103.8 - 102.0) / 102.0 * 100
	if math.Abs(imb.Strength-wantStrength) > 1e-9 {
		t.Errorf("strength = %v, want %v", imb.Strength, wantStrength)
	}
	if imb.CandleStartMs != candles[5].StartMs {
		t.Errorf("anchor = %d, want extreme candle start", imb.CandleStartMs)
	}
}

func TestDetectBreakerBlockBearish(t *testing.T) {
	d := NewDetector(Config{BreakerBlockEnabled: true})

	candles := flat(15, 100)
	candles[3] = candle(candles[3].StartMs, 100, 100.5, 98, 99)
	// Last candle closes well below the window low of 98.
	candles[14] = candle(candles[14].StartMs, 98, 98.2, 96, 96.2)

	imb := d.DetectBreakerBlock(candles)
	if imb == nil {
		t.Fatal("expected bearish breaker block")
	}
	if imb.Direction != Bearish {
		t.Errorf("direction = %s, want bearish", imb.Direction)
	}
	wantStrength := (98.0 - 96.2) / 98.0 * 100
	if math.Abs(imb.Strength-wantStrength) > 1e-9 {
		t.Errorf("strength = %v, want %v", imb.Strength, wantStrength)
	}
}

func TestDetectBreakerBlockSmallBreach(t *testing.T) {
	d := NewDetector(Config{BreakerBlockEnabled: true})

	candles := flat(15, 100)
	// Window high is 100.5; a close of 100.9 is only a 0.4% breach.
	candles[14] = candle(candles[14].StartMs, 100.2, 101, 100.1, 100.9)

	if imb := d.DetectBreakerBlock(candles); imb != nil {
		t.Fatalf("sub-threshold breach must be ignored, got %+v", imb)
	}
}

func TestAnalyzeAllOrderAndGates(t *testing.T) {
	// A window whose tail forms a bullish FVG and whose body would also
	// satisfy a breaker block: the gap must win.
	candles := flat(15, 100)
	candles[12] = candle(candles[12].StartMs, 109, 111, 108, 110)
	candles[13] = candle(candles[13].StartMs, 106.5, 110, 106, 109)
	candles[14] = candle(candles[14].StartMs, 105, 106, 104, 105.5)

	all := Config{
		FVGEnabled:          true,
		OrderBlockEnabled:   true,
		BreakerBlockEnabled: true,
		MinGapPct:           0.1,
	}

	d := NewDetector(all)
	imb := d.AnalyzeAll(candles)
	if imb == nil || imb.Type != FairValueGap {
		t.Fatalf("expected the gap to win, got %+v", imb)
	}

	// With the gap detector off, a later detector may claim the window.
	noFVG := all
	noFVG.FVGEnabled = false
	if imb := NewDetector(noFVG).AnalyzeAll(candles); imb != nil && imb.Type == FairValueGap {
		t.Fatalf("disabled detector still fired: %+v", imb)
	}

	// A strength floor above the gap size suppresses the result.
	strict := all
	strict.MinStrength = 50
	if imb := NewDetector(strict).AnalyzeAll(candles); imb != nil {
		t.Fatalf("strength floor ignored, got %+v", imb)
	}
}

func TestAnalyzeAllEmptyWindow(t *testing.T) {
	d := NewDetector(Config{FVGEnabled: true, OrderBlockEnabled: true, BreakerBlockEnabled: true, MinGapPct: 0.1})
	if imb := d.AnalyzeAll(nil); imb != nil {
		t.Fatalf("empty window produced %+v", imb)
	}
}

func BenchmarkAnalyzeAll(b *testing.B) {
	d := NewDetector(Config{
		FVGEnabled:          true,
		OrderBlockEnabled:   true,
		BreakerBlockEnabled: true,
		MinGapPct:           0.1,
	})
	candles := flat(20, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.AnalyzeAll(candles)
	}
}
