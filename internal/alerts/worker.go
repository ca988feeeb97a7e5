package alerts

import (
	"context"
	"math"
	"time"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/analysis"
	"bybit-market-scanner/internal/bybit"
)

const (
	minBaselineSamples = 10
	imbalanceWindow    = 20
	imbalanceMinBars   = 15
	queryTimeout       = 10 * time.Second
)

type workerMsgKind int

const (
	msgCandle workerMsgKind = iota
	msgReset
)

type workerMsg struct {
	kind   workerMsgKind
	candle bybit.Candle
}

// preliminary is a volume spike seen on a still-open candle, held until the
// candle closes and the final verdict is known.
type preliminary struct {
	startMs    int64
	ratio      float64
	volumeUSDT float64
	avgUSDT    float64
	ts         int64
}

// symbolWorker owns all mutable alert state for one symbol: the consecutive
// long run, per-kind cooldowns and the pending preliminary signal. Only the
// worker's own goroutine touches these fields.
type symbolWorker struct {
	eng     *Engine
	symbol  string
	mailbox chan workerMsg
	quit    chan struct{}

	consecutive  int
	pending      *preliminary
	lastPrelimTs int64
	lastAlertTs  map[Kind]int64
}

func newSymbolWorker(e *Engine, symbol string) *symbolWorker {
	return &symbolWorker{
		eng:         e,
		symbol:      symbol,
		mailbox:     make(chan workerMsg, mailboxSize),
		quit:        make(chan struct{}),
		lastAlertTs: make(map[Kind]int64),
	}
}

func (w *symbolWorker) stop() {
	close(w.quit)
}

func (w *symbolWorker) run(ctx context.Context) {
	defer w.eng.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.eng.quit:
			return
		case <-w.quit:
			return
		case m := <-w.mailbox:
			switch m.kind {
			case msgReset:
				w.reset()
			case msgCandle:
				if m.candle.Confirmed {
					w.onClosedCandle(ctx, m.candle)
				} else {
					w.onOpenTick(ctx, m.candle)
				}
			}
		}
	}
}

func (w *symbolWorker) reset() {
	w.consecutive = 0
	w.pending = nil
	w.lastPrelimTs = 0
	w.lastAlertTs = make(map[Kind]int64)
}

// onOpenTick stores the in-progress candle and looks for an early volume
// spike. At most one preliminary is held per candle; it resolves into a
// final signal when the candle closes.
func (w *symbolWorker) onOpenTick(ctx context.Context, c bybit.Candle) {
	if err := c.Validate(); err != nil {
		w.eng.metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		w.eng.logger.Warn().Err(err).Str("symbol", w.symbol).Msg("Dropping malformed open tick")
		return
	}

	w.upsert(ctx, c)

	s := w.eng.source.Get()
	if !s.VolumeEnabled {
		return
	}
	if w.pending != nil && w.pending.startMs == c.StartMs {
		return
	}
	if !c.IsLong() {
		return
	}
	volumeUSDT := c.VolumeUSDT()
	if volumeUSDT < s.MinVolumeUSDT {
		return
	}

	avg, samples, err := w.baseline(ctx, s)
	if err != nil {
		w.eng.metrics.StorageErrors.Inc()
		w.eng.logger.Warn().Err(err).Str("symbol", w.symbol).Msg("Baseline query failed, skipping preliminary check")
		return
	}
	if samples < minBaselineSamples || avg <= 0 {
		return
	}
	ratio := volumeUSDT / avg
	if ratio < s.VolumeMultiplier {
		return
	}

	now := w.eng.clock.NowMs()
	candle := c
	w.pending = &preliminary{
		startMs:    c.StartMs,
		ratio:      roundRatio(ratio),
		volumeUSDT: volumeUSDT,
		avgUSDT:    avg,
		ts:         now,
	}
	w.lastPrelimTs = now
	w.eng.push(&Alert{
		UID:           newUID(),
		Kind:          KindPreliminaryVolumeSpike,
		Symbol:        w.symbol,
		Price:         c.Close,
		VolumeUSDT:    volumeUSDT,
		AvgVolumeUSDT: avg,
		Ratio:         roundRatio(ratio),
		Candle:        &candle,
		Message:       preliminaryMessage(roundRatio(ratio)),
		AlertTs:       now,
	})
}

// onClosedCandle runs the full closed-candle evaluation. The order matters:
// the run counter moves first so the consecutive check sees this candle, the
// volume baseline is queried before the closed row is stored so a spike is
// never measured against itself, and imbalance analysis runs after the store
// so its window ends on this candle.
func (w *symbolWorker) onClosedCandle(ctx context.Context, c bybit.Candle) {
	if err := c.Validate(); err != nil {
		w.eng.metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		w.eng.logger.Warn().Err(err).Str("symbol", w.symbol).Msg("Dropping malformed closed candle")
		return
	}
	started := time.Now()
	defer func() {
		w.eng.metrics.EvaluationDur.Observe(time.Since(started).Seconds())
	}()

	s := w.eng.source.Get()
	isLong := c.IsLong()

	if isLong {
		w.consecutive++
	} else {
		w.consecutive = 0
	}

	var emitted []*Alert

	if w.pending != nil {
		emitted = append(emitted, w.resolveFinal(c, isLong))
		w.pending = nil
	}

	var volumeAlert *Alert
	if s.VolumeEnabled {
		if volumeAlert = w.checkVolume(ctx, s, c, isLong); volumeAlert != nil {
			emitted = append(emitted, volumeAlert)
		}
	}

	w.upsert(ctx, c)

	var consecutiveAlert *Alert
	if s.ConsecutiveEnabled {
		if consecutiveAlert = w.checkConsecutive(s, c); consecutiveAlert != nil {
			emitted = append(emitted, consecutiveAlert)
		}
	}

	if s.PriorityEnabled && consecutiveAlert != nil {
		if p := w.checkPriority(volumeAlert, consecutiveAlert); p != nil {
			emitted = append(emitted, p)
		}
	}

	if len(emitted) == 0 {
		return
	}
	w.attachContext(ctx, s, emitted)
	for _, a := range emitted {
		w.eng.push(a)
	}
}

// resolveFinal turns the pending preliminary into its verdict: a true signal
// when the candle held its long close, a false one otherwise.
func (w *symbolWorker) resolveFinal(c bybit.Candle, isLong bool) *Alert {
	now := w.eng.clock.NowMs()
	candle := c
	return &Alert{
		UID:           newUID(),
		Kind:          KindFinalVolumeSpike,
		Symbol:        w.symbol,
		Price:         c.Close,
		VolumeUSDT:    w.pending.volumeUSDT,
		AvgVolumeUSDT: w.pending.avgUSDT,
		Ratio:         w.pending.ratio,
		IsClosed:      true,
		IsTrueSignal:  isLong,
		PreliminaryTs: w.pending.ts,
		Candle:        &candle,
		Message:       finalMessage(isLong, w.pending.ratio),
		AlertTs:       now,
		CloseTs:       now,
	}
}

// checkVolume is the authoritative spike check on a closed candle.
func (w *symbolWorker) checkVolume(ctx context.Context, s config.Settings, c bybit.Candle, isLong bool) *Alert {
	if !isLong {
		return nil
	}
	volumeUSDT := c.VolumeUSDT()
	if volumeUSDT < s.MinVolumeUSDT {
		return nil
	}
	now := w.eng.clock.NowMs()
	if last, ok := w.lastAlertTs[KindVolumeSpike]; ok && now-last < groupingMs(s) {
		return nil
	}

	avg, samples, err := w.baseline(ctx, s)
	if err != nil {
		w.eng.metrics.StorageErrors.Inc()
		w.eng.logger.Warn().Err(err).Str("symbol", w.symbol).Msg("Baseline query failed, skipping volume check")
		return nil
	}
	if samples < minBaselineSamples || avg <= 0 {
		return nil
	}
	ratio := volumeUSDT / avg
	if ratio < s.VolumeMultiplier {
		return nil
	}

	w.lastAlertTs[KindVolumeSpike] = now
	candle := c
	return &Alert{
		UID:           newUID(),
		Kind:          KindVolumeSpike,
		Symbol:        w.symbol,
		Price:         c.Close,
		VolumeUSDT:    volumeUSDT,
		AvgVolumeUSDT: avg,
		Ratio:         roundRatio(ratio),
		IsClosed:      true,
		IsTrueSignal:  true,
		Candle:        &candle,
		Message:       volumeMessage(roundRatio(ratio)),
		AlertTs:       now,
		CloseTs:       now,
	}
}

func (w *symbolWorker) checkConsecutive(s config.Settings, c bybit.Candle) *Alert {
	if w.consecutive < s.ConsecutiveLongCount {
		return nil
	}
	now := w.eng.clock.NowMs()
	if last, ok := w.lastAlertTs[KindConsecutiveLong]; ok && now-last < groupingMs(s) {
		return nil
	}

	w.lastAlertTs[KindConsecutiveLong] = now
	candle := c
	return &Alert{
		UID:              newUID(),
		Kind:             KindConsecutiveLong,
		Symbol:           w.symbol,
		Price:            c.Close,
		ConsecutiveCount: w.consecutive,
		IsClosed:         true,
		Candle:           &candle,
		Message:          consecutiveMessage(w.consecutive),
		AlertTs:          now,
		CloseTs:          now,
	}
}

// checkPriority composes a priority signal when a consecutive-long alert has
// volume evidence: a spike on this very candle, or spike or preliminary
// activity within the run's span.
func (w *symbolWorker) checkPriority(volumeAlert, consecutiveAlert *Alert) *Alert {
	now := w.eng.clock.NowMs()
	window := int64(consecutiveAlert.ConsecutiveCount) * 60_000

	hasVolume := volumeAlert != nil
	if !hasVolume {
		if last, ok := w.lastAlertTs[KindVolumeSpike]; ok && now-last <= window {
			hasVolume = true
		}
	}
	if !hasVolume && w.lastPrelimTs > 0 && now-w.lastPrelimTs <= window {
		hasVolume = true
	}
	if !hasVolume {
		return nil
	}

	a := &Alert{
		UID:              newUID(),
		Kind:             KindPriority,
		Symbol:           w.symbol,
		Price:            consecutiveAlert.Price,
		ConsecutiveCount: consecutiveAlert.ConsecutiveCount,
		IsClosed:         true,
		Candle:           consecutiveAlert.Candle,
		Message:          priorityMessage(consecutiveAlert.ConsecutiveCount, false),
		AlertTs:          now,
		CloseTs:          now,
	}
	if volumeAlert != nil {
		a.VolumeUSDT = volumeAlert.VolumeUSDT
		a.AvgVolumeUSDT = volumeAlert.AvgVolumeUSDT
		a.Ratio = volumeAlert.Ratio
	}
	return a
}

// attachContext decorates the emitted alerts with an imbalance zone and an
// order book snapshot. One analysis serves the whole batch, so a priority
// alert inherits exactly what its constituents carry.
func (w *symbolWorker) attachContext(ctx context.Context, s config.Settings, emitted []*Alert) {
	var zone *analysis.Imbalance
	if s.ImbalanceEnabled && carriesStructure(emitted) {
		zone = w.analyzeImbalance(ctx, s)
	}
	for _, a := range emitted {
		switch a.Kind {
		case KindVolumeSpike, KindConsecutiveLong, KindPriority:
			a.Imbalance = zone
			if a.Kind == KindPriority {
				a.Message = priorityMessage(a.ConsecutiveCount, zone != nil)
			}
		}
	}

	if !s.OrderbookEnabled || !s.OrderbookSnapshotOnAlert {
		return
	}
	for _, a := range emitted {
		if a.Kind == KindVolumeSpike {
			a.Orderbook = w.orderbook(ctx)
		}
	}
}

func carriesStructure(emitted []*Alert) bool {
	for _, a := range emitted {
		switch a.Kind {
		case KindVolumeSpike, KindConsecutiveLong, KindPriority:
			return true
		}
	}
	return false
}

// baseline averages closed-candle volume in USDT over the configured
// window, which trails offsetMinutes behind the current minute.
func (w *symbolWorker) baseline(ctx context.Context, s config.Settings) (avg float64, samples int, err error) {
	from, to := s.AnalysisWindow(w.eng.clock.NowMs())

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	volumes, err := w.eng.store.GetBaselineVolumes(qctx, w.symbol, from, to, s.VolumeType)
	if err != nil {
		return 0, 0, err
	}
	if len(volumes) == 0 {
		return 0, 0, nil
	}
	var sum float64
	for _, v := range volumes {
		sum += v
	}
	return sum / float64(len(volumes)), len(volumes), nil
}

func (w *symbolWorker) analyzeImbalance(ctx context.Context, s config.Settings) *analysis.Imbalance {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	candles, err := w.eng.store.GetRecentClosed(qctx, w.symbol, imbalanceWindow)
	if err != nil {
		w.eng.metrics.StorageErrors.Inc()
		w.eng.logger.Warn().Err(err).Str("symbol", w.symbol).Msg("Recent candle query failed, skipping imbalance analysis")
		return nil
	}
	if len(candles) < imbalanceMinBars {
		return nil
	}
	detector := analysis.NewDetector(analysis.Config{
		FVGEnabled:          s.FVGEnabled,
		OrderBlockEnabled:   s.OrderBlockEnabled,
		BreakerBlockEnabled: s.BreakerBlockEnabled,
		MinGapPct:           s.MinGapPercentage,
		MinStrength:         s.MinStrength,
	})
	return detector.AnalyzeAll(candles)
}

func (w *symbolWorker) orderbook(ctx context.Context) *bybit.OrderbookSnapshot {
	if w.eng.books == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	snap, err := w.eng.books.Snapshot(qctx, w.symbol)
	if err != nil {
		w.eng.logger.Debug().Err(err).Str("symbol", w.symbol).Msg("Order book snapshot unavailable")
		return nil
	}
	return snap
}

func (w *symbolWorker) upsert(ctx context.Context, c bybit.Candle) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := w.eng.store.Upsert(qctx, w.symbol, c); err != nil {
		w.eng.metrics.StorageErrors.Inc()
		w.eng.logger.Warn().Err(err).Str("symbol", w.symbol).Msg("Candle upsert failed")
	}
}

func groupingMs(s config.Settings) int64 {
	return int64(s.AlertGroupingMinutes) * 60_000
}

func roundRatio(r float64) float64 {
	return math.Round(r*100) / 100
}
