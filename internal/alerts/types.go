// Package alerts turns the live candle flow into market alerts: volume
// spikes, consecutive-long runs, and priority signals that combine both.
package alerts

import (
	"time"

	"github.com/google/uuid"

	"bybit-market-scanner/internal/analysis"
	"bybit-market-scanner/internal/bybit"
)

// Kind identifies an alert variant.
type Kind string

const (
	// KindPreliminaryVolumeSpike fires on an open candle whose volume
	// already exceeds the baseline.
	KindPreliminaryVolumeSpike Kind = "preliminary_volume_spike"
	// KindFinalVolumeSpike resolves a preliminary spike once its candle
	// closes, reporting whether the candle finished long.
	KindFinalVolumeSpike Kind = "final_volume_spike"
	// KindVolumeSpike fires on a closed candle with spiking volume.
	KindVolumeSpike Kind = "volume_spike"
	// KindConsecutiveLong fires after a run of long closed candles.
	KindConsecutiveLong Kind = "consecutive_long"
	// KindPriority marks a consecutive-long run backed by spiking volume.
	KindPriority Kind = "priority"
)

// Alert is a single emitted signal. Optional context fields are nil or zero
// for kinds that do not carry them.
type Alert struct {
	UID              string                   `json:"alert_uid"`
	Kind             Kind                     `json:"alert_type"`
	Symbol           string                   `json:"symbol"`
	Price            float64                  `json:"price"`
	VolumeUSDT       float64                  `json:"volume_usdt,omitempty"`
	AvgVolumeUSDT    float64                  `json:"avg_volume_usdt,omitempty"`
	Ratio            float64                  `json:"ratio,omitempty"`
	ConsecutiveCount int                      `json:"consecutive_count,omitempty"`
	IsClosed         bool                     `json:"is_closed"`
	IsTrueSignal     bool                     `json:"is_true_signal"`
	PreliminaryTs    int64                    `json:"preliminary_ts,omitempty"`
	Imbalance        *analysis.Imbalance      `json:"imbalance,omitempty"`
	Candle           *bybit.Candle            `json:"candle,omitempty"`
	Orderbook        *bybit.OrderbookSnapshot `json:"order_book_snapshot,omitempty"`
	Message          string                   `json:"message"`
	AlertTs          int64                    `json:"alert_ts"`
	CloseTs          int64                    `json:"close_ts,omitempty"`
	CreatedAt        time.Time                `json:"created_at,omitempty"`
}

// HasImbalance reports whether an imbalance zone was attached.
func (a *Alert) HasImbalance() bool {
	return a.Imbalance != nil
}

// Strength returns the attached imbalance strength, or zero.
func (a *Alert) Strength() float64 {
	if a.Imbalance == nil {
		return 0
	}
	return a.Imbalance.Strength
}

func newUID() string {
	return uuid.NewString()
}
