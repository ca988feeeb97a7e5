package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Baseline volume types. VolumeTypeLong counts only long closed candles
// toward the spike baseline, VolumeTypeShort only short ones, VolumeTypeAll
// every closed candle.
const (
	VolumeTypeLong  = "long"
	VolumeTypeShort = "short"
	VolumeTypeAll   = "all"
)

// Settings holds the runtime-tunable knobs of the scanner. A Settings value
// is an immutable snapshot; the live one is swapped through a Store when the
// settings file changes.
type Settings struct {
	AnalysisHours             int     `json:"analysisHours"`
	OffsetMinutes             int     `json:"offsetMinutes"`
	VolumeMultiplier          float64 `json:"volumeMultiplier"`
	MinVolumeUSDT             float64 `json:"minVolumeUsdt"`
	ConsecutiveLongCount      int     `json:"consecutiveLongCount"`
	AlertGroupingMinutes      int     `json:"alertGroupingMinutes"`
	DataRetentionHours        int     `json:"dataRetentionHours"`
	PairsCheckIntervalMinutes int     `json:"pairsCheckIntervalMinutes"`
	PriceHistoryDays          int     `json:"priceHistoryDays"`
	PriceDropPercentage       float64 `json:"priceDropPercentage"`
	MinGapPercentage          float64 `json:"minGapPercentage"`
	MinStrength               float64 `json:"minStrength"`
	VolumeType                string  `json:"volumeType"`

	VolumeEnabled            bool `json:"volumeEnabled"`
	ConsecutiveEnabled       bool `json:"consecutiveEnabled"`
	PriorityEnabled          bool `json:"priorityEnabled"`
	ImbalanceEnabled         bool `json:"imbalanceEnabled"`
	OrderbookEnabled         bool `json:"orderbookEnabled"`
	OrderbookSnapshotOnAlert bool `json:"orderbookSnapshotOnAlert"`
	FVGEnabled               bool `json:"fvgEnabled"`
	OrderBlockEnabled        bool `json:"obEnabled"`
	BreakerBlockEnabled      bool `json:"bbEnabled"`
	WatchlistAutoUpdate      bool `json:"watchlistAutoUpdate"`
}

func DefaultSettings() Settings {
	return Settings{
		AnalysisHours:             1,
		OffsetMinutes:             0,
		VolumeMultiplier:          2.0,
		MinVolumeUSDT:             1000,
		ConsecutiveLongCount:      5,
		AlertGroupingMinutes:      5,
		DataRetentionHours:        2,
		PairsCheckIntervalMinutes: 30,
		PriceHistoryDays:          30,
		PriceDropPercentage:       10.0,
		MinGapPercentage:          0.1,
		MinStrength:               0.5,
		VolumeType:                VolumeTypeLong,

		VolumeEnabled:            true,
		ConsecutiveEnabled:       true,
		PriorityEnabled:          true,
		ImbalanceEnabled:         true,
		OrderbookEnabled:         true,
		OrderbookSnapshotOnAlert: true,
		FVGEnabled:               true,
		OrderBlockEnabled:        true,
		BreakerBlockEnabled:      true,
		WatchlistAutoUpdate:      true,
	}
}

// LoadSettings reads the settings file at path. A missing file is not an
// error: defaults are written out so operators have something to edit. The
// returned problems describe values that were rejected and replaced with
// their defaults.
func LoadSettings(path string) (Settings, []string, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return DefaultSettings(), nil, fmt.Errorf("error reading settings file %s: %w", path, err)
		}
		s := DefaultSettings()
		if werr := SaveSettings(path, s); werr != nil {
			return s, []string{fmt.Sprintf("could not write default settings file: %v", werr)}, nil
		}
		return s, nil, nil
	}
	return readSettings(path)
}

// SaveSettings writes the snapshot to path in key=value form.
func SaveSettings(path string, s Settings) error {
	if err := godotenv.Write(s.Map(), path); err != nil {
		return fmt.Errorf("error writing settings file %s: %w", path, err)
	}
	return nil
}

func readSettings(path string) (Settings, []string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return DefaultSettings(), nil, fmt.Errorf("error parsing settings file %s: %w", path, err)
	}
	overlayEnv(values)
	s, problems := ParseSettings(values)
	return s, problems, nil
}

// overlayEnv lets the process environment override individual file keys.
func overlayEnv(values map[string]string) {
	for key := range DefaultSettings().Map() {
		if v := os.Getenv(key); v != "" {
			values[key] = v
		}
	}
}

// ParseSettings builds a snapshot from raw key=value pairs. Unknown keys are
// ignored. A value that does not parse or is out of range keeps the default
// and is reported in problems.
func ParseSettings(values map[string]string) (Settings, []string) {
	s := DefaultSettings()
	var problems []string

	parseInt := func(key string, dst *int, min int) {
		raw, ok := values[key]
		if !ok {
			return
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: not an integer: %q", key, raw))
			return
		}
		if v < min {
			problems = append(problems, fmt.Sprintf("%s: must be at least %d, got %d", key, min, v))
			return
		}
		*dst = v
	}
	parseFloat := func(key string, dst *float64, min float64) {
		raw, ok := values[key]
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: not a number: %q", key, raw))
			return
		}
		if v < min {
			problems = append(problems, fmt.Sprintf("%s: must be at least %g, got %g", key, min, v))
			return
		}
		*dst = v
	}
	parseBool := func(key string, dst *bool) {
		raw, ok := values[key]
		if !ok {
			return
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: not a boolean: %q", key, raw))
			return
		}
		*dst = v
	}

	parseInt("ANALYSIS_HOURS", &s.AnalysisHours, 1)
	parseInt("OFFSET_MINUTES", &s.OffsetMinutes, 0)
	parseFloat("VOLUME_MULTIPLIER", &s.VolumeMultiplier, 0.1)
	parseFloat("MIN_VOLUME_USDT", &s.MinVolumeUSDT, 0)
	parseInt("CONSECUTIVE_LONG_COUNT", &s.ConsecutiveLongCount, 1)
	parseInt("ALERT_GROUPING_MINUTES", &s.AlertGroupingMinutes, 0)
	parseInt("DATA_RETENTION_HOURS", &s.DataRetentionHours, 1)
	parseInt("PAIRS_CHECK_INTERVAL_MINUTES", &s.PairsCheckIntervalMinutes, 1)
	parseInt("PRICE_HISTORY_DAYS", &s.PriceHistoryDays, 1)
	parseFloat("PRICE_DROP_PERCENTAGE", &s.PriceDropPercentage, 0)
	parseFloat("MIN_GAP_PERCENTAGE", &s.MinGapPercentage, 0)
	parseFloat("MIN_STRENGTH", &s.MinStrength, 0)

	if raw, ok := values["VOLUME_TYPE"]; ok {
		switch v := strings.ToLower(strings.TrimSpace(raw)); v {
		case VolumeTypeLong, VolumeTypeShort, VolumeTypeAll:
			s.VolumeType = v
		default:
			problems = append(problems, fmt.Sprintf("VOLUME_TYPE: must be long, short or all, got %q", raw))
		}
	}

	parseBool("VOLUME_ALERTS_ENABLED", &s.VolumeEnabled)
	parseBool("CONSECUTIVE_ALERTS_ENABLED", &s.ConsecutiveEnabled)
	parseBool("PRIORITY_ALERTS_ENABLED", &s.PriorityEnabled)
	parseBool("IMBALANCE_ENABLED", &s.ImbalanceEnabled)
	parseBool("ORDERBOOK_ENABLED", &s.OrderbookEnabled)
	parseBool("ORDERBOOK_SNAPSHOT_ON_ALERT", &s.OrderbookSnapshotOnAlert)
	parseBool("FVG_ENABLED", &s.FVGEnabled)
	parseBool("OB_ENABLED", &s.OrderBlockEnabled)
	parseBool("BB_ENABLED", &s.BreakerBlockEnabled)
	parseBool("WATCHLIST_AUTO_UPDATE", &s.WatchlistAutoUpdate)

	return s, problems
}

// AnalysisWindow is the [from, to) millisecond range the detectors read:
// nowMs aligned down to the minute, shifted back by the offset, spanning
// analysisHours.
func (s Settings) AnalysisWindow(nowMs int64) (fromMs, toMs int64) {
	toMs = nowMs - nowMs%60_000 - int64(s.OffsetMinutes)*60_000
	fromMs = toMs - int64(s.AnalysisHours)*3_600_000
	return fromMs, toMs
}

// Validate reports constraint violations on an assembled snapshot. Used for
// settings submitted through the API, where rejecting beats silently fixing.
func (s Settings) Validate() []string {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(s.AnalysisHours >= 1, "analysisHours must be at least 1")
	check(s.OffsetMinutes >= 0, "offsetMinutes must not be negative")
	check(s.VolumeMultiplier >= 0.1, "volumeMultiplier must be at least 0.1")
	check(s.MinVolumeUSDT >= 0, "minVolumeUsdt must not be negative")
	check(s.ConsecutiveLongCount >= 1, "consecutiveLongCount must be at least 1")
	check(s.AlertGroupingMinutes >= 0, "alertGroupingMinutes must not be negative")
	check(s.DataRetentionHours >= 1, "dataRetentionHours must be at least 1")
	check(s.PairsCheckIntervalMinutes >= 1, "pairsCheckIntervalMinutes must be at least 1")
	check(s.PriceHistoryDays >= 1, "priceHistoryDays must be at least 1")
	check(s.PriceDropPercentage >= 0, "priceDropPercentage must not be negative")
	check(s.MinGapPercentage >= 0, "minGapPercentage must not be negative")
	check(s.MinStrength >= 0, "minStrength must not be negative")
	switch s.VolumeType {
	case VolumeTypeLong, VolumeTypeShort, VolumeTypeAll:
	default:
		problems = append(problems, "volumeType must be long, short or all")
	}
	return problems
}

// Map renders the snapshot as the key=value pairs used in the settings file.
func (s Settings) Map() map[string]string {
	return map[string]string{
		"ANALYSIS_HOURS":               strconv.Itoa(s.AnalysisHours),
		"OFFSET_MINUTES":               strconv.Itoa(s.OffsetMinutes),
		"VOLUME_MULTIPLIER":            formatFloat(s.VolumeMultiplier),
		"MIN_VOLUME_USDT":              formatFloat(s.MinVolumeUSDT),
		"CONSECUTIVE_LONG_COUNT":       strconv.Itoa(s.ConsecutiveLongCount),
		"ALERT_GROUPING_MINUTES":       strconv.Itoa(s.AlertGroupingMinutes),
		"DATA_RETENTION_HOURS":         strconv.Itoa(s.DataRetentionHours),
		"PAIRS_CHECK_INTERVAL_MINUTES": strconv.Itoa(s.PairsCheckIntervalMinutes),
		"PRICE_HISTORY_DAYS":           strconv.Itoa(s.PriceHistoryDays),
		"PRICE_DROP_PERCENTAGE":        formatFloat(s.PriceDropPercentage),
		"MIN_GAP_PERCENTAGE":           formatFloat(s.MinGapPercentage),
		"MIN_STRENGTH":                 formatFloat(s.MinStrength),
		"VOLUME_TYPE":                  s.VolumeType,
		"VOLUME_ALERTS_ENABLED":        strconv.FormatBool(s.VolumeEnabled),
		"CONSECUTIVE_ALERTS_ENABLED":   strconv.FormatBool(s.ConsecutiveEnabled),
		"PRIORITY_ALERTS_ENABLED":      strconv.FormatBool(s.PriorityEnabled),
		"IMBALANCE_ENABLED":            strconv.FormatBool(s.ImbalanceEnabled),
		"ORDERBOOK_ENABLED":            strconv.FormatBool(s.OrderbookEnabled),
		"ORDERBOOK_SNAPSHOT_ON_ALERT":  strconv.FormatBool(s.OrderbookSnapshotOnAlert),
		"FVG_ENABLED":                  strconv.FormatBool(s.FVGEnabled),
		"OB_ENABLED":                   strconv.FormatBool(s.OrderBlockEnabled),
		"BB_ENABLED":                   strconv.FormatBool(s.BreakerBlockEnabled),
		"WATCHLIST_AUTO_UPDATE":        strconv.FormatBool(s.WatchlistAutoUpdate),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ChangedKeys lists the JSON names of fields that differ between two
// snapshots, in declaration order.
func ChangedKeys(old, next Settings) []string {
	var keys []string
	add := func(name string, changed bool) {
		if changed {
			keys = append(keys, name)
		}
	}
	add("analysisHours", old.AnalysisHours != next.AnalysisHours)
	add("offsetMinutes", old.OffsetMinutes != next.OffsetMinutes)
	add("volumeMultiplier", old.VolumeMultiplier != next.VolumeMultiplier)
	add("minVolumeUsdt", old.MinVolumeUSDT != next.MinVolumeUSDT)
	add("consecutiveLongCount", old.ConsecutiveLongCount != next.ConsecutiveLongCount)
	add("alertGroupingMinutes", old.AlertGroupingMinutes != next.AlertGroupingMinutes)
	add("dataRetentionHours", old.DataRetentionHours != next.DataRetentionHours)
	add("pairsCheckIntervalMinutes", old.PairsCheckIntervalMinutes != next.PairsCheckIntervalMinutes)
	add("priceHistoryDays", old.PriceHistoryDays != next.PriceHistoryDays)
	add("priceDropPercentage", old.PriceDropPercentage != next.PriceDropPercentage)
	add("minGapPercentage", old.MinGapPercentage != next.MinGapPercentage)
	add("minStrength", old.MinStrength != next.MinStrength)
	add("volumeType", old.VolumeType != next.VolumeType)
	add("volumeEnabled", old.VolumeEnabled != next.VolumeEnabled)
	add("consecutiveEnabled", old.ConsecutiveEnabled != next.ConsecutiveEnabled)
	add("priorityEnabled", old.PriorityEnabled != next.PriorityEnabled)
	add("imbalanceEnabled", old.ImbalanceEnabled != next.ImbalanceEnabled)
	add("orderbookEnabled", old.OrderbookEnabled != next.OrderbookEnabled)
	add("orderbookSnapshotOnAlert", old.OrderbookSnapshotOnAlert != next.OrderbookSnapshotOnAlert)
	add("fvgEnabled", old.FVGEnabled != next.FVGEnabled)
	add("obEnabled", old.OrderBlockEnabled != next.OrderBlockEnabled)
	add("bbEnabled", old.BreakerBlockEnabled != next.BreakerBlockEnabled)
	add("watchlistAutoUpdate", old.WatchlistAutoUpdate != next.WatchlistAutoUpdate)
	return keys
}
