package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bybit-market-scanner/config"
	"bybit-market-scanner/internal/alerts"
	"bybit-market-scanner/internal/analysis"
)

const (
	telegramAPIBase     = "https://api.telegram.org"
	telegramSendTimeout = 10 * time.Second
)

// TelegramNotifier posts alert messages to one chat through the Bot API,
// rendered as HTML per alert kind.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier builds the notifier. It stays disabled unless the
// config carries both a bot token and a chat id.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: telegramSendTimeout},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Enabled() bool { return t.enabled }

// Send posts one formatted alert message to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, a *alerts.Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     formatAlert(a),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// formatAlert renders the HTML message body for one alert kind.
func formatAlert(a *alerts.Alert) string {
	var b strings.Builder

	switch a.Kind {
	case alerts.KindPreliminaryVolumeSpike:
		b.WriteString("⚡ <b>PRELIMINARY VOLUME SPIKE</b>\n\n")
		writePairLines(&b, a)
		fmt.Fprintf(&b, "📊 <b>Volume ratio:</b> %.2fx\n", a.Ratio)
		fmt.Fprintf(&b, "📈 <b>Volume:</b> $%s\n", formatUSDT(a.VolumeUSDT))
		fmt.Fprintf(&b, "🕐 <b>Time:</b> %s\n", formatClock(a.AlertTs))
		b.WriteString("\n⏳ Waiting for the candle to close...")

	case alerts.KindFinalVolumeSpike:
		if a.IsTrueSignal {
			b.WriteString("✅ <b>FINAL VOLUME SIGNAL</b>\n\n")
		} else {
			b.WriteString("❌ <b>FINAL VOLUME SIGNAL</b>\n\n")
		}
		writePairLines(&b, a)
		fmt.Fprintf(&b, "📊 <b>Volume ratio:</b> %.2fx\n", a.Ratio)
		fmt.Fprintf(&b, "🎯 <b>Result:</b> %s\n", closedDirection(a.IsTrueSignal))
		if a.PreliminaryTs > 0 {
			fmt.Fprintf(&b, "🕐 <b>Preliminary:</b> %s\n", formatClock(a.PreliminaryTs))
		}
		fmt.Fprintf(&b, "🕐 <b>Close:</b> %s", formatClock(closeOrAlertTs(a)))

	case alerts.KindVolumeSpike:
		if a.IsTrueSignal {
			b.WriteString("✅ <b>VOLUME SPIKE</b>\n\n")
		} else {
			b.WriteString("❌ <b>VOLUME SPIKE</b>\n\n")
		}
		writePairLines(&b, a)
		fmt.Fprintf(&b, "📊 <b>Volume ratio:</b> %.2fx\n", a.Ratio)
		fmt.Fprintf(&b, "📈 <b>Volume:</b> $%s\n", formatUSDT(a.VolumeUSDT))
		fmt.Fprintf(&b, "📉 <b>Average volume:</b> $%s\n", formatUSDT(a.AvgVolumeUSDT))
		fmt.Fprintf(&b, "🎯 <b>Result:</b> %s\n", closedDirection(a.IsTrueSignal))
		fmt.Fprintf(&b, "🕐 <b>Time:</b> %s", formatClock(closeOrAlertTs(a)))

	case alerts.KindConsecutiveLong:
		b.WriteString(runEmoji(a.ConsecutiveCount) + " <b>CONSECUTIVE LONG RUN</b>\n\n")
		writePairLines(&b, a)
		fmt.Fprintf(&b, "🕯️ <b>Long candles in a row:</b> %d\n", a.ConsecutiveCount)
		fmt.Fprintf(&b, "🕐 <b>Close:</b> %s", formatClock(closeOrAlertTs(a)))

	case alerts.KindPriority:
		b.WriteString("⭐ <b>PRIORITY SIGNAL</b>\n\n")
		writePairLines(&b, a)
		fmt.Fprintf(&b, "🕯️ <b>Long candles in a row:</b> %d\n", a.ConsecutiveCount)
		if a.Ratio > 0 && a.VolumeUSDT > 0 {
			fmt.Fprintf(&b, "📊 <b>Volume ratio:</b> %.2fx\n", a.Ratio)
			fmt.Fprintf(&b, "📈 <b>Volume:</b> $%s\n", formatUSDT(a.VolumeUSDT))
		}
		combined := "🎯 <b>Combined:</b> consecutive long candles + volume spike"
		if a.HasImbalance() {
			combined += " + imbalance"
		}
		b.WriteString(combined + "\n")
		if a.Imbalance != nil {
			fmt.Fprintf(&b, "📐 <b>Zone:</b> %s %s, strength %.2f%%\n",
				a.Imbalance.Direction, zoneName(a.Imbalance.Type), a.Imbalance.Strength)
		}
		fmt.Fprintf(&b, "🕐 <b>Time:</b> %s", formatClock(closeOrAlertTs(a)))

	default:
		fmt.Fprintf(&b, "🔔 <b>%s</b>\n\n", strings.ToUpper(string(a.Kind)))
		writePairLines(&b, a)
		if a.Message != "" {
			b.WriteString(a.Message)
		}
	}

	fmt.Fprintf(&b, "\n\n🔗 <a href=\"%s\">Open in TradingView</a>\n\n#%s #%s",
		chartURL(a.Symbol), kindHashtag(a.Kind), strings.TrimSuffix(a.Symbol, "USDT"))
	return b.String()
}

func writePairLines(b *strings.Builder, a *alerts.Alert) {
	fmt.Fprintf(b, "💰 <b>Pair:</b> %s\n", a.Symbol)
	fmt.Fprintf(b, "💵 <b>Price:</b> $%s\n", formatPrice(a.Price))
}

// formatPrice prints up to eight decimals with trailing zeros removed, so
// both sub-cent pairs and BTC read naturally.
func formatPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func formatUSDT(v float64) string {
	return strconv.FormatFloat(v, 'f', 0, 64)
}

func formatClock(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("15:04:05") + " UTC"
}

func closeOrAlertTs(a *alerts.Alert) int64 {
	if a.CloseTs > 0 {
		return a.CloseTs
	}
	return a.AlertTs
}

func closedDirection(long bool) string {
	if long {
		return "Closed long"
	}
	return "Closed short"
}

func runEmoji(count int) string {
	switch {
	case count >= 10:
		return "🚀"
	case count >= 7:
		return "🔼"
	default:
		return "📈"
	}
}

func zoneName(t analysis.ImbalanceType) string {
	switch t {
	case analysis.FairValueGap:
		return "fair value gap"
	case analysis.OrderBlock:
		return "order block"
	case analysis.BreakerBlock:
		return "breaker block"
	default:
		return string(t)
	}
}

func chartURL(symbol string) string {
	return fmt.Sprintf("https://www.tradingview.com/chart/?symbol=BYBIT:%s.P&interval=1", symbol)
}

func kindHashtag(k alerts.Kind) string {
	switch k {
	case alerts.KindVolumeSpike:
		return "VolumeAlert"
	case alerts.KindPreliminaryVolumeSpike:
		return "PreliminaryAlert"
	case alerts.KindFinalVolumeSpike:
		return "FinalAlert"
	case alerts.KindConsecutiveLong:
		return "ConsecutiveAlert"
	case alerts.KindPriority:
		return "PriorityAlert"
	default:
		return "Alert"
	}
}
