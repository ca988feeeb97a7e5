package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	restTimeout        = 30 * time.Second
	retCodeOK          = 0
	retCodeRateLimited = 10006
	// KlinePageLimit is the most bars the venue returns per kline request.
	KlinePageLimit  = 1000
	instrumentsPage = 1000
)

// Client is a thin REST client for the Bybit v5 market endpoints. It holds
// no credentials; every endpoint the scanner needs is public.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a REST client. An empty baseURL selects production.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: restTimeout},
		logger:     logger.With().Str("component", "bybit-rest").Logger(),
	}
}

type restEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// get performs a GET against a v5 endpoint and decodes result into out.
// It returns ErrRateLimited for both HTTP 429 and retCode 10006.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", path, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading %s response: %w", path, err)
	}

	var env restEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("error parsing %s response: %w", path, err)
	}
	if env.RetCode == retCodeRateLimited {
		return fmt.Errorf("%s: %s: %w", path, env.RetMsg, ErrRateLimited)
	}
	if env.RetCode != retCodeOK {
		return fmt.Errorf("API error on %s: %s (code %d)", path, env.RetMsg, env.RetCode)
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("error parsing %s result: %w", path, err)
		}
	}
	return nil
}

// ServerTimeMs returns the exchange clock in UTC milliseconds.
func (c *Client) ServerTimeMs(ctx context.Context) (int64, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if err := c.get(ctx, "/v5/market/time", nil, &result); err != nil {
		return 0, err
	}

	if nano, err := strconv.ParseInt(result.TimeNano, 10, 64); err == nil && nano > 0 {
		return nano / 1_000_000, nil
	}
	sec, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing server time %q: %w", result.TimeSecond, err)
	}
	return sec * 1000, nil
}

// GetInstruments pages through instruments-info for the linear category and
// returns every instrument the venue lists.
func (c *Client) GetInstruments(ctx context.Context) ([]Instrument, error) {
	var all []Instrument
	cursor := ""
	for {
		params := url.Values{}
		params.Set("category", CategoryLinear)
		params.Set("limit", strconv.Itoa(instrumentsPage))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var result struct {
			List           []Instrument `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if err := c.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
			return nil, err
		}

		all = append(all, result.List...)
		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return all, nil
}

// GetTickers returns last prices for every linear symbol keyed by symbol.
func (c *Client) GetTickers(ctx context.Context) (map[string]float64, error) {
	params := url.Values{}
	params.Set("category", CategoryLinear)

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/tickers", params, &result); err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(result.List))
	for _, t := range result.List {
		price := parseFloat(t.LastPrice)
		if price > 0 {
			prices[t.Symbol] = price
		}
	}
	return prices, nil
}

// GetKlines fetches one kline page for a symbol and interval, ascending by
// start time. start and end are UTC milliseconds; end is exclusive. limit is
// capped at the venue maximum of 1000.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error) {
	if limit <= 0 || limit > KlinePageLimit {
		limit = KlinePageLimit
	}

	params := url.Values{}
	params.Set("category", CategoryLinear)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if start > 0 {
		params.Set("start", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		// The venue treats end as inclusive; back off one bar width.
		params.Set("end", strconv.FormatInt(end-1, 10))
	}

	var result struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}

	width := intervalMs(interval)
	nowMs := time.Now().UnixMilli()

	// The venue returns newest first; reverse into ascending order.
	candles := make([]Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 7 {
			c.logger.Warn().Str("symbol", symbol).Int("fields", len(row)).Msg("Skipping short kline row")
			continue
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			c.logger.Warn().Str("symbol", symbol).Str("start", row[0]).Msg("Skipping kline with bad start time")
			continue
		}
		candle := Candle{
			StartMs:  startMs,
			EndMs:    startMs + width,
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
			Turnover: parseFloat(row[6]),
		}
		candle.Confirmed = candle.EndMs <= nowMs
		if err := candle.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Skipping invalid kline")
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetOrderbook fetches an orderbook snapshot limited to depth levels.
func (c *Client) GetOrderbook(ctx context.Context, symbol string, depth int) (*OrderbookSnapshot, error) {
	if depth <= 0 {
		depth = 1
	}

	params := url.Values{}
	params.Set("category", CategoryLinear)
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	var result struct {
		Symbol string      `json:"s"`
		Bids   [][2]string `json:"b"`
		Asks   [][2]string `json:"a"`
		Ts     int64       `json:"ts"`
	}
	if err := c.get(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return nil, err
	}

	snapshot := &OrderbookSnapshot{
		Symbol: result.Symbol,
		Bids:   make([]PriceLevel, 0, len(result.Bids)),
		Asks:   make([]PriceLevel, 0, len(result.Asks)),
		TsMs:   result.Ts,
	}
	for _, b := range result.Bids {
		snapshot.Bids = append(snapshot.Bids, PriceLevel{Price: parseFloat(b[0]), Size: parseFloat(b[1])})
	}
	for _, a := range result.Asks {
		snapshot.Asks = append(snapshot.Asks, PriceLevel{Price: parseFloat(a[0]), Size: parseFloat(a[1])})
	}
	return snapshot, nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
