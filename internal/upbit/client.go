// Package upbit implements the historical candle client and the live trade
// feed against the Upbit public API.
//
// API Doc: https://docs.upbit.com/reference/list-candles-minutes
//
// Candle response format:
//
//	[{
//	  "market": "KRW-BTC",
//	  "candle_date_time_utc": "2018-04-18T10:16:00",
//	  "candle_date_time_kst": "2018-04-18T19:16:00",
//	  "opening_price": 8615000,
//	  "high_price": 8618000,
//	  "low_price": 8614000,
//	  "trade_price": 8616000,
//	  "timestamp": 1524046594584,
//	  "candle_acc_trade_price": 60018891.90054,
//	  "candle_acc_trade_volume": 6.96780929,
//	  "unit": 1
//	}]
package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/0xc0d3d00d/candlestream/internal/engine"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// MaxCandlesPerRequest is the largest count the candles endpoint accepts.
	MaxCandlesPerRequest = 200

	candleTimeLayout = "2006-01-02T15:04:05"
	cursorLayout     = "2006-01-02T15:04:05Z"
)

type ClientConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		RequestsPerSecond: 8,
		RequestTimeout:    10 * time.Second,
	}
}

// candleResponse is one element of the candles endpoint response.
type candleResponse struct {
	Market               string          `json:"market"`
	CandleDateTimeUTC    string          `json:"candle_date_time_utc"`
	CandleDateTimeKST    string          `json:"candle_date_time_kst"`
	OpeningPrice         decimal.Decimal `json:"opening_price"`
	HighPrice            decimal.Decimal `json:"high_price"`
	LowPrice             decimal.Decimal `json:"low_price"`
	TradePrice           decimal.Decimal `json:"trade_price"`
	Timestamp            int64           `json:"timestamp"`
	CandleAccTradePrice  decimal.Decimal `json:"candle_acc_trade_price"`
	CandleAccTradeVolume decimal.Decimal `json:"candle_acc_trade_volume"`
	Unit                 int             `json:"unit"`
}

// Client fetches minute candles. It implements engine.Fetcher.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// FetchCandles returns up to req.Count bars at or before req.Before, newest
// first. Counts above MaxCandlesPerRequest are fetched page by page.
func (c *Client) FetchCandles(ctx context.Context, req engine.FetchRequest) ([]domain.Candle, error) {
	if req.Count <= 0 {
		return nil, nil
	}

	candles := make([]domain.Candle, 0, req.Count)
	before := req.Before
	for remaining := req.Count; remaining > 0; {
		n := min(remaining, MaxCandlesPerRequest)
		page, err := c.fetchPage(ctx, req.Market, req.Resolution, n, before)
		if err != nil {
			return nil, err
		}
		candles = append(candles, page...)
		remaining -= len(page)

		if len(page) < n {
			break
		}
		oldest := page[0].BucketStart
		for _, candle := range page[1:] {
			if candle.BucketStart.Before(oldest) {
				oldest = candle.BucketStart
			}
		}
		before = oldest.Add(-req.Resolution.Duration())
	}

	return candles, nil
}

func (c *Client) fetchPage(ctx context.Context, market string, res domain.Resolution, count int, before time.Time) ([]domain.Candle, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("market", market)
	query.Set("count", strconv.Itoa(count))
	if !before.IsZero() {
		// upbit treats `to` as exclusive
		query.Set("to", before.Add(res.Duration()).UTC().Format(cursorLayout))
	}
	endpoint := fmt.Sprintf("%s/candles/minutes/%d?%s", c.baseURL, res.Minutes(), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	slog.DebugContext(ctx, "fetch upbit candles", "market", market, "unit", res.Minutes(), "count", count, "before", before)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upbit candles: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data []candleResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode upbit candles: %w", err)
	}

	candles := make([]domain.Candle, 0, len(data))
	for _, d := range data {
		candle, err := toDomainCandle(d, res)
		if err != nil {
			slog.WarnContext(ctx, "skipping upbit candle", "market", market, "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func toDomainCandle(d candleResponse, res domain.Resolution) (domain.Candle, error) {
	bucketStart, err := time.Parse(candleTimeLayout, d.CandleDateTimeUTC)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("parse candle time %q: %w", d.CandleDateTimeUTC, err)
	}
	if d.Unit != 0 && d.Unit != res.Minutes() {
		return domain.Candle{}, fmt.Errorf("candle unit %d, want %d", d.Unit, res.Minutes())
	}

	return domain.Candle{
		BucketStart: bucketStart.UTC(),
		Market:      d.Market,
		Resolution:  res,
		Open:        d.OpeningPrice,
		High:        d.HighPrice,
		Low:         d.LowPrice,
		Close:       d.TradePrice,
		Volume:      d.CandleAccTradeVolume,
		Notional:    d.CandleAccTradePrice,
	}, nil
}
