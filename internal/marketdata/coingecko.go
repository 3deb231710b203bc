package marketdata

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"

	"signalbot/internal/model"
)

// CoinGeckoConfig configures the fallback client.
type CoinGeckoConfig struct {
	BaseURL  string // e.g. "https://api.coingecko.com/api/v3"
	CoinID   string // e.g. "bitcoin"
	Currency string // e.g. "usd"
	Timeout  time.Duration
}

// CoinGecko builds candles from the market_chart price series. The series
// has no volume, so candles carry Volume 0.
type CoinGecko struct {
	client   *resty.Client
	coinID   string
	currency string
}

// NewCoinGecko builds a client with defaults for empty fields.
func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.CoinID == "" {
		cfg.CoinID = "bitcoin"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CoinGecko{
		client:   resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).SetTimeout(cfg.Timeout),
		coinID:   cfg.CoinID,
		currency: cfg.Currency,
	}
}

type marketChart struct {
	Prices [][2]float64 `json:"prices"`
}

// Fetch implements model.CandleSource. symbol is ignored; the configured coin
// is always used.
func (g *CoinGecko) Fetch(ctx context.Context, _ string, interval string, limit int) ([]model.Candle, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	days, err := chartDays(step, limit)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"vs_currency": g.currency,
			"days":        fmt.Sprint(days),
		}).
		Get("/coins/" + g.coinID + "/market_chart")
	if err != nil {
		return nil, fmt.Errorf("coingecko market_chart: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("coingecko: HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var mc marketChart
	if err := json.Unmarshal(resp.Body(), &mc); err != nil {
		return nil, fmt.Errorf("coingecko market_chart: decode: %w", err)
	}
	candles := Resample(mc.Prices, step)
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// market_chart picks its granularity from days: 5-minute points for 1 day,
// hourly for 2 to 90 days, daily beyond.
const (
	fiveMinuteDays = 1
	hourlyMaxDays  = 90
)

// chartDays returns the history to request for limit candles of step. Below
// an hour only the 1-day series is fine enough, so the window is capped to
// it and fewer candles come back.
func chartDays(step time.Duration, limit int) (int, error) {
	if step < 5*time.Minute {
		return 0, fmt.Errorf("coingecko: %s candles are finer than the 5m series", step)
	}
	days := int((step*time.Duration(limit))/(24*time.Hour)) + 1
	switch {
	case step < time.Hour:
		return fiveMinuteDays, nil
	case step < 24*time.Hour && days > hourlyMaxDays:
		return hourlyMaxDays, nil
	}
	return days, nil
}

// Resample buckets [unix_ms, price] points into step-wide OHLC candles,
// aligned to the Unix epoch. Points need not be sorted.
func Resample(points [][2]float64, step time.Duration) []model.Candle {
	if len(points) == 0 || step <= 0 {
		return nil
	}
	stepMs := step.Milliseconds()

	type bucket struct {
		firstAt, lastAt int64
		c               model.Candle
	}
	var order []int64
	buckets := make(map[int64]*bucket)
	for _, p := range points {
		at := int64(p[0])
		price := p[1]
		start := at - at%stepMs
		b, ok := buckets[start]
		if !ok {
			b = &bucket{firstAt: at, lastAt: at, c: model.Candle{
				OpenTime: time.UnixMilli(start).UTC(),
				Open:     price, High: price, Low: price, Close: price,
			}}
			buckets[start] = b
			order = append(order, start)
			continue
		}
		if at < b.firstAt {
			b.firstAt = at
			b.c.Open = price
		}
		if at >= b.lastAt {
			b.lastAt = at
			b.c.Close = price
		}
		b.c.High = max(b.c.High, price)
		b.c.Low = min(b.c.Low, price)
	}

	slices.Sort(order)
	out := make([]model.Candle, len(order))
	for i, start := range order {
		out[i] = buckets[start].c
	}
	return out
}

type simplePrice map[string]map[string]float64

// Price implements model.PriceSource using /simple/price.
func (g *CoinGecko) Price(ctx context.Context, _ string) (float64, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"ids": g.coinID, "vs_currencies": g.currency}).
		Get("/simple/price")
	if err != nil {
		return 0, fmt.Errorf("coingecko simple price: %w", err)
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("coingecko: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	var sp simplePrice
	if err := json.Unmarshal(resp.Body(), &sp); err != nil {
		return 0, fmt.Errorf("coingecko simple price: decode: %w", err)
	}
	p, ok := sp[g.coinID][g.currency]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("coingecko: no %s price for %s", g.currency, g.coinID)
	}
	return p, nil
}
