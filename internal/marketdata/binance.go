package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"signalbot/internal/model"
)

// BinanceConfig configures the REST client.
type BinanceConfig struct {
	BaseURL string // e.g. "https://api.binance.com"
	Timeout time.Duration
	Retries int
}

// Binance reads klines and ticker prices from the Binance spot REST API.
type Binance struct {
	client   *resty.Client
	validate *validator.Validate
}

// NewBinance builds a client. Zero values fall back to the public endpoint,
// a 10s timeout and no retries.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &Binance{client: client, validate: validator.New()}
}

// kline is one row of /api/v3/klines after positional decoding.
type kline struct {
	OpenTime int64  `validate:"gt=0"`
	Open     string `validate:"required,numeric"`
	High     string `validate:"required,numeric"`
	Low      string `validate:"required,numeric"`
	Close    string `validate:"required,numeric"`
	Volume   string `validate:"required,numeric"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Fetch implements model.CandleSource. The last candle may still be forming.
func (b *Binance) Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   strings.ToUpper(symbol),
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("binance klines: decode: %w", err)
	}

	out := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := b.parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("binance klines row %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *Binance) parseKline(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	var k kline
	if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	for i, dst := range []*string{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := json.Unmarshal(row[i+1], dst); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	if err := b.validate.Struct(&k); err != nil {
		return model.Candle{}, err
	}

	vals, err := parseDecimals(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return model.Candle{}, err
	}
	return model.Candle{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

type tickerPrice struct {
	Symbol string `json:"symbol" validate:"required"`
	Price  string `json:"price" validate:"required,numeric"`
}

// Price implements model.PriceSource using /api/v3/ticker/price.
func (b *Binance) Price(ctx context.Context, symbol string) (float64, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToUpper(symbol)).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("binance ticker: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	var t tickerPrice
	if err := json.Unmarshal(resp.Body(), &t); err != nil {
		return 0, fmt.Errorf("binance ticker: decode: %w", err)
	}
	if err := b.validate.Struct(&t); err != nil {
		return 0, fmt.Errorf("binance ticker: %w", err)
	}
	vals, err := parseDecimals(t.Price)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

func checkStatus(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	var e apiError
	if json.Unmarshal(resp.Body(), &e) == nil && e.Msg != "" {
		return fmt.Errorf("binance: HTTP %d: %s (code %d)", resp.StatusCode(), e.Msg, e.Code)
	}
	return fmt.Errorf("binance: HTTP %d: %s", resp.StatusCode(), resp.String())
}

// parseDecimals parses exchange price strings exactly before converting to
// float64 for the indicator math.
func parseDecimals(ss ...string) ([]float64, error) {
	out := make([]float64, len(ss))
	for i, s := range ss {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		out[i] = d.InexactFloat64()
	}
	return out, nil
}
