package model

import (
	"context"
)

// ── Port Interfaces ──
// These decouple the monitor from concrete market data and delivery backends.

// CandleSource supplies an ordered (oldest first) window of candles.
type CandleSource interface {
	// Fetch returns at most limit candles for symbol at the given interval.
	Fetch(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// PriceSource returns the latest traded price for a symbol.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// ResultSink receives per-subscriber cycle results.
type ResultSink interface {
	Notify(ctx context.Context, r Result) error
}
