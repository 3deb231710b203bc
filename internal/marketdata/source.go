// Package marketdata fetches candle windows and spot prices for the monitor.
//
// Binance is the primary source, polled over REST or kept current over the
// kline websocket. CoinGecko is a fallback when Binance is unreachable.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
)

// ErrSourceUnavailable is returned when no source produced data.
var ErrSourceUnavailable = errors.New("market data source unavailable")

// Named pairs a source with the name used in logs and metrics.
type Named struct {
	Name   string
	Source model.CandleSource
}

// Fallback tries each source in order until one returns candles. Each
// attempt gets its own timeout.
type Fallback struct {
	sources []Named
	timeout time.Duration
	log     *zap.Logger

	// OnFailure is called for every failed attempt.
	OnFailure func(source string, err error)
}

// NewFallback returns a chain over sources. timeout <= 0 leaves the caller's
// deadline as the only limit.
func NewFallback(timeout time.Duration, log *zap.Logger, sources ...Named) *Fallback {
	return &Fallback{
		sources: sources,
		timeout: timeout,
		log:     logger.OrNop(log).With(zap.String("component", "marketdata")),
	}
}

// Fetch implements model.CandleSource.
func (f *Fallback) Fetch(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	var errs []error
	for _, s := range f.sources {
		candles, err := f.attempt(ctx, s, symbol, interval, limit)
		if err == nil {
			return candles, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		f.log.Warn("candle source failed",
			append(logger.Fields(ctx), zap.String("source", s.Name), zap.Error(err))...)
		if f.OnFailure != nil {
			f.OnFailure(s.Name, err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(errs...))
}

func (f *Fallback) attempt(ctx context.Context, s Named, symbol, interval string, limit int) ([]model.Candle, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	candles, err := s.Source.Fetch(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, errors.New("empty candle window")
	}
	return candles, nil
}
