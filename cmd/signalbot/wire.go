package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"signalbot/config"
	"signalbot/internal/marketdata"
	"signalbot/internal/metrics"
	"signalbot/internal/model"
	"signalbot/internal/notification"
	"signalbot/internal/store"
	"signalbot/internal/store/file"
	redisstore "signalbot/internal/store/redis"
	sqlitestore "signalbot/internal/store/sqlite"
)

// backends keeps the concrete store alongside the StateStore so run can
// reach the sqlite handle (snapshots, health) or the redis client.
type backends struct {
	state  *store.StateStore
	sqlite *sqlitestore.Store
	redis  *redisstore.Store
}

// openStore builds the configured backend. m may be nil for one-shot
// commands.
func openStore(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*backends, error) {
	sc := cfg.Store
	b := &backends{}
	var backend store.Backend

	switch sc.Backend {
	case "file":
		fs, err := file.New(sc.Dir)
		if err != nil {
			return nil, err
		}
		backend = fs
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
		s, err := sqlitestore.New(sqlitestore.Config{DBPath: sc.SQLitePath, Logger: log})
		if err != nil {
			return nil, err
		}
		b.sqlite, backend = s, s
	case "redis":
		rc := redisstore.Config{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
			Prefix:   sc.RedisPrefix,
			Logger:   log,
		}
		if m != nil {
			rc.OnStateChange = func(_, to redisstore.State) { m.ObserveBreaker(int(to)) }
			rc.OnBuffered = m.RedisBufferedWrites.Inc
		}
		s, err := redisstore.New(rc)
		if err != nil {
			return nil, err
		}
		b.redis, backend = s, s
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}

	b.state = store.New(backend, store.WithFallbackPrice(sc.FallbackPrice), store.WithLogger(log))
	return b, nil
}

func (b *backends) redisClient() goredis.UniversalClient {
	if b.redis == nil {
		return nil
	}
	return b.redis.Client()
}

// binance returns the primary REST client.
func binance(cfg *config.Config) *marketdata.Binance {
	return marketdata.NewBinance(marketdata.BinanceConfig{
		BaseURL: cfg.Market.BinanceURL,
		Timeout: cfg.Market.FetchTimeout,
		Retries: 2,
	})
}

func coingecko(cfg *config.Config) *marketdata.CoinGecko {
	return marketdata.NewCoinGecko(marketdata.CoinGeckoConfig{
		BaseURL:  cfg.Market.CoinGeckoURL,
		CoinID:   cfg.Market.CoinID,
		Currency: "usd",
		Timeout:  cfg.Market.FetchTimeout,
	})
}

// candleSource assembles the fallback chain: the kline stream (when
// configured), Binance REST, then CoinGecko. The returned stream, if any,
// must be run by the caller.
func candleSource(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*marketdata.Fallback, *marketdata.Stream, error) {
	rest := binance(cfg)
	var (
		chain  []marketdata.Named
		stream *marketdata.Stream
	)
	if cfg.Market.Source == "stream" {
		s, err := marketdata.NewStream(marketdata.StreamConfig{
			URL:      cfg.Market.StreamURL,
			Symbol:   cfg.Market.Symbol,
			Interval: cfg.Market.Interval,
			Limit:    cfg.Market.Limit,
			Seed:     rest,
			MaxStale: 2 * cfg.Monitor.TickInterval,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		stream = s
		chain = append(chain, marketdata.Named{Name: "binance-stream", Source: s})
	}
	chain = append(chain, marketdata.Named{Name: "binance", Source: rest})
	if cfg.Market.Fallback {
		chain = append(chain, marketdata.Named{Name: "coingecko", Source: coingecko(cfg)})
	}

	f := marketdata.NewFallback(cfg.Market.FetchTimeout, log, chain...)
	if m != nil {
		f.OnFailure = func(name string, _ error) { m.SourceFailures.WithLabelValues(name).Inc() }
	}
	return f, stream, nil
}

// latestPrice asks Binance, then CoinGecko when fallback is enabled.
func latestPrice(ctx context.Context, cfg *config.Config) (float64, error) {
	sources := []model.PriceSource{binance(cfg)}
	if cfg.Market.Fallback {
		sources = append(sources, coingecko(cfg))
	}
	var errs []error
	for _, s := range sources {
		ctx, cancel := context.WithTimeout(ctx, cfg.Market.FetchTimeout)
		p, err := s.Price(ctx, cfg.Market.Symbol)
		cancel()
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("%w: %w", marketdata.ErrSourceUnavailable, errors.Join(errs...))
}

// notifier builds the configured delivery backend. b supplies the redis
// client when the store already has one.
func notifier(cfg *config.Config, log *zap.Logger, b *backends) (notification.Notifier, func() error, error) {
	nc := cfg.Notify
	closeFn := func() error { return nil }
	var n notification.Notifier

	switch nc.Backend {
	case "log":
		n = notification.NewLogNotifier(log)
	case "telegram":
		t, err := notification.NewTelegramNotifier(notification.TelegramConfig{
			Token:   nc.TelegramToken,
			BaseURL: nc.TelegramURL,
			Logger:  log,
		})
		if err != nil {
			return nil, nil, err
		}
		n = t
	case "webhook":
		n = notification.NewWebhookNotifier(nc.WebhookURL, cfg.Market.FetchTimeout)
	case "redis":
		client := b.redisClient()
		if client == nil {
			c := goredis.NewClient(&goredis.Options{
				Addr:     cfg.Store.RedisAddr,
				Password: cfg.Store.RedisPassword,
				DB:       cfg.Store.RedisDB,
			})
			client, closeFn = c, c.Close
		}
		n = redisstore.NewPublisher(client, cfg.Store.RedisPrefix)
	default:
		return nil, nil, fmt.Errorf("unknown notify backend %q", nc.Backend)
	}

	if !nc.NotifyNone {
		n = notification.SkipNone(n)
	}
	return n, closeFn, nil
}
