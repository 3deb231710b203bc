package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
	"signalbot/internal/ringbuf"
)

const (
	defaultMaxStale     = time.Minute
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
	defaultReadLimit    = 1 << 20
)

// ErrStale is returned by Stream.Fetch when no kline arrived recently.
var ErrStale = errors.New("kline stream is stale")

// StreamConfig configures a Stream.
type StreamConfig struct {
	URL      string // e.g. "wss://stream.binance.com:9443/ws"
	Symbol   string
	Interval string
	Limit    int

	// Seed fills the window on every (re)connect so gaps are closed.
	Seed model.CandleSource

	MaxStale     time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
}

// Stream keeps a candle window current from the Binance kline websocket.
// Fetch serves from memory and fails with ErrStale when the connection has
// gone quiet, so a Fallback can move on to REST.
type Stream struct {
	cfg      StreamConfig
	win      *ringbuf.Window
	dialer   *websocket.Dialer
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time

	mu         sync.RWMutex
	lastUpdate time.Time

	// OnReconnect is called before every reconnect attempt.
	OnReconnect func()
}

// NewStream validates cfg and fills in defaults.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.URL == "" || cfg.Symbol == "" || cfg.Interval == "" {
		return nil, errors.New("stream: url, symbol and interval are required")
	}
	if _, err := ParseInterval(cfg.Interval); err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = defaultMaxStale
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}
	return &Stream{
		cfg:      cfg,
		win:      ringbuf.New(cfg.Limit),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		validate: validator.New(),
		log:      logger.OrNop(cfg.Logger).With(zap.String("component", "kline-stream"), zap.String("symbol", cfg.Symbol)),
		now:      time.Now,
	}, nil
}

// Endpoint returns the websocket URL for the configured kline stream.
func (s *Stream) Endpoint() string {
	return fmt.Sprintf("%s/%s@kline_%s", strings.TrimRight(s.cfg.URL, "/"), strings.ToLower(s.cfg.Symbol), s.cfg.Interval)
}

// Fetch implements model.CandleSource for the configured symbol and interval.
func (s *Stream) Fetch(_ context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	if !strings.EqualFold(symbol, s.cfg.Symbol) || interval != s.cfg.Interval {
		return nil, fmt.Errorf("stream serves %s %s, not %s %s", s.cfg.Symbol, s.cfg.Interval, symbol, interval)
	}
	s.mu.RLock()
	last := s.lastUpdate
	s.mu.RUnlock()
	if last.IsZero() || s.now().Sub(last) > s.cfg.MaxStale {
		return nil, ErrStale
	}
	return s.win.Snapshot(limit), nil
}

// Run connects and reconnects until ctx is done. It always returns ctx.Err().
func (s *Stream) Run(ctx context.Context) error {
	delay := s.cfg.ReconnectMin
	for {
		start := s.now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a long healthy session resets the backoff
		if s.now().Sub(start) > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMin
		}
		s.log.Warn("kline stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, s.cfg.ReconnectMax)
	}
}

// session seeds the window, then reads klines until the connection fails.
func (s *Stream) session(ctx context.Context) error {
	if s.cfg.Seed != nil {
		seeded, err := s.cfg.Seed.Fetch(ctx, s.cfg.Symbol, s.cfg.Interval, s.cfg.Limit)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		s.win.Reset(seeded)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.Endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.log.Info("kline stream connected", zap.String("endpoint", s.Endpoint()))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(defaultReadLimit)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.MaxStale)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c, err := s.parseKline(msg)
		if err != nil {
			s.log.Debug("skipping stream message", zap.Error(err))
			continue
		}
		s.win.Upsert(c)
		s.mu.Lock()
		s.lastUpdate = s.now()
		s.mu.Unlock()
	}
}

// klineEvent is the payload of <symbol>@kline_<interval>.
//
//	{"e":"kline","E":1672515782136,"s":"BTCUSDT",
//	 "k":{"t":1672515780000,"i":"1m","o":"0.0010","c":"0.0020","h":"0.0025","l":"0.0015","v":"1000","x":false}}
type klineEvent struct {
	Event  string `json:"e" validate:"eq=kline"`
	Symbol string `json:"s" validate:"required"`
	Kline  struct {
		OpenTime int64  `json:"t" validate:"gt=0"`
		Interval string `json:"i" validate:"required"`
		Open     string `json:"o" validate:"required,numeric"`
		Close    string `json:"c" validate:"required,numeric"`
		High     string `json:"h" validate:"required,numeric"`
		Low      string `json:"l" validate:"required,numeric"`
		Volume   string `json:"v" validate:"required,numeric"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (s *Stream) parseKline(raw []byte) (model.Candle, error) {
	var ev klineEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Candle{}, err
	}
	if err := s.validate.Struct(&ev); err != nil {
		return model.Candle{}, err
	}
	k := ev.Kline
	if k.Interval != s.cfg.Interval {
		return model.Candle{}, fmt.Errorf("unexpected interval %q", k.Interval)
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
