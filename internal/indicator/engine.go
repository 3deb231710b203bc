package indicator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"signalbot/internal/model"
)

// ErrInsufficientData is returned when a window is shorter than the longest
// indicator warm-up.
var ErrInsufficientData = errors.New("insufficient candle data")

// Config holds the indicator periods.
type Config struct {
	SMAFast    int     `mapstructure:"sma_fast" validate:"gt=0"`
	SMASlow    int     `mapstructure:"sma_slow" validate:"gt=0"`
	RSI        int     `mapstructure:"rsi" validate:"gt=1"`
	MACDFast   int     `mapstructure:"macd_fast" validate:"gt=0"`
	MACDSlow   int     `mapstructure:"macd_slow" validate:"gt=0"`
	MACDSignal int     `mapstructure:"macd_signal" validate:"gt=0"`
	BBPeriod   int     `mapstructure:"bb_period" validate:"gt=1"`
	BBK        float64 `mapstructure:"bb_k" validate:"gt=0"`
}

// DefaultConfig returns SMA 9/21, RSI 14, MACD 12/26/9 and Bollinger 20/2.
func DefaultConfig() Config {
	return Config{
		SMAFast:    9,
		SMASlow:    21,
		RSI:        14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		BBPeriod:   20,
		BBK:        2,
	}
}

// Validate checks period relationships that struct tags cannot express.
func (c Config) Validate() error {
	if c.SMAFast <= 0 || c.SMASlow <= 0 || c.RSI <= 1 || c.MACDFast <= 0 ||
		c.MACDSlow <= 0 || c.MACDSignal <= 0 || c.BBPeriod <= 1 || c.BBK <= 0 {
		return fmt.Errorf("indicator config: periods must be positive: %+v", c)
	}
	if c.SMAFast >= c.SMASlow {
		return fmt.Errorf("indicator config: sma_fast (%d) must be below sma_slow (%d)", c.SMAFast, c.SMASlow)
	}
	if c.MACDFast >= c.MACDSlow {
		return fmt.Errorf("indicator config: macd_fast (%d) must be below macd_slow (%d)", c.MACDFast, c.MACDSlow)
	}
	return nil
}

// MinCandles is the number of candles needed before every indicator has a
// value at the last index.
func (c Config) MinCandles() int {
	return max(c.SMAFast, c.SMASlow, c.RSI+1, c.MACDSlow+c.MACDSignal-1, c.BBPeriod)
}

// Series holds one value per candle for every indicator. Indices still in
// warm-up hold NaN.
type Series struct {
	Times      []time.Time
	Close      []float64
	SMAFast    []float64
	SMASlow    []float64
	RSI        []float64
	MACD       []float64
	MACDSignal []float64
	BBHigh     []float64
	BBMid      []float64
	BBLow      []float64
}

func newSeries(n int) *Series {
	return &Series{
		Times:      make([]time.Time, 0, n),
		Close:      make([]float64, 0, n),
		SMAFast:    make([]float64, 0, n),
		SMASlow:    make([]float64, 0, n),
		RSI:        make([]float64, 0, n),
		MACD:       make([]float64, 0, n),
		MACDSignal: make([]float64, 0, n),
		BBHigh:     make([]float64, 0, n),
		BBMid:      make([]float64, 0, n),
		BBLow:      make([]float64, 0, n),
	}
}

// Len returns the number of candles in the series.
func (s *Series) Len() int { return len(s.Close) }

// At returns the snapshot at index i.
func (s *Series) At(i int) model.Snapshot {
	return model.Snapshot{
		Time:       s.Times[i],
		Close:      s.Close[i],
		SMAFast:    s.SMAFast[i],
		SMASlow:    s.SMASlow[i],
		RSI:        s.RSI[i],
		MACD:       s.MACD[i],
		MACDSignal: s.MACDSignal[i],
		BBHigh:     s.BBHigh[i],
		BBMid:      s.BBMid[i],
		BBLow:      s.BBLow[i],
	}
}

// Latest returns the snapshot at the last index.
func (s *Series) Latest() model.Snapshot { return s.At(s.Len() - 1) }

// Engine recomputes every indicator from scratch over a candle window.
// It holds only configuration and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine after validating cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Compute replays candles through fresh indicators and returns the full
// series. Windows shorter than MinCandles fail with ErrInsufficientData.
func (e *Engine) Compute(candles []model.Candle) (*Series, error) {
	need := e.cfg.MinCandles()
	if len(candles) < need {
		return nil, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientData, len(candles), need)
	}

	fast := NewSMA(e.cfg.SMAFast)
	slow := NewSMA(e.cfg.SMASlow)
	rsi := NewRSI(e.cfg.RSI)
	macd := NewMACD(e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	bb := NewBollinger(e.cfg.BBPeriod, e.cfg.BBK)
	all := []Indicator{fast, slow, rsi, macd, bb}

	s := newSeries(len(candles))
	for _, c := range candles {
		for _, ind := range all {
			ind.Update(c)
		}
		s.Times = append(s.Times, c.OpenTime)
		s.Close = append(s.Close, c.Close)
		s.SMAFast = append(s.SMAFast, valueOrNaN(fast.Ready(), fast.Value()))
		s.SMASlow = append(s.SMASlow, valueOrNaN(slow.Ready(), slow.Value()))
		s.RSI = append(s.RSI, valueOrNaN(rsi.Ready(), rsi.Value()))
		s.MACD = append(s.MACD, valueOrNaN(macd.LineReady(), macd.Value()))
		s.MACDSignal = append(s.MACDSignal, valueOrNaN(macd.Ready(), macd.Signal()))
		s.BBHigh = append(s.BBHigh, valueOrNaN(bb.Ready(), bb.High()))
		s.BBMid = append(s.BBMid, valueOrNaN(bb.Ready(), bb.Value()))
		s.BBLow = append(s.BBLow, valueOrNaN(bb.Ready(), bb.Low()))
	}
	return s, nil
}

// Snapshot computes the window and returns only its last snapshot.
func (e *Engine) Snapshot(candles []model.Candle) (model.Snapshot, error) {
	s, err := e.Compute(candles)
	if err != nil {
		return model.Snapshot{}, err
	}
	return s.Latest(), nil
}

func valueOrNaN(ready bool, v float64) float64 {
	if !ready {
		return math.NaN()
	}
	return v
}
