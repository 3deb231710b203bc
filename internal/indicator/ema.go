package indicator

import (
	"strconv"

	"signalbot/internal/model"
)

// EMA calculates Exponential Moving Average.
// O(1) per update; no window storage needed. The first value is the SMA of
// the first period inputs.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	first      float64
	dev        float64 // sum of deviations from first, for the seed
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }

func (e *EMA) Update(candle model.Candle) { e.Add(candle.Close) }

// Add feeds a raw value. MACD uses it to smooth its own line.
func (e *EMA) Add(v float64) {
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		if e.count == 1 {
			e.first = v
		}
		e.dev += v - e.first
		if e.count == e.period {
			e.current = e.first + e.dev/float64(e.period)
		}
		return
	}

	// EMA = EMA_prev + multiplier * (price - EMA_prev)
	e.current += e.multiplier * (v - e.current)
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }
