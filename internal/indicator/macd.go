package indicator

import (
	"fmt"

	"signalbot/internal/model"
)

// MACD is EMA(fast) - EMA(slow), with a signal line that is an EMA of the
// MACD line itself. The line is defined once the slow EMA is seeded; the
// signal needs a further signalPeriod-1 candles.
type MACD struct {
	fastPeriod, slowPeriod, signalPeriod int

	fast   *EMA
	slow   *EMA
	signal *EMA
	line   float64
}

// NewMACD creates a MACD with the given periods (typically 12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fastPeriod:   fast,
		slowPeriod:   slow,
		signalPeriod: signal,
		fast:         NewEMA(fast),
		slow:         NewEMA(slow),
		signal:       NewEMA(signal),
	}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD_%d_%d_%d", m.fastPeriod, m.slowPeriod, m.signalPeriod)
}

func (m *MACD) Update(candle model.Candle) {
	m.fast.Add(candle.Close)
	m.slow.Add(candle.Close)
	if !m.LineReady() {
		return
	}
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Add(m.line)
}

// Value returns the MACD line.
func (m *MACD) Value() float64 { return m.line }

// Signal returns the signal line.
func (m *MACD) Signal() float64 { return m.signal.Value() }

// Histogram returns MACD minus signal.
func (m *MACD) Histogram() float64 { return m.line - m.signal.Value() }

// LineReady reports whether the MACD line has a value.
func (m *MACD) LineReady() bool { return m.fast.Ready() && m.slow.Ready() }

// Ready reports whether both the line and the signal have values.
func (m *MACD) Ready() bool { return m.LineReady() && m.signal.Ready() }
