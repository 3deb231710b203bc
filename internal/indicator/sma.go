package indicator

import (
	"strconv"

	"signalbot/internal/model"
)

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
// The mean is taken over deviations from the oldest value in the window, so a
// constant window yields exactly that constant and nothing drifts.
type SMA struct {
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return "SMA_" + strconv.Itoa(s.period) }

func (s *SMA) Update(candle model.Candle) { s.Add(candle.Close) }

// Add feeds a raw value.
func (s *SMA) Add(v float64) {
	s.buf[s.idx] = v
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.mean()
	}
}

// mean assumes a full buffer; idx then points at the oldest value.
func (s *SMA) mean() float64 {
	ref := s.buf[s.idx]
	var dev float64
	for _, x := range s.buf {
		dev += x - ref
	}
	return ref + dev/float64(s.period)
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }
