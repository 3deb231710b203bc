package indicator

import (
	"fmt"
	"math"

	"signalbot/internal/model"
)

// Bollinger computes Bollinger Bands: SMA(period) ± k × population stddev.
type Bollinger struct {
	k    float64
	mid  *SMA
	high float64
	low  float64
}

// NewBollinger creates bands over period candles at k standard deviations.
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{k: k, mid: NewSMA(period)}
}

func (b *Bollinger) Name() string { return fmt.Sprintf("BB_%d_%g", b.mid.period, b.k) }

func (b *Bollinger) Update(candle model.Candle) {
	b.mid.Add(candle.Close)
	if !b.mid.Ready() {
		return
	}
	mean := b.mid.Value()
	var sq float64
	for _, v := range b.mid.buf {
		d := v - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / float64(b.mid.period))
	b.high = mean + b.k*sd
	b.low = mean - b.k*sd
}

// Value returns the middle band.
func (b *Bollinger) Value() float64 { return b.mid.Value() }
func (b *Bollinger) High() float64  { return b.high }
func (b *Bollinger) Low() float64   { return b.low }
func (b *Bollinger) Ready() bool    { return b.mid.Ready() }
