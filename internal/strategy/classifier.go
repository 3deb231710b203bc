// Package strategy turns an indicator snapshot and a subscriber's reference
// price into a discrete signal.
package strategy

import (
	"fmt"
	"math"

	"signalbot/internal/model"
)

// Thresholds are the tunable constants of the classifier.
type Thresholds struct {
	// RebuyDrawdown is the fraction of the reference price below which a
	// REBUY is considered (0.97 = 3% below).
	RebuyDrawdown float64 `mapstructure:"rebuy_drawdown" validate:"gt=0,lt=1"`
	RebuyRSI      float64 `mapstructure:"rebuy_rsi" validate:"gte=0,lte=100"`
	BuyRSIMax     float64 `mapstructure:"buy_rsi_max" validate:"gte=0,lte=100"`
	SellRSIMin    float64 `mapstructure:"sell_rsi_min" validate:"gte=0,lte=100"`

	// UseBollinger adds close < bb_high to BUY and close > bb_low to SELL.
	UseBollinger bool `mapstructure:"use_bollinger"`
}

// DefaultThresholds returns 0.97 / 35 / 70 / 30 without the Bollinger clause.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RebuyDrawdown: 0.97,
		RebuyRSI:      35,
		BuyRSIMax:     70,
		SellRSIMin:    30,
	}
}

// Classifier evaluates REBUY, BUY and SELL in that order; the first match
// wins. It holds no state.
type Classifier struct {
	th Thresholds
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(th Thresholds) *Classifier {
	return &Classifier{th: th}
}

// Thresholds returns the classifier configuration.
func (c *Classifier) Thresholds() Thresholds { return c.th }

// Classify returns the signal for snap given the subscriber's reference
// price. Snapshots still in warm-up yield SignalNone.
func (c *Classifier) Classify(snap model.Snapshot, reference float64) model.Signal {
	if !c.evaluable(snap) {
		return model.SignalNone
	}

	if snap.Close < reference*c.th.RebuyDrawdown && snap.RSI < c.th.RebuyRSI {
		return model.SignalRebuy
	}

	if snap.SMAFast > snap.SMASlow && snap.MACD > snap.MACDSignal && snap.RSI < c.th.BuyRSIMax &&
		(!c.th.UseBollinger || snap.Close < snap.BBHigh) {
		return model.SignalBuy
	}

	if snap.SMAFast < snap.SMASlow && snap.MACD < snap.MACDSignal && snap.RSI > c.th.SellRSIMin &&
		(!c.th.UseBollinger || snap.Close > snap.BBLow) {
		return model.SignalSell
	}

	return model.SignalNone
}

// evaluable reports whether every field the enabled clauses read is defined.
func (c *Classifier) evaluable(snap model.Snapshot) bool {
	fields := []float64{snap.Close, snap.SMAFast, snap.SMASlow, snap.RSI, snap.MACD, snap.MACDSignal}
	if c.th.UseBollinger {
		fields = append(fields, snap.BBHigh, snap.BBLow)
	}
	for _, v := range fields {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Reason is a short human explanation of why sig fired.
func (c *Classifier) Reason(sig model.Signal) string {
	switch sig {
	case model.SignalRebuy:
		return fmt.Sprintf("price more than %.0f%% below reference and RSI under %.0f",
			(1-c.th.RebuyDrawdown)*100, c.th.RebuyRSI)
	case model.SignalBuy:
		return "uptrend detected"
	case model.SignalSell:
		return "downtrend detected, consider exiting"
	}
	return "no clear signal"
}
