package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Signal is the verdict produced for one subscriber on one monitor tick.
type Signal string

const (
	SignalNone  Signal = "NONE"
	SignalBuy   Signal = "BUY"
	SignalSell  Signal = "SELL"
	SignalRebuy Signal = "REBUY"
)

// Fired reports whether the signal is worth recording in history.
func (s Signal) Fired() bool {
	return s == SignalBuy || s == SignalSell || s == SignalRebuy
}

// ParseSignal accepts both the English names and the Spanish names found in
// history files written by older deployments (COMPRA, VENTA, RECOMPRA).
func ParseSignal(s string) (Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "COMPRA":
		return SignalBuy, nil
	case "SELL", "VENTA":
		return SignalSell, nil
	case "REBUY", "RECOMPRA":
		return SignalRebuy, nil
	case "NONE", "":
		return SignalNone, nil
	}
	return SignalNone, fmt.Errorf("unknown signal %q", s)
}

// Snapshot holds indicator values at the most recent candle of a window.
// Fields are NaN while the corresponding indicator is still warming up.
type Snapshot struct {
	Time       time.Time `json:"time"`
	Close      float64   `json:"close"`
	SMAFast    float64   `json:"sma_fast"`
	SMASlow    float64   `json:"sma_slow"`
	RSI        float64   `json:"rsi"`
	MACD       float64   `json:"macd"`
	MACDSignal float64   `json:"macd_signal"`
	BBHigh     float64   `json:"bb_high"`
	BBMid      float64   `json:"bb_mid"`
	BBLow      float64   `json:"bb_low"`
}

// Ready reports whether every indicator in the snapshot has a value.
func (s Snapshot) Ready() bool {
	for _, v := range []float64{s.Close, s.SMAFast, s.SMASlow, s.RSI, s.MACD, s.MACDSignal, s.BBHigh, s.BBMid, s.BBLow} {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// HistoryEntry is one row of a subscriber's signal history.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Signal    Signal    `json:"signal"`
	Price     float64   `json:"price"`
	RSI       float64   `json:"rsi"`
	USDChange float64   `json:"usd_change"`
	PctChange float64   `json:"pct_change"`
}

// Result is what the monitor emits for each subscriber on each cycle.
type Result struct {
	ChatID         int64     `json:"chat_id"`
	Signal         Signal    `json:"signal"`
	Reason         string    `json:"reason,omitempty"`
	Price          float64   `json:"price"`
	ReferencePrice float64   `json:"reference_price"`
	USDChange      float64   `json:"usd_change"`
	PctChange      float64   `json:"pct_change"`
	RSI            float64   `json:"rsi"`
	SMAFast        float64   `json:"sma_fast"`
	SMASlow        float64   `json:"sma_slow"`
	MACD           float64   `json:"macd"`
	Target         float64   `json:"target"`
	Stop           float64   `json:"stop"`
	Potential      float64   `json:"potential"`
	Timestamp      time.Time `json:"timestamp"`
}

// Change returns the absolute and percentage move of price against reference.
func Change(price, reference float64) (usd, pct float64) {
	usd = price - reference
	if reference == 0 {
		return usd, 0
	}
	return usd, usd / reference * 100
}
