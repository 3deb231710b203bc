package notification

import (
	"fmt"
	"strings"

	"signalbot/internal/model"
)

// TimeLayout is the timestamp format used in rendered messages.
const TimeLayout = "2006-01-02 15:04:05"

var checklist = map[model.Signal][]string{
	model.SignalBuy:   {"SMA fast above SMA slow", "MACD above signal", "RSI below overbought"},
	model.SignalSell:  {"SMA fast below SMA slow", "MACD below signal", "RSI above oversold"},
	model.SignalRebuy: {"price well below reference", "RSI oversold"},
}

// Title is the one-line headline of a result.
func Title(r model.Result) string {
	if !r.Signal.Fired() {
		return "No clear signal"
	}
	return "Signal: " + string(r.Signal)
}

// Render formats r as the plain-text message sent to a subscriber.
func Render(r model.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", r.Timestamp.Format(TimeLayout), Title(r))
	if r.Reason != "" && r.Signal.Fired() {
		b.WriteString(r.Reason)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Price: $%.2f\n", r.Price)
	fmt.Fprintf(&b, "Reference: $%.2f\n", r.ReferencePrice)
	fmt.Fprintf(&b, "Change: %+.2f USD (%+.2f%%)\n", r.USDChange, r.PctChange)
	fmt.Fprintf(&b, "RSI: %.2f\n", r.RSI)
	if r.Signal.Fired() {
		fmt.Fprintf(&b, "SMA: %.2f/%.2f\n", r.SMAFast, r.SMASlow)
		fmt.Fprintf(&b, "MACD: %.2f\n", r.MACD)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "Max recommended sell: $%.2f\n", r.Target)
		fmt.Fprintf(&b, "Min recommended buy: $%.2f\n", r.Stop)
		fmt.Fprintf(&b, "Potential: %.2f%%\n", r.Potential)
		if items := checklist[r.Signal]; len(items) > 0 {
			b.WriteString("\nWhy:\n")
			for _, it := range items {
				b.WriteString("- ")
				b.WriteString(it)
				b.WriteByte('\n')
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
