// Package notification delivers monitor results to external channels
// (Telegram, webhooks, the log) and renders them as human-readable alerts.
package notification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// LevelOf maps a signal to the alert severity shown to subscribers.
func LevelOf(sig model.Signal) AlertLevel {
	switch sig {
	case model.SignalSell:
		return AlertCritical
	case model.SignalRebuy, model.SignalBuy:
		return AlertWarning
	}
	return AlertInfo
}

// Notifier is the interface for all notification backends. It has the shape
// of model.ResultSink so any Notifier can be handed to the monitor.
type Notifier interface {
	// Notify delivers r. Returns error if delivery fails.
	Notify(ctx context.Context, r model.Result) error
}

// LogNotifier writes results to a zap logger (useful for development).
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: logger.OrNop(log).With(zap.String("component", "notify"))}
}

func (n *LogNotifier) Notify(ctx context.Context, r model.Result) error {
	n.log.Info(Title(r), append(logger.Fields(ctx),
		zap.Int64("chat_id", r.ChatID),
		zap.String("level", string(LevelOf(r.Signal))),
		zap.String("signal", string(r.Signal)),
		zap.Float64("price", r.Price),
		zap.Float64("reference", r.ReferencePrice),
		zap.Float64("pct_change", r.PctChange),
		zap.Float64("rsi", r.RSI))...)
	return nil
}

// SkipNone wraps next so results without a signal are dropped.
func SkipNone(next Notifier) Notifier {
	return noneFilter{next: next}
}

type noneFilter struct{ next Notifier }

func (f noneFilter) Notify(ctx context.Context, r model.Result) error {
	if !r.Signal.Fired() {
		return nil
	}
	return f.next.Notify(ctx, r)
}

// Multi delivers each result to every notifier. One failing backend does not
// stop delivery to the rest; the errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, r model.Result) error {
	var errs []error
	for i, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
