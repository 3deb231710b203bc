// Package monitor runs the signal cycle: fetch the shared candle window,
// compute one indicator snapshot, then classify every subscriber against
// its own reference price and hand the results to a sink.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/indicator"
	"signalbot/internal/logger"
	"signalbot/internal/model"
	"signalbot/internal/store"
	"signalbot/internal/strategy"
)

// ErrCycleRunning is returned when Cycle is called while another cycle is
// still in progress.
var ErrCycleRunning = errors.New("monitor cycle already running")

// State is the orchestrator state.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Outcome labels a finished cycle.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeSourceError      Outcome = "source_error"
	OutcomeInsufficientData Outcome = "insufficient_data"
	OutcomeCancelled        Outcome = "cancelled"
)

// Config controls what is fetched and how often.
type Config struct {
	Symbol   string
	Interval string
	Limit    int

	TickInterval time.Duration
	Backoff      time.Duration

	// RebuyResetsReference rolls the reference price on REBUY as well as BUY.
	RebuyResetsReference bool

	// TargetRatio and StopRatio derive the take-profit and stop levels
	// reported with each result from the reference price.
	TargetRatio float64
	StopRatio   float64
}

// DefaultConfig returns BTCUSDT 5m x100, a 300s tick and a 60s backoff.
func DefaultConfig() Config {
	return Config{
		Symbol:       "BTCUSDT",
		Interval:     "5m",
		Limit:        100,
		TickInterval: 300 * time.Second,
		Backoff:      60 * time.Second,
		TargetRatio:  1.02,
		StopRatio:    0.98,
	}
}

// Deps are the collaborators of a Monitor. Sink may be nil.
type Deps struct {
	Source     model.CandleSource
	Engine     *indicator.Engine
	Classifier *strategy.Classifier
	Store      *store.StateStore
	Sink       model.ResultSink
}

// Hooks observe the cycle. All are optional and called synchronously.
type Hooks struct {
	OnCycle           func(outcome Outcome, d time.Duration)
	OnSnapshot        func(ctx context.Context, snap model.Snapshot)
	OnResult          func(r model.Result)
	OnSubscriberError func(chatID int64, err error)
}

// Report summarises one cycle.
type Report struct {
	TraceID  string
	Outcome  Outcome
	Snapshot model.Snapshot
	Results  []model.Result
	Failed   []int64
}

// Monitor is the cycle orchestrator.
type Monitor struct {
	cfg   Config
	deps  Deps
	clock Clock
	log   *zap.Logger
	hooks Hooks

	state atomic.Int32

	mu       sync.RWMutex
	last     model.Snapshot
	lastAt   time.Time
	lastOK   bool
	lastRuns int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the real clock.
func WithClock(c Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option { return func(m *Monitor) { m.hooks = h } }

// New validates deps and cfg.
func New(cfg Config, deps Deps, opts ...Option) (*Monitor, error) {
	if deps.Source == nil || deps.Engine == nil || deps.Classifier == nil || deps.Store == nil {
		return nil, errors.New("monitor: source, engine, classifier and store are required")
	}
	if cfg.Symbol == "" || cfg.Interval == "" || cfg.Limit <= 0 {
		return nil, fmt.Errorf("monitor: invalid market %q %q %d", cfg.Symbol, cfg.Interval, cfg.Limit)
	}
	if cfg.TickInterval <= 0 || cfg.Backoff <= 0 {
		return nil, errors.New("monitor: tick interval and backoff must be positive")
	}
	if need := deps.Engine.Config().MinCandles(); cfg.Limit < need {
		return nil, fmt.Errorf("monitor: window of %d candles is below the %d the indicators need", cfg.Limit, need)
	}
	if cfg.TargetRatio <= 0 {
		cfg.TargetRatio = 1.02
	}
	if cfg.StopRatio <= 0 {
		cfg.StopRatio = 0.98
	}

	m := &Monitor{cfg: cfg, deps: deps, clock: RealClock()}
	for _, o := range opts {
		o(m)
	}
	m.log = logger.OrNop(m.log).With(zap.String("component", "monitor"))
	return m, nil
}

// State returns whether a cycle is in progress.
func (m *Monitor) State() State { return State(m.state.Load()) }

// LastSnapshot returns the snapshot of the most recent successful cycle.
func (m *Monitor) LastSnapshot() (model.Snapshot, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.lastAt, m.lastOK
}

// Cycles returns the number of cycles that computed a snapshot.
func (m *Monitor) Cycles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRuns
}

// Run executes a cycle immediately and then one per tick until ctx is done.
// After a failed fetch the next cycle comes after the backoff instead.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started",
		zap.String("symbol", m.cfg.Symbol),
		zap.String("interval", m.cfg.Interval),
		zap.Duration("tick", m.cfg.TickInterval))

	for {
		wait := m.cfg.TickInterval
		rep, err := m.Cycle(ctx)
		if ctx.Err() != nil {
			m.log.Info("monitor stopped")
			return ctx.Err()
		}
		if err != nil && rep.Outcome == OutcomeSourceError {
			wait = m.cfg.Backoff
		}

		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-m.clock.After(wait):
		}
	}
}

// Cycle runs one monitor cycle. It returns an error only when the cycle
// aborted before classification: a fetch failure, insufficient data or
// cancellation. Per-subscriber failures are reported in Report.Failed.
func (m *Monitor) Cycle(ctx context.Context) (Report, error) {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Report{}, ErrCycleRunning
	}
	defer m.state.Store(int32(StateIdle))

	start := m.clock.Now()
	rep := Report{TraceID: logger.NewTraceID()}
	ctx = logger.WithTraceID(ctx, rep.TraceID)
	log := m.log.With(logger.Fields(ctx)...)

	err := m.cycle(ctx, log, &rep)
	d := m.clock.Now().Sub(start)
	if m.hooks.OnCycle != nil {
		m.hooks.OnCycle(rep.Outcome, d)
	}
	if err == nil {
		log.Info("cycle complete",
			zap.Float64("close", rep.Snapshot.Close),
			zap.Int("subscribers", len(rep.Results)+len(rep.Failed)),
			zap.Int("failed", len(rep.Failed)),
			zap.Duration("took", d))
	}
	return rep, err
}

func (m *Monitor) cycle(ctx context.Context, log *zap.Logger, rep *Report) error {
	candles, err := m.deps.Source.Fetch(ctx, m.cfg.Symbol, m.cfg.Interval, m.cfg.Limit)
	if err != nil {
		if ctx.Err() != nil {
			rep.Outcome = OutcomeCancelled
			return ctx.Err()
		}
		rep.Outcome = OutcomeSourceError
		log.Error("candle fetch failed, backing off", zap.Error(err), zap.Duration("backoff", m.cfg.Backoff))
		return fmt.Errorf("fetch candles: %w", err)
	}

	snap, err := m.deps.Engine.Snapshot(candles)
	if err != nil {
		rep.Outcome = OutcomeInsufficientData
		log.Warn("skipping classification", zap.Int("candles", len(candles)), zap.Error(err))
		return err
	}
	rep.Snapshot = snap

	m.mu.Lock()
	m.last, m.lastAt, m.lastOK = snap, m.clock.Now(), true
	m.lastRuns++
	m.mu.Unlock()
	if m.hooks.OnSnapshot != nil {
		m.hooks.OnSnapshot(ctx, snap)
	}

	rep.Outcome = OutcomeOK
	for _, id := range m.deps.Store.ListSubscribers(ctx) {
		if ctx.Err() != nil {
			rep.Outcome = OutcomeCancelled
			return ctx.Err()
		}
		res, err := m.evaluate(ctx, id, snap)
		if errors.Is(err, errUnsubscribed) {
			log.Info("subscriber reset during cycle, skipped", zap.Int64("chat_id", id))
			continue
		}
		if err != nil {
			rep.Failed = append(rep.Failed, id)
			log.Error("subscriber evaluation failed", zap.Int64("chat_id", id), zap.Error(err))
			if m.hooks.OnSubscriberError != nil {
				m.hooks.OnSubscriberError(id, err)
			}
			continue
		}
		rep.Results = append(rep.Results, res)
	}
	return nil
}

// errUnsubscribed marks a chat that was reset after the cycle listed it.
var errUnsubscribed = errors.New("no longer subscribed")

// evaluate classifies one subscriber and applies the post-classification
// state updates under the chat lock. Membership is re-checked under the lock
// so a reset that landed after ListSubscribers is not undone. The result is
// delivered after the lock is released. A panic is converted to an error.
func (m *Monitor) evaluate(ctx context.Context, chatID int64, snap model.Snapshot) (res model.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	now := m.clock.Now()
	err = m.deps.Store.WithSubscriber(ctx, chatID, func(ss *store.Session) error {
		if !ss.Subscribed() {
			return errUnsubscribed
		}
		ref := ss.Reference()
		sig := m.deps.Classifier.Classify(snap, ref)
		res = m.result(chatID, sig, snap, ref, now)

		if sig.Fired() {
			ss.AppendHistory(model.HistoryEntry{
				Timestamp: now,
				Signal:    sig,
				Price:     snap.Close,
				RSI:       snap.RSI,
				USDChange: res.USDChange,
				PctChange: res.PctChange,
			})
		}
		if m.rollsReference(sig) {
			if err := ss.SetReference(snap.Close); err != nil {
				// the signal still stands; the roll is retried on the next BUY
				m.log.Error("reference roll failed",
					append(logger.Fields(ctx), zap.Int64("chat_id", chatID), zap.Error(err))...)
			}
		}
		return nil
	})
	if err != nil {
		return model.Result{}, err
	}

	if m.hooks.OnResult != nil {
		m.hooks.OnResult(res)
	}
	if m.deps.Sink != nil {
		if err := m.deps.Sink.Notify(ctx, res); err != nil {
			return res, fmt.Errorf("notify: %w", err)
		}
	}
	return res, nil
}

func (m *Monitor) rollsReference(sig model.Signal) bool {
	return sig == model.SignalBuy || (sig == model.SignalRebuy && m.cfg.RebuyResetsReference)
}

func (m *Monitor) result(chatID int64, sig model.Signal, snap model.Snapshot, ref float64, now time.Time) model.Result {
	usd, pct := model.Change(snap.Close, ref)
	target := ref * m.cfg.TargetRatio
	var potential float64
	if snap.Close > 0 {
		potential = (target - snap.Close) / snap.Close * 100
	}
	return model.Result{
		ChatID:         chatID,
		Signal:         sig,
		Reason:         m.deps.Classifier.Reason(sig),
		Price:          snap.Close,
		ReferencePrice: ref,
		USDChange:      usd,
		PctChange:      pct,
		RSI:            snap.RSI,
		SMAFast:        snap.SMAFast,
		SMASlow:        snap.SMASlow,
		MACD:           snap.MACD,
		Target:         target,
		Stop:           ref * m.cfg.StopRatio,
		Potential:      potential,
		Timestamp:      now,
	}
}
