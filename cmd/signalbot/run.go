package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signalbot/internal/api"
	"signalbot/internal/indicator"
	"signalbot/internal/metrics"
	"signalbot/internal/model"
	"signalbot/internal/monitor"
	"signalbot/internal/strategy"
)

func newRunCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor loop, the API and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func (a *app) run(ctx context.Context, once bool) error {
	cfg, log := a.cfg, a.log
	log.Info("starting",
		zap.String("symbol", cfg.Market.Symbol),
		zap.String("interval", cfg.Market.Interval),
		zap.String("source", cfg.Market.Source),
		zap.String("store", cfg.Store.Backend),
		zap.String("notify", cfg.Notify.Backend))

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus(2 * cfg.Monitor.TickInterval)

	// ---- State ----
	be, err := openStore(cfg, log, prom)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.state.Close(); err != nil {
			log.Warn("store close", zap.Error(err))
		}
	}()

	var sqlDB *sql.DB
	if be.sqlite != nil {
		sqlDB = be.sqlite.DB()
		if snap, ok, err := be.sqlite.LatestSnapshot(ctx); err != nil {
			log.Warn("reading last snapshot", zap.Error(err))
		} else if ok {
			log.Info("last persisted snapshot", zap.Time("time", snap.Time), zap.Float64("close", snap.Close))
		}
	}
	health.StartLivenessChecker(ctx, be.redisClient(), sqlDB, 30*time.Second)

	// ---- Market data ----
	source, stream, err := candleSource(cfg, log, prom)
	if err != nil {
		return err
	}
	if stream != nil && !once {
		stream.OnReconnect = func() {
			prom.StreamReconnects.Inc()
			health.SetStreamOK(false)
		}
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("kline stream stopped", zap.Error(err))
			}
		}()
	}

	// ---- Signal pipeline ----
	engine, err := indicator.NewEngine(cfg.Indicators)
	if err != nil {
		return err
	}
	sink, closeSink, err := notifier(cfg, log, be)
	if err != nil {
		return err
	}
	defer closeSink()

	hooks := monitor.Hooks{
		OnCycle: func(o monitor.Outcome, d time.Duration) {
			prom.ObserveCycle(string(o), d)
			health.RecordCycle(string(o))
			if o == monitor.OutcomeOK && stream != nil {
				health.SetStreamOK(true)
			}
		},
		OnSnapshot: func(ctx context.Context, snap model.Snapshot) {
			prom.LastClose.Set(snap.Close)
			if be.sqlite != nil {
				if err := be.sqlite.SaveSnapshot(ctx, snap); err != nil {
					log.Warn("snapshot not persisted", zap.Error(err))
				}
			}
		},
		OnResult: func(r model.Result) {
			prom.SignalsTotal.WithLabelValues(string(r.Signal)).Inc()
		},
		OnSubscriberError: func(int64, error) {
			prom.SubscriberErrors.Inc()
		},
	}

	mcfg := monitor.Config{
		Symbol:               cfg.Market.Symbol,
		Interval:             cfg.Market.Interval,
		Limit:                cfg.Market.Limit,
		TickInterval:         cfg.Monitor.TickInterval,
		Backoff:              cfg.Monitor.Backoff,
		RebuyResetsReference: cfg.Strategy.RebuyResetsReference,
	}
	mon, err := monitor.New(mcfg, monitor.Deps{
		Source:     source,
		Engine:     engine,
		Classifier: strategy.NewClassifier(cfg.Strategy.Thresholds),
		Store:      be.state,
		Sink:       sink,
	}, monitor.WithLogger(log), monitor.WithHooks(hooks))
	if err != nil {
		return err
	}

	if once {
		_, err := mon.Cycle(ctx)
		return err
	}

	// ---- HTTP: keep-alive, API, /metrics, /healthz ----
	if cfg.HTTP.Addr != "" {
		srv := metrics.NewServer(cfg.HTTP.Addr, health, reg, api.NewRouter(be.state, mon, log), log)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
		}()
	}

	err = mon.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown complete")
		return nil
	}
	return err
}
