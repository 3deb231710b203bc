package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signalbot/config"
	"signalbot/internal/logger"
)

// app holds what every subcommand needs after the root pre-run.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var cfgPath, level string

	root := &cobra.Command{
		Use:   "signalbot",
		Short: "BTC price-signal monitor",
		Long: `signalbot polls BTC candles, computes SMA, RSI, MACD and Bollinger
indicators, and classifies each subscriber's position against their
reference price as REBUY, BUY, SELL or no signal.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if level != "" {
				cfg.Log.Level = level
			}
			log, err := logger.New("signalbot", cfg.Log.Level)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "configuration file (default ./signalbot.yaml)")
	root.PersistentFlags().StringVar(&level, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newSubscribeCmd(a),
		newRegisterCmd(a),
		newSubscribersCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newResetCmd(a),
		newEstimateCmd(a),
	)
	return root
}
