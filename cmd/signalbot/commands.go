package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"signalbot/internal/estimate"
	"signalbot/internal/model"
	"signalbot/internal/store"
	"signalbot/internal/store/file"
)

// withStore opens the configured store for a one-shot command.
func (a *app) withStore(fn func(st *store.StateStore) error) error {
	be, err := openStore(a.cfg, a.log, nil)
	if err != nil {
		return err
	}
	defer be.state.Close()
	return fn(be.state)
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat id %q is not an integer", s)
	}
	return id, nil
}

func newSubscribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe CHAT_ID",
		Short: "Subscribe a chat to signals (reference defaults to the fallback price)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(st *store.StateStore) error {
				if err := st.Subscribe(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Chat %d subscribed. Reference: $%.2f\n", id, st.GetReferencePrice(cmd.Context(), id))
				return nil
			})
		},
	}
}

func newRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register CHAT_ID PRICE",
		Short: "Set a chat's reference (last buy) price and subscribe it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			price, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("price %q is not a number", args[1])
			}
			return a.withStore(func(st *store.StateStore) error {
				if err := st.Register(cmd.Context(), id, price); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reference price for chat %d set to $%.2f\n", id, price)
				return nil
			})
		},
	}
}

func newSubscribersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List subscribed chats and their reference prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.StateStore) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CHAT_ID\tREFERENCE")
				for _, id := range st.ListSubscribers(cmd.Context()) {
					fmt.Fprintf(w, "%d\t%.2f\n", id, st.GetReferencePrice(cmd.Context(), id))
				}
				return w.Flush()
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status CHAT_ID",
		Short: "Show the current price against a chat's reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			price, err := latestPrice(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			return a.withStore(func(st *store.StateStore) error {
				ref := st.GetReferencePrice(cmd.Context(), id)
				usd, pct := model.Change(price, ref)
				fmt.Fprintf(cmd.OutOrStdout(), "%s price: $%.2f\nReference: $%.2f\nChange: %+.2f USD (%+.2f%%)\n",
					a.cfg.Market.Symbol, price, ref, usd, pct)
				return nil
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history CHAT_ID",
		Short: "Print a chat's signal history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(st *store.StateStore) error {
				entries, err := st.History(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No history.")
					return nil
				}
				return printHistory(cmd, entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "only the most recent N entries (0 = all)")
	return cmd
}

func printHistory(cmd *cobra.Command, entries []model.HistoryEntry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "TIMESTAMP\tSIGNAL\tPRICE\tRSI\tUSD\t%\t")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%+.2f\t%+.2f\t\n",
			e.Timestamp.Format(file.TimeLayout), e.Signal, e.Price, e.RSI, e.USDChange, e.PctChange)
	}
	return w.Flush()
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset CHAT_ID",
		Short: "Delete a chat's reference price, history and subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(st *store.StateStore) error {
				if err := st.Reset(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Chat %d reset.\n", id)
				return nil
			})
		},
	}
}

func newEstimateCmd(a *app) *cobra.Command {
	var price float64
	est := func(side string, fn func(amount, price float64, v []estimate.Venue) (estimate.Estimate, error)) *cobra.Command {
		unit := "USD"
		if side == "sell" {
			unit = "BTC"
		}
		return &cobra.Command{
			Use:   side + " AMOUNT",
			Short: fmt.Sprintf("Estimate a %s of AMOUNT %s after fees", side, unit),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return fmt.Errorf("amount %q is not a number", args[0])
				}
				px, err := a.priceOr(cmd.Context(), price)
				if err != nil {
					return err
				}
				e, err := fn(amount, px, estimate.Venues(a.cfg.Fees.Binance, a.cfg.Fees.Paymonade))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.String())
				return nil
			},
		}
	}

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate buy or sell proceeds on each venue",
	}
	cmd.PersistentFlags().Float64Var(&price, "price", 0, "use this price instead of fetching the ticker")
	cmd.AddCommand(est("buy", estimate.Buy), est("sell", estimate.Sell))
	return cmd
}

func (a *app) priceOr(ctx context.Context, fixed float64) (float64, error) {
	if fixed > 0 {
		return fixed, nil
	}
	return latestPrice(ctx, a.cfg)
}
