package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mt5-trader/internal/models"
	"mt5-trader/internal/security"
	"mt5-trader/pkg/utils"
)

// addTradingCommands adds the one-shot trading commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.SideBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.SideSell))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
	rootCmd.AddCommand(newModifyCmd(app))
	rootCmd.AddCommand(newHedgeCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newAccountCmd(app))
	rootCmd.AddCommand(newQuoteCmd(app))
}

// withRuntime connects, runs fn and tears everything down again.
func withRuntime(cmd *cobra.Command, app *App, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	rt, err := newRuntime(ctx, app.Config, app.Logger, false)
	if err != nil {
		NewOutput(cmd).Error("Terminal unavailable: %v", err)
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// reportResult prints res and converts a failed result into a command error.
func reportResult(output *Output, res models.TradeResult) error {
	if output.IsJSON() {
		if err := output.JSON(res); err != nil {
			return err
		}
	} else {
		output.Result(res)
	}
	if !res.OK() {
		return fmt.Errorf("%s", res.Message)
	}
	return nil
}

func parseTicket(raw string) (uint64, error) {
	ticket, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || ticket == 0 {
		return 0, fmt.Errorf("invalid ticket: %s", raw)
	}
	return ticket, nil
}

func newOrderCmd(app *App, side models.Side) *cobra.Command {
	verb := strings.ToLower(string(side))
	cmd := &cobra.Command{
		Use:   verb + " <symbol>",
		Short: fmt.Sprintf("Open a %s market position", side),
		Long: fmt.Sprintf(`Open a %s market position sized either in lots (--volume) or in
deposit currency (--amount). The order is verified against the terminal's
position list before success is reported.`, side),
		Example: fmt.Sprintf(`  trader %[1]s EURUSD --volume 0.1
  trader %[1]s BTCUSD --amount 500 --sl 60000 --tp 72000`, verb),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := security.SanitizeSymbol(args[0])
			if err := security.ValidateSymbol(symbol); err != nil {
				return err
			}

			intent := models.TradeIntent{Symbol: symbol, Side: side}
			intent.Volume, _ = cmd.Flags().GetFloat64("volume")
			intent.Amount, _ = cmd.Flags().GetFloat64("amount")
			intent.StopLoss, _ = cmd.Flags().GetFloat64("sl")
			intent.TakeProfit, _ = cmd.Flags().GetFloat64("tp")
			intent.Comment, _ = cmd.Flags().GetString("comment")

			if !output.IsJSON() {
				output.Bold("Order Preview")
				output.Printf("  Symbol:  %s\n", symbol)
				output.Printf("  Side:    %s\n", side)
				if intent.Amount > 0 {
					output.Printf("  Amount:  %s\n", utils.FormatMoney(intent.Amount, "USD"))
				} else {
					output.Printf("  Volume:  %s\n", utils.FormatLots(intent.Volume))
				}
				if app.Config.IsPaperMode() {
					output.Warning("PAPER TRADING MODE")
				}
				output.Println()
			}

			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				return reportResult(output, rt.service.PlaceMarketOrder(ctx, intent))
			})
		},
	}

	cmd.Flags().Float64P("volume", "v", 0, "volume in lots")
	cmd.Flags().Float64P("amount", "a", 0, "position size in deposit currency")
	cmd.Flags().Float64("sl", 0, "stop-loss price")
	cmd.Flags().Float64("tp", 0, "take-profit price")
	cmd.Flags().String("comment", "", "order comment")
	cmd.MarkFlagsMutuallyExclusive("volume", "amount")
	cmd.MarkFlagsOneRequired("volume", "amount")
	return cmd
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "List open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, _ := cmd.Flags().GetString("symbol")
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				positions, err := rt.service.Positions(ctx, symbol)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					if positions == nil {
						positions = []models.Position{}
					}
					return output.JSON(positions)
				}
				if len(positions) == 0 {
					output.Dim("No open positions")
					return nil
				}

				table := NewTable(output, "Ticket", "Symbol", "Side", "Volume", "Open", "Current", "SL", "TP", "P&L")
				var total float64
				for _, p := range positions {
					table.AddRow(
						strconv.FormatUint(p.Ticket, 10),
						p.Symbol,
						string(p.Side),
						utils.FormatLots(p.Volume),
						strconv.FormatFloat(p.OpenPrice, 'f', -1, 64),
						strconv.FormatFloat(p.CurrentPrice, 'f', -1, 64),
						levelText(p.StopLoss),
						levelText(p.TakeProfit),
						output.FormatPnL(p.Profit),
					)
					total += p.Profit
				}
				table.Render()
				output.Println()
				output.Printf("%d positions, total %s\n", len(positions), output.FormatPnL(total))
				return nil
			})
		},
	}
	cmd.Flags().StringP("symbol", "s", "", "filter by symbol")

	cmd.AddCommand(&cobra.Command{
		Use:   "close-all",
		Short: "Close every open position",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				results := rt.service.CloseAll(ctx)
				if output.IsJSON() {
					if results == nil {
						results = []models.TradeResult{}
					}
					return output.JSON(results)
				}
				if len(results) == 0 {
					output.Dim("No open positions")
					return nil
				}
				failed := 0
				for _, res := range results {
					output.Result(res)
					if !res.OK() {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d positions failed to close", failed, len(results))
				}
				return nil
			})
		},
	})
	return cmd
}

func levelText(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func newCloseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "close <ticket>",
		Short: "Close a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := parseTicket(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				return reportResult(NewOutput(cmd), rt.service.ClosePosition(ctx, ticket))
			})
		},
	}
}

func newModifyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modify <ticket>",
		Short:   "Change a position's stop-loss or take-profit",
		Example: "  trader modify 100001 --sl 1.0820 --tp 1.0950",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := parseTicket(args[0])
			if err != nil {
				return err
			}
			var req models.ModifyRequest
			if cmd.Flags().Changed("sl") {
				sl, _ := cmd.Flags().GetFloat64("sl")
				req.StopLoss = &sl
			}
			if cmd.Flags().Changed("tp") {
				tp, _ := cmd.Flags().GetFloat64("tp")
				req.TakeProfit = &tp
			}
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				return reportResult(NewOutput(cmd), rt.service.ModifyPosition(ctx, ticket, req))
			})
		},
	}
	cmd.Flags().Float64("sl", 0, "new stop-loss price (0 removes it)")
	cmd.Flags().Float64("tp", 0, "new take-profit price (0 removes it)")
	cmd.MarkFlagsOneRequired("sl", "tp")
	return cmd
}

func newHedgeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "hedge <ticket>",
		Short: "Open an opposite position of the same volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := parseTicket(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				return reportResult(NewOutput(cmd), rt.service.HedgePosition(ctx, ticket))
			})
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List pending orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, _ := cmd.Flags().GetString("symbol")
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				orders, err := rt.service.PendingOrders(ctx, symbol)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					if orders == nil {
						orders = []models.PendingOrder{}
					}
					return output.JSON(orders)
				}
				if len(orders) == 0 {
					output.Dim("No pending orders")
					return nil
				}
				table := NewTable(output, "Ticket", "Symbol", "Type", "Volume", "Price", "SL", "TP", "Comment")
				for _, o := range orders {
					table.AddRow(
						strconv.FormatUint(o.Ticket, 10),
						o.Symbol,
						string(o.Type),
						utils.FormatLots(o.Volume),
						strconv.FormatFloat(o.Price, 'f', -1, 64),
						levelText(o.StopLoss),
						levelText(o.TakeProfit),
						o.Comment,
					)
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringP("symbol", "s", "", "filter by symbol")

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <ticket>",
		Short: "Cancel a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := parseTicket(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				return reportResult(NewOutput(cmd), rt.service.CancelPendingOrder(ctx, ticket))
			})
		},
	})
	return cmd
}

func newAccountCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "account",
		Aliases: []string{"balance"},
		Short:   "Show account balance and margin",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				info, err := rt.service.AccountInfo(ctx)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(info)
				}
				output.Bold("Account %d @ %s", info.Login, info.Server)
				output.Printf("  Balance:     %s\n", utils.FormatMoney(info.Balance, info.Currency))
				output.Printf("  Equity:      %s\n", utils.FormatMoney(info.Equity, info.Currency))
				output.Printf("  Margin:      %s\n", utils.FormatMoney(info.Margin, info.Currency))
				output.Printf("  Free Margin: %s\n", utils.FormatMoney(info.FreeMargin, info.Currency))
				output.Printf("  Floating:    %s\n", output.FormatPnL(info.Profit))
				output.Printf("  Leverage:    1:%d\n", info.Leverage)
				return nil
			})
		},
	}
}

func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Show the current bid and ask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := security.SanitizeSymbol(args[0])
			if err := security.ValidateSymbol(symbol); err != nil {
				return err
			}
			return withRuntime(cmd, app, func(ctx context.Context, rt *runtime) error {
				q, err := rt.service.Quote(ctx, symbol)
				if err != nil {
					return err
				}
				minAmount, err := rt.service.MinAmount(ctx, symbol)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"quote": q, "min_amount": minAmount})
				}
				output.Bold("%s", q.Symbol)
				output.Printf("  Bid:        %s\n", strconv.FormatFloat(q.Bid, 'f', -1, 64))
				output.Printf("  Ask:        %s\n", strconv.FormatFloat(q.Ask, 'f', -1, 64))
				output.Printf("  Min Amount: %s\n", utils.FormatMoney(minAmount, "USD"))
				output.Dim("  as of %s", q.Time.Local().Format(time.TimeOnly))
				return nil
			})
		},
	}
}
