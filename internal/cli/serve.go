package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mt5-trader/internal/api"
	"mt5-trader/internal/automation"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Connect to the terminal and serve the trading API until interrupted.

Trade events are journaled, audited and pushed to the configured
notification channels. /health, /metrics and /ws/notifications are served
alongside the trading routes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if readOnly, _ := cmd.Flags().GetBool("read-only"); readOnly {
				cfg.Security.ReadOnlyMode = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := commandContext(cmd)
			defer stop()

			rt, err := newRuntime(ctx, cfg, app.Logger, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			manager := automation.NewManager(rt.service, automation.Config{Interval: cfg.Automation.Interval}, app.Logger)
			defer manager.Stop()
			if cfg.Automation.AutoStart {
				manager.Start(ctx)
			}

			srv := api.NewServer(rt.service, cfg.Server, app.Logger)
			srv.SetAutomation(manager)
			srv.SetIdempotency(rt.idem)
			srv.SetHealth(rt.healthMonitor())
			srv.SetMetricsHandler(rt.recorder.Handler())
			if rt.journal != nil {
				srv.SetJournal(rt.journal)
			}
			if rt.hub != nil {
				srv.SetWebSocketHandler(rt.hub.ServeWS)
			}

			app.Logger.Info().
				Str("mode", cfg.Terminal.Mode).
				Bool("read_only", cfg.Security.ReadOnlyMode).
				Msg("MT5 Trader started")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("read-only", false, "refuse every trade operation")
	return cmd
}

// commandContext returns a context cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
