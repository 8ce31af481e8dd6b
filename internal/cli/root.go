// Package cli provides the command-line interface for the trading application.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mt5-trader/internal/config"
	"mt5-trader/internal/logging"
	"mt5-trader/internal/security"
	"mt5-trader/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies shared by every command.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "MT5 Trader - verified order execution for MetaTrader 5",
		Long: `MT5 Trader places, closes and modifies orders on a MetaTrader 5 account and
verifies every operation against the terminal's own position list before
reporting success.

Run 'trader serve' to start the HTTP API. The other commands talk to the
terminal directly and exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// --config is read in main before the command tree is built.
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/mt5-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	addTradingCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("MT5 Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"config":      app.Config,
					"credentials": security.MaskedCredentials(app.Config.Credentials),
				})
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.Config.Dir})
			} else {
				output.Println(app.Config.Dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Terminal")
	output.Printf("  Mode:             %s\n", cfg.Terminal.Mode)
	if !cfg.IsPaperMode() {
		output.Printf("  Gateway:          %s\n", security.MaskURL(cfg.Terminal.GatewayURL))
	} else {
		output.Printf("  Paper Balance:    %s\n", utils.FormatMoney(cfg.Terminal.PaperBalance, "USD"))
	}
	output.Printf("  Connect Attempts: %d\n", cfg.Terminal.ConnectAttempts)
	output.Println()

	output.Bold("Trading")
	output.Printf("  Deviation:        %d points\n", cfg.Trading.Deviation)
	output.Printf("  Magic:            %d\n", cfg.Trading.Magic)
	output.Printf("  Filling:          %s\n", cfg.Trading.Filling)
	output.Printf("  Settle Delay:     %s\n", cfg.Trading.SettleDelay)
	output.Println()

	output.Bold("Retry")
	output.Printf("  Max Attempts:     %d\n", cfg.Retry.MaxAttempts)
	output.Printf("  Wait:             %s - %s (x%.1f)\n", cfg.Retry.MinWait, cfg.Retry.MaxWait, cfg.Retry.Multiplier)
	output.Println()

	output.Bold("Server")
	output.Printf("  Address:          %s\n", cfg.Server.Addr)
	output.Printf("  Trade Rate:       %.1f/s (burst %d)\n", cfg.Server.TradeRate, cfg.Server.TradeBurst)
	output.Printf("  Read-Only:        %v\n", cfg.Security.ReadOnlyMode)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:          %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:            %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:          %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:         %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Discord:          %v\n", cfg.Notifications.Discord.Enabled)
	output.Printf("  Kafka:            %v\n", cfg.Notifications.Kafka.Enabled)
	output.Println()

	output.Bold("Credentials")
	output.Printf("  Login:            %d\n", cfg.Credentials.MT5.Login)
	output.Printf("  Password:         %s\n", security.MaskCredential(cfg.Credentials.MT5.Password))
	output.Printf("  Server:           %s\n", cfg.Credentials.MT5.Server)
}
