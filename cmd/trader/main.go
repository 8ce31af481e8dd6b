package main

import (
	"fmt"
	"os"
	"strings"

	"mt5-trader/internal/cli"
	"mt5-trader/internal/config"
	"mt5-trader/internal/logging"
)

func main() {
	configDir := configDirFromArgs(os.Args[1:])
	if configDir == "" {
		configDir = os.Getenv("MT5_TRADER_CONFIG")
	}
	if configDir == "" {
		configDir = config.DefaultConfigDir()
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithConfig(cfg.Logging.LogConfig())
	for _, path := range cfg.CreatedTemplates {
		logger.Info().Str("path", path).Msg("Created template configuration file")
	}

	if err := cli.NewRootCmd(cfg, logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configDirFromArgs picks --config out of the raw arguments. Configuration
// is needed to build the command tree, so it cannot wait for cobra.
func configDirFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
