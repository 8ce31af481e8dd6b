package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# MT5 Trader Configuration

[terminal]
# Terminal backend: "paper" (in-process simulation) or "gateway"
mode = "paper"
# Base URL of the terminal gateway (gateway mode only)
gateway_url = "http://localhost:18812"
timeout = "30s"
connect_attempts = 3
connect_delay = "5s"
# Starting balance of the paper account
paper_balance = 10000.0

[trading]
# Maximum price deviation in points
deviation = 20
# Magic number stamped on every order
magic = 234000
# Filling policy: FOK, IOC, RETURN
filling = "IOC"
# Wait before re-reading terminal state to verify a submission
settle_delay = "1s"
# Comment used when the caller gives none; a call tag is always appended
comment_tag = "mt5-trader"

[retry]
max_attempts = 3
multiplier = 1.0
min_wait = "4s"
max_wait = "10s"

[breaker]
failure_threshold = 5
success_threshold = 2
timeout = "30s"

[server]
addr = ":8000"
# gin mode: debug, release, test
mode = "release"
read_timeout = "15s"
write_timeout = "60s"
shutdown_timeout = "30s"
# Token bucket for trade endpoints (requests per second); 0 disables
trade_rate = 5.0
trade_burst = 10

[notifications]
enabled = false
# Notification level: all, trades_only, errors_only
level = "all"
timeout = "10s"
# Print notifications to stdout (useful with "trader serve" in a terminal)
console = false

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
chat_id = ""

[notifications.discord]
enabled = false

[notifications.kafka]
enabled = false
brokers = ["localhost:9092"]
topic = "mt5-trade-events"

[notifications.websocket]
enabled = true

[redis]
# Idempotency-Key cache; falls back to in-memory when disabled
enabled = false
addr = "localhost:6379"
db = 0
idempotency_ttl = "24h"

[store]
# SQLite execution journal
enabled = true
# path = "~/.config/mt5-trader/data/journal.db"

[logging]
level = "info"
console = true
json = false
file = true
max_size = 100
max_backups = 7
max_age = 30

[security]
# Enable read-only mode (blocks all trading operations)
read_only_mode = false
# Enable audit logging for all trading actions
audit_enabled = true

[automation]
# Start automation monitors when the server starts
auto_start = false
interval = "1s"
`

const credentialsTemplate = `# MT5 Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[mt5]
login = 0
password = ""
server = ""

[gateway]
token = ""

[telegram]
bot_token = ""

[discord]
webhook_url = ""

[redis]
password = ""
`

func createTemplateConfig(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config template: %w", err)
	}
	return path, nil
}

func createTemplateCredentials(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return "", fmt.Errorf("writing credentials template: %w", err)
	}
	return path, nil
}
