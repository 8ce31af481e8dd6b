package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ConsoleNotifier prints notifications to a terminal.
type ConsoleNotifier struct {
	out          io.Writer
	colorEnabled bool
	bellEnabled  bool
	mu           sync.Mutex
}

// NewConsoleNotifier creates a console channel writing to out (stdout when nil).
func NewConsoleNotifier(out io.Writer, colorEnabled bool) *ConsoleNotifier {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleNotifier{out: out, colorEnabled: colorEnabled}
}

// SetBellEnabled rings the terminal bell on error notifications.
func (c *ConsoleNotifier) SetBellEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bellEnabled = enabled
}

// Name returns the name of the notifier.
func (c *ConsoleNotifier) Name() string {
	return "console"
}

// IsEnabled returns whether the notifier is enabled.
func (c *ConsoleNotifier) IsEnabled() bool {
	return c.out != nil
}

// Send writes one formatted notification.
func (c *ConsoleNotifier) Send(ctx context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := FormatNotification(n, c.colorEnabled)
	if c.bellEnabled && n.Type == NotificationError {
		line = "\a" + line
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// FormatNotification formats a notification for terminal display.
func FormatNotification(n Notification, colorEnabled bool) string {
	var sb strings.Builder

	timestamp := n.Timestamp.Format("15:04:05")

	var typeIndicator, color, resetColor string
	if colorEnabled {
		resetColor = "\033[0m"
	}

	switch n.Type {
	case NotificationTrade:
		typeIndicator = "TRADE"
		if colorEnabled {
			color = "\033[35m" // Magenta
		}
	case NotificationError:
		typeIndicator = "ERROR"
		if colorEnabled {
			color = "\033[31m" // Red
		}
	default:
		typeIndicator = "INFO"
		if colorEnabled {
			color = "\033[37m" // White
		}
	}

	sb.WriteString(fmt.Sprintf("%s[%s] %s%s", color, timestamp, typeIndicator, resetColor))
	if n.Title != "" {
		sb.WriteString(fmt.Sprintf(" | %s", n.Title))
	}

	lines := strings.Split(n.Message, "\n")
	if len(lines) > 0 && lines[0] != "" {
		sb.WriteString(fmt.Sprintf(" | %s", lines[0]))
	}
	for _, l := range lines[1:] {
		sb.WriteString(fmt.Sprintf("\n    → %s", l))
	}

	return sb.String()
}
