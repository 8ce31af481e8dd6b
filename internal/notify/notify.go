// Package notify delivers trade notifications to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mt5-trader/internal/config"
)

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade NotificationType = "trade"
	NotificationError NotificationType = "error"
	NotificationInfo  NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

const defaultTimeout = 10 * time.Second

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier with the channels enabled in cfg.
// Secrets come from creds.
func NewMultiNotifier(cfg config.NotificationConfig, creds config.Credentials) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}
	if mn.level == "" {
		mn.level = LevelAll
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook, timeout))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(creds.Telegram.BotToken, cfg.Telegram.ChatID, timeout))
	}
	if cfg.Discord.Enabled {
		mn.channels = append(mn.channels, NewDiscordNotifier(creds.Discord.WebhookURL, timeout))
	}
	if cfg.Kafka.Enabled {
		mn.channels = append(mn.channels, NewKafkaNotifier(cfg.Kafka))
	}
	if cfg.Console {
		mn.channels = append(mn.channels, NewConsoleNotifier(nil, true))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the enabled channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			names = append(names, ch.Name())
		}
	}
	return names
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade
	case LevelErrorsOnly:
		return notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Close releases channels that hold connections.
func (mn *MultiNotifier) Close() error {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	var errs []string
	for _, ch := range mn.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing notifiers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// postJSON posts payload and returns the response status code.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MT5Trader/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	status, err := postJSON(ctx, w.client, w.url, payload)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("webhook returned status %d", status)
	}
	return nil
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(botToken, chatID string, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
		enabled:  botToken != "" && chatID != "",
		client:   &http.Client{Timeout: timeout},
	}
}

// SetAPIBase points the notifier at a different Bot API host.
func (t *TelegramNotifier) SetAPIBase(base string) {
	t.apiBase = strings.TrimRight(base, "/")
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	status, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", status)
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// DiscordNotifier posts notifications to a Discord webhook.
type DiscordNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewDiscordNotifier creates a new DiscordNotifier.
func NewDiscordNotifier(webhookURL string, timeout time.Duration) *DiscordNotifier {
	return &DiscordNotifier{
		url:     webhookURL,
		enabled: webhookURL != "",
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the notifier.
func (d *DiscordNotifier) Name() string {
	return "discord"
}

// IsEnabled returns whether the notifier is enabled.
func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

// Send posts the notification as webhook content.
// Discord answers 204 unless ?wait=true is set.
func (d *DiscordNotifier) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"content": fmt.Sprintf("**%s**\n%s", n.Title, n.Message),
	}

	status, err := postJSON(ctx, d.client, d.url, payload)
	if err != nil {
		return fmt.Errorf("sending discord message: %w", err)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("discord webhook returned status %d", status)
	}
	return nil
}

// Broadcaster fans a message out to connected stream clients.
type Broadcaster interface {
	Broadcast(v interface{}) int
}

// HubNotifier pushes notifications to WebSocket clients.
type HubNotifier struct {
	hub Broadcaster
}

// NewHubNotifier creates a channel that broadcasts through hub.
func NewHubNotifier(hub Broadcaster) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Name returns the name of the notifier.
func (h *HubNotifier) Name() string {
	return "websocket"
}

// IsEnabled returns whether the notifier is enabled.
func (h *HubNotifier) IsEnabled() bool {
	return h.hub != nil
}

// Send broadcasts n; clients that are not connected simply miss it.
func (h *HubNotifier) Send(ctx context.Context, n Notification) error {
	if h.hub == nil {
		return nil
	}
	h.hub.Broadcast(n)
	return nil
}
