package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mt5-trader/internal/broker"
	"mt5-trader/internal/config"
	"mt5-trader/internal/metrics"
	"mt5-trader/internal/notify"
	"mt5-trader/internal/resilience"
	"mt5-trader/internal/security"
	"mt5-trader/internal/store"
	"mt5-trader/internal/stream"
	"mt5-trader/internal/trading"
)

// runtime is the set of components a command runs against. Optional parts
// are nil when disabled in configuration.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	session  *broker.Session
	service  *trading.Service
	recorder *metrics.Recorder
	access   *security.AccessController

	journal    *store.SQLiteJournal
	redis      *store.RedisIdempotency
	idem       store.IdempotencyStore
	audit      *security.AuditLogger
	hub        *stream.Hub
	notifier   *notify.MultiNotifier
	dispatcher *notify.Dispatcher
}

func newTerminal(cfg *config.Config) broker.Terminal {
	if cfg.IsPaperMode() {
		return broker.NewPaperTerminal(broker.PaperTerminalConfig{InitialBalance: cfg.Terminal.PaperBalance})
	}
	return broker.NewGatewayTerminal(broker.GatewayConfig{
		BaseURL: cfg.Terminal.GatewayURL,
		Token:   cfg.Credentials.Gateway.Token,
		Timeout: cfg.Terminal.Timeout,
	})
}

func serviceConfig(cfg *config.Config) trading.ServiceConfig {
	sc := trading.DefaultServiceConfig()
	sc.Builder.Deviation = cfg.Trading.Deviation
	sc.Builder.Magic = cfg.Trading.Magic
	if filling, ok := broker.ParseFillingPolicy(cfg.Trading.Filling); ok {
		sc.Builder.Filling = filling
	}
	if cfg.Trading.CommentTag != "" {
		sc.Builder.Comment = cfg.Trading.CommentTag
	}
	sc.Policy = cfg.Retry.Policy()
	sc.SettleDelay = cfg.Trading.SettleDelay
	sc.Breaker = cfg.Breaker.CircuitBreaker()
	return sc
}

// newRuntime connects to the terminal and wires the trading service with its
// journal, audit trail, guard, metrics and notification sinks. withHub adds
// the WebSocket hub as a notification channel.
func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withHub bool) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}

	if cfg.Security.AuditEnabled {
		auditCfg := security.DefaultAuditConfig()
		auditCfg.LogDir = cfg.Security.AuditDir
		audit, err := security.NewAuditLogger(auditCfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Audit trail unavailable")
		} else {
			rt.audit = audit
		}
	}

	rt.session = broker.NewSession(newTerminal(cfg), broker.SessionConfig{
		ConnectAttempts: cfg.Terminal.ConnectAttempts,
		ConnectDelay:    cfg.Terminal.ConnectDelay,
	}, logger)
	rt.session.OnConnectionChange(rt.recorder.SetConnected)

	creds := cfg.BrokerCredentials()
	_, err := rt.session.Connect(ctx, creds)
	if rt.audit != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		rt.audit.LogConnection(ctx, creds.Login, creds.Server, err == nil, msg)
		rt.audit.SetAccount(creds.Login, creds.Server)
	}
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("connecting to %s terminal: %w", cfg.Terminal.Mode, err)
	}

	rt.service = trading.NewService(rt.session, serviceConfig(cfg), logger)
	rt.service.SetMetrics(rt.recorder)
	rt.service.Breaker().OnStateChange(rt.recorder.ObserveBreaker)

	rt.access = security.NewAccessController(cfg.Security.ReadOnlyMode, rt.audit)
	rt.service.SetGuard(rt.access)
	if rt.audit != nil {
		rt.service.SetAuditor(rt.audit)
	}

	if cfg.Store.Enabled {
		journal, err := store.NewSQLiteJournal(cfg.Store.Path)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Store.Path).Msg("Execution journal unavailable")
		} else {
			rt.journal = journal
			rt.service.SetJournal(journal)
		}
	}

	if cfg.Redis.Enabled {
		client := store.NewRedisClient(cfg.Redis.Addr, cfg.Credentials.Redis.Password, cfg.Redis.DB)
		rt.redis = store.NewRedisIdempotency(client, cfg.Redis.IdempotencyTTL)
		rt.idem = rt.redis
	} else {
		rt.idem = store.NewMemoryIdempotency(cfg.Redis.IdempotencyTTL)
	}

	if cfg.Notifications.Enabled || withHub {
		rt.notifier = notify.NewMultiNotifier(cfg.Notifications, cfg.Credentials)
		if withHub && cfg.Notifications.WebSocket.Enabled {
			rt.hub = stream.NewHub(logger)
			rt.notifier.AddChannel(notify.NewHubNotifier(rt.hub))
			rt.recorder.RegisterGaugeFunc("ws_clients", "Connected notification WebSocket clients.", func() float64 {
				return float64(rt.hub.ClientCount())
			})
		}
		if len(rt.notifier.Channels()) > 0 {
			rt.dispatcher = notify.NewDispatcher(rt.notifier, 256, cfg.Notifications.Timeout, logger)
			rt.service.SetNotifier(rt.dispatcher)
			rt.recorder.RegisterGaugeFunc("notifications_dropped", "Notifications dropped because the queue was full.", func() float64 {
				return float64(rt.dispatcher.Dropped())
			})
			logger.Info().Strs("channels", rt.notifier.Channels()).Msg("Notifications enabled")
		}
	}

	return rt, nil
}

// healthMonitor registers a check per wired component.
func (rt *runtime) healthMonitor() *resilience.HealthMonitor {
	hm := resilience.NewHealthMonitor(5 * time.Second)
	hm.RegisterComponent("terminal", resilience.ConnectionHealthCheck(rt.service.Ping))
	hm.RegisterComponent("order_send", resilience.CircuitBreakerHealthCheck(rt.service.Breaker()))
	if rt.journal != nil {
		hm.RegisterComponent("journal", resilience.PingHealthCheck(rt.journal.Ping, time.Second))
	}
	if rt.redis != nil {
		hm.RegisterComponent("redis", resilience.PingHealthCheck(rt.redis.Ping, 500*time.Millisecond))
	}
	return hm
}

// Close releases everything in reverse order of construction. Queued
// notifications are flushed before the session goes away.
func (rt *runtime) Close() {
	if rt.dispatcher != nil {
		rt.dispatcher.Close()
	}
	if rt.notifier != nil {
		if err := rt.notifier.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Closing notification channels")
		}
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
	if rt.journal != nil {
		rt.journal.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if rt.session != nil {
		if err := rt.session.Shutdown(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("Terminal shutdown failed")
		}
	}
	if rt.audit != nil {
		rt.audit.LogDisconnect(ctx)
		rt.audit.Close()
	}
}
