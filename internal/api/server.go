// Package api exposes the trading service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mt5-trader/internal/automation"
	"mt5-trader/internal/config"
	"mt5-trader/internal/models"
	"mt5-trader/internal/resilience"
	"mt5-trader/internal/store"
)

// TradingService is the trading surface served over HTTP. *trading.Service
// satisfies it.
type TradingService interface {
	PlaceMarketOrder(ctx context.Context, intent models.TradeIntent) models.TradeResult
	ClosePosition(ctx context.Context, ticket uint64) models.TradeResult
	ModifyPosition(ctx context.Context, ticket uint64, m models.ModifyRequest) models.TradeResult
	HedgePosition(ctx context.Context, ticket uint64) models.TradeResult
	CloseAll(ctx context.Context) []models.TradeResult
	PlacePendingOrder(ctx context.Context, req models.PendingOrderRequest) models.TradeResult
	CancelPendingOrder(ctx context.Context, ticket uint64) models.TradeResult

	Positions(ctx context.Context, symbol string) ([]models.Position, error)
	PendingOrders(ctx context.Context, symbol string) ([]models.PendingOrder, error)
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	Quote(ctx context.Context, symbol string) (*models.Quote, error)
	MinAmount(ctx context.Context, symbol string) (float64, error)
	AccountInfo(ctx context.Context) (*models.AccountInfo, error)
}

// Automation is the strategy manager served under /automation.
// *automation.Manager satisfies it.
type Automation interface {
	AddScheduled(st models.ScheduledTrade) (string, error)
	AddConditional(co models.ConditionalOrder) (string, error)
	SetupGrid(ctx context.Context, g models.GridConfig) (string, []models.TradeResult, error)
	SetupMartingale(ctx context.Context, mc models.MartingaleConfig) (string, models.TradeResult, error)
	Remove(id string) bool
	Start(ctx context.Context)
	Stop()
	Snapshot() automation.State
}

// Server is the HTTP facade.
type Server struct {
	svc    TradingService
	cfg    config.ServerConfig
	logger zerolog.Logger

	automation Automation
	journal    store.JournalStore
	idem       store.IdempotencyStore
	health     *resilience.HealthMonitor
	metrics    http.Handler
	ws         http.HandlerFunc
	limiter    *RateLimiter

	// baseCtx parents automation started over HTTP.
	baseCtx context.Context
}

// NewServer creates a server for svc.
func NewServer(svc TradingService, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
		limiter: NewRateLimiter(cfg.TradeRate, cfg.TradeBurst),
		baseCtx: context.Background(),
	}
}

// SetAutomation enables the /automation routes.
func (s *Server) SetAutomation(a Automation) { s.automation = a }

// SetJournal enables the /journal routes.
func (s *Server) SetJournal(j store.JournalStore) { s.journal = j }

// SetIdempotency enables Idempotency-Key handling on mutating routes.
func (s *Server) SetIdempotency(i store.IdempotencyStore) { s.idem = i }

// SetHealth sets the monitor behind /health.
func (s *Server) SetHealth(h *resilience.HealthMonitor) { s.health = h }

// SetMetricsHandler enables /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// SetWebSocketHandler enables /ws/notifications.
func (s *Server) SetWebSocketHandler(h http.HandlerFunc) { s.ws = h }

// SetRateLimiter replaces the trade endpoint limiter.
func (s *Server) SetRateLimiter(l *RateLimiter) { s.limiter = l }

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	if s.cfg.Mode != "" {
		gin.SetMode(s.cfg.Mode)
	}
	r := gin.New()
	r.Use(recovery(s.logger), requestLogger(s.logger))

	r.GET("/health", s.getHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.ws != nil {
		r.GET("/ws/notifications", gin.WrapF(s.ws))
	}

	// Mutating trade routes share the rate limit and idempotency handling.
	trade := r.Group("", rateLimit(s.limiter), idempotency(s.idem, s.logger))
	trade.POST("/trading/market-order", s.placeMarketOrder)
	trade.DELETE("/positions/:ticket", s.closePosition)
	trade.POST("/positions/:ticket/modify", s.modifyPosition)
	trade.POST("/positions/close-all", s.closeAll)
	trade.POST("/positions/hedge/:ticket", s.hedgePosition)
	trade.POST("/orders/pending", s.placePending)
	trade.DELETE("/orders/pending/:ticket", s.cancelPending)

	r.GET("/positions", s.listPositions)
	r.GET("/orders/pending", s.listPending)
	r.GET("/market/symbols/:symbol", s.symbolInfo)
	r.GET("/market/quote/:symbol", s.quote)
	r.GET("/market/min-amount/:symbol", s.minAmount)
	r.GET("/account", s.account)

	if s.automation != nil {
		auto := r.Group("/automation")
		auto.GET("", s.automationState)
		auto.POST("/start", s.startAutomation)
		auto.POST("/stop", s.stopAutomation)
		auto.DELETE("/:id", s.removeAutomation)

		strat := auto.Group("", idempotency(s.idem, s.logger))
		strat.POST("/scheduled", s.addScheduled)
		strat.POST("/conditional", s.addConditional)
		strat.POST("/grid", rateLimit(s.limiter), s.setupGrid)
		strat.POST("/martingale", rateLimit(s.limiter), s.setupMartingale)
	}

	if s.journal != nil {
		r.GET("/journal", s.listJournal)
		r.GET("/journal/stats", s.journalStats)
		r.GET("/journal/:call_id/attempts", s.journalAttempts)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Detail: "Not found"})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Automation started over HTTP is parented to ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		MaxHeaderBytes:    1 << 16,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
