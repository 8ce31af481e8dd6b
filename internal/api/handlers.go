package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/internal/resilience"
	"mt5-trader/internal/security"
	"mt5-trader/internal/store"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Detail   string `json:"detail"`
	Code     string `json:"code,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// statusFor maps an error kind to an HTTP status. Business and validation
// failures are the caller's to handle; anything unexpected is a 500.
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInternal:
		return http.StatusInternalServerError
	case apperrors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	c.AbortWithStatusJSON(statusFor(kind), errorBody{Detail: err.Error(), Code: string(kind)})
}

// resultStatus maps a failed trade result to an HTTP status. A missing
// ticket is a trade failure here (400), not a lookup miss.
func resultStatus(res models.TradeResult) int {
	if apperrors.Kind(res.Code) == apperrors.KindInternal {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// respondResult writes a trade result: 200 on success, otherwise the
// failure's code with 400, or 500 for internal errors.
func respondResult(c *gin.Context, res models.TradeResult) {
	if res.OK() {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(resultStatus(res), errorBody{Detail: res.Message, Code: res.Code, Attempts: res.Attempts})
}

// tradeContext detaches the request context so a client disconnect does
// not abort an in-flight retry sequence.
func tradeContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		abortWithError(c, apperrors.NewValidationError("body", nil, err.Error()))
		return false
	}
	return true
}

func ticketParam(c *gin.Context) (uint64, bool) {
	raw := c.Param("ticket")
	ticket, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || ticket == 0 {
		abortWithError(c, apperrors.NewValidationError("ticket", raw, "must be a positive integer"))
		return 0, false
	}
	return ticket, true
}

func symbolParam(c *gin.Context) (string, bool) {
	symbol := c.Param("symbol")
	if err := security.ValidateSymbol(symbol); err != nil {
		abortWithError(c, err)
		return "", false
	}
	return symbol, true
}

// symbolQuery validates an optional ?symbol= filter.
func symbolQuery(c *gin.Context) (string, bool) {
	symbol := c.Query("symbol")
	if symbol == "" {
		return "", true
	}
	if err := security.ValidateSymbol(symbol); err != nil {
		abortWithError(c, err)
		return "", false
	}
	return symbol, true
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": resilience.HealthStatusHealthy, "timestamp": time.Now().UTC()})
		return
	}
	health := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if health.Status == resilience.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) placeMarketOrder(c *gin.Context) {
	var intent models.TradeIntent
	if !bindJSON(c, &intent) {
		return
	}
	if err := security.ValidateSymbol(intent.Symbol); err != nil {
		abortWithError(c, err)
		return
	}
	respondResult(c, s.svc.PlaceMarketOrder(tradeContext(c), intent))
}

func (s *Server) closePosition(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	respondResult(c, s.svc.ClosePosition(tradeContext(c), ticket))
}

func (s *Server) modifyPosition(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	var req models.ModifyRequest
	if !bindJSON(c, &req) {
		return
	}
	respondResult(c, s.svc.ModifyPosition(tradeContext(c), ticket, req))
}

func (s *Server) hedgePosition(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	respondResult(c, s.svc.HedgePosition(tradeContext(c), ticket))
}

// closeAll always answers 200; each result carries its own status.
func (s *Server) closeAll(c *gin.Context) {
	results := s.svc.CloseAll(tradeContext(c))
	if results == nil {
		results = []models.TradeResult{}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) placePending(c *gin.Context) {
	var req models.PendingOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := security.ValidateSymbol(req.Symbol); err != nil {
		abortWithError(c, err)
		return
	}
	respondResult(c, s.svc.PlacePendingOrder(tradeContext(c), req))
}

func (s *Server) cancelPending(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	respondResult(c, s.svc.CancelPendingOrder(tradeContext(c), ticket))
}

func (s *Server) listPositions(c *gin.Context) {
	symbol, ok := symbolQuery(c)
	if !ok {
		return
	}
	positions, err := s.svc.Positions(c.Request.Context(), symbol)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) listPending(c *gin.Context) {
	symbol, ok := symbolQuery(c)
	if !ok {
		return
	}
	orders, err := s.svc.PendingOrders(c.Request.Context(), symbol)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if orders == nil {
		orders = []models.PendingOrder{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) symbolInfo(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	info, err := s.svc.SymbolInfo(c.Request.Context(), symbol)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) quote(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	q, err := s.svc.Quote(c.Request.Context(), symbol)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) minAmount(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	amount, err := s.svc.MinAmount(c.Request.Context(), symbol)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "min_amount": amount})
}

func (s *Server) account(c *gin.Context) {
	info, err := s.svc.AccountInfo(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Automation

func (s *Server) automationState(c *gin.Context) {
	c.JSON(http.StatusOK, s.automation.Snapshot())
}

func (s *Server) startAutomation(c *gin.Context) {
	s.automation.Start(s.baseCtx)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Automation started"})
}

func (s *Server) stopAutomation(c *gin.Context) {
	s.automation.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Automation stopped"})
}

func (s *Server) removeAutomation(c *gin.Context) {
	id := c.Param("id")
	if !s.automation.Remove(id) {
		c.JSON(http.StatusNotFound, errorBody{Detail: "Strategy " + id + " not found", Code: string(apperrors.KindNotFound)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "id": id})
}

func (s *Server) addScheduled(c *gin.Context) {
	var st models.ScheduledTrade
	if !bindJSON(c, &st) {
		return
	}
	id, err := s.automation.AddScheduled(st)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Trade scheduled", "id": id})
}

func (s *Server) addConditional(c *gin.Context) {
	var co models.ConditionalOrder
	if !bindJSON(c, &co) {
		return
	}
	id, err := s.automation.AddConditional(co)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Conditional order created", "id": id})
}

func (s *Server) setupGrid(c *gin.Context) {
	var g models.GridConfig
	if !bindJSON(c, &g) {
		return
	}
	id, results, err := s.automation.SetupGrid(tradeContext(c), g)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Grid trading setup completed", "id": id, "orders": results})
}

func (s *Server) setupMartingale(c *gin.Context) {
	var mc models.MartingaleConfig
	if !bindJSON(c, &mc) {
		return
	}
	id, res, err := s.automation.SetupMartingale(tradeContext(c), mc)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Martingale strategy configured", "id": id, "initial_order": res})
}

// Journal

func (s *Server) listJournal(c *gin.Context) {
	filter := store.EventFilter{
		Operation: models.Operation(c.Query("operation")),
		Limit:     50,
	}
	symbol, ok := symbolQuery(c)
	if !ok {
		return
	}
	filter.Symbol = symbol
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			abortWithError(c, apperrors.NewValidationError("limit", raw, "must be between 1 and 1000"))
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			abortWithError(c, apperrors.NewValidationError("since", raw, "must be a positive duration such as 24h"))
			return
		}
		filter.Since = time.Now().Add(-d)
	}

	events, err := s.journal.RecentEvents(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if events == nil {
		events = []models.TradeEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) journalAttempts(c *gin.Context) {
	attempts, err := s.journal.AttemptsFor(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(attempts) == 0 {
		c.JSON(http.StatusNotFound, errorBody{Detail: "No attempts recorded for call " + c.Param("call_id"), Code: string(apperrors.KindNotFound)})
		return
	}
	c.JSON(http.StatusOK, attempts)
}

func (s *Server) journalStats(c *gin.Context) {
	since := 24 * time.Hour
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			abortWithError(c, apperrors.NewValidationError("since", raw, "must be a positive duration such as 24h"))
			return
		}
		since = d
	}
	stats, err := s.journal.Stats(c.Request.Context(), time.Now().Add(-since))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if stats == nil {
		stats = []store.OperationStats{}
	}
	c.JSON(http.StatusOK, stats)
}
