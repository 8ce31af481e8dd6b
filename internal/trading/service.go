package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mt5-trader/internal/broker"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/logging"
	"mt5-trader/internal/models"
	"mt5-trader/internal/resilience"
	"mt5-trader/pkg/utils"
)

// Connection is the terminal session used by the service. *broker.Session
// satisfies it.
type Connection interface {
	MarketData
	StateReader
	Sender
	EnsureConnected(ctx context.Context) bool
	Lock(key string) func()
	AccountInfo(ctx context.Context) (*models.AccountInfo, error)
}

// Notifier receives finished trade events. Publish must not block on delivery.
type Notifier interface {
	Publish(ctx context.Context, event models.TradeEvent)
}

// Journal persists attempts and finished events.
type Journal interface {
	RecordAttempt(ctx context.Context, rec models.AttemptRecord) error
	RecordEvent(ctx context.Context, event models.TradeEvent) error
}

// Auditor writes the trade audit trail.
type Auditor interface {
	LogTrade(ctx context.Context, event models.TradeEvent)
}

// Guard decides whether an operation may run.
type Guard interface {
	Allow(op models.Operation) error
}

// Metrics records execution statistics.
type Metrics interface {
	ObserveResult(op models.Operation, result models.TradeResult, elapsed time.Duration)
	ObserveAttempt(op models.Operation, stage string, err error)
	ObserveRetry(op models.Operation)
}

// ServiceConfig configures the execution pipeline.
type ServiceConfig struct {
	Builder     BuilderConfig
	Policy      utils.RetryPolicy
	SettleDelay time.Duration
	Breaker     resilience.CircuitBreakerConfig
}

// DefaultServiceConfig returns the default pipeline configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Builder:     DefaultBuilderConfig(),
		Policy:      utils.DefaultRetryPolicy(),
		SettleDelay: time.Second,
		Breaker:     resilience.DefaultCircuitBreakerConfig(),
	}
}

// Service is the public entry point for trade operations. Every trade
// operation returns a TradeResult; none returns an error or panics.
type Service struct {
	conn       Connection
	builder    *RequestBuilder
	executor   *Executor
	verifier   *Verifier
	supervisor *Supervisor
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger

	notifier Notifier
	journal  Journal
	auditor  Auditor
	guard    Guard
	metrics  Metrics

	newID func() string
}

// NewService wires the builder, executor, verifier and supervisor around conn.
func NewService(conn Connection, cfg ServiceConfig, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "trading").Logger()
	breaker := resilience.NewCircuitBreaker("order_send", cfg.Breaker, logger)
	return &Service{
		conn:       conn,
		builder:    NewRequestBuilder(conn, cfg.Builder),
		executor:   NewExecutor(conn, breaker, logger),
		verifier:   NewVerifier(conn, cfg.SettleDelay, logger),
		supervisor: NewSupervisor(cfg.Policy, logger),
		breaker:    breaker,
		logger:     logger,
		newID:      func() string { return uuid.NewString() },
	}
}

// SetNotifier sets the notification sink.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetJournal sets the execution journal.
func (s *Service) SetJournal(j Journal) { s.journal = j }

// SetAuditor sets the audit trail writer.
func (s *Service) SetAuditor(a Auditor) { s.auditor = a }

// SetGuard sets the operation guard.
func (s *Service) SetGuard(g Guard) { s.guard = g }

// SetMetrics sets the metrics recorder.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
	s.supervisor.onRetry = func(op models.Operation, _ int, _ error) {
		m.ObserveRetry(op)
	}
}

// Breaker returns the circuit breaker guarding order submission.
func (s *Service) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Builder returns the request builder.
func (s *Service) Builder() *RequestBuilder { return s.builder }

// call carries per-operation identity through an execution.
type call struct {
	id     string
	tag    string
	op     models.Operation
	logger zerolog.Logger
	start  time.Time
}

func (s *Service) begin(ctx context.Context, op models.Operation, symbol string) (context.Context, *call) {
	id := s.newID()
	logger := logging.WithCallID(logging.WithOperation(s.logger, string(op)), id)
	if symbol != "" {
		logger = logging.WithSymbol(logger, symbol)
	}
	c := &call{
		id:     id,
		tag:    callTag(id),
		op:     op,
		logger: logger,
		start:  time.Now(),
	}
	return logging.WithLogger(ctx, logger), c
}

// callTag derives the short tag appended to order comments.
func callTag(id string) string {
	tag := strings.ReplaceAll(id, "-", "")
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return tag
}

// precheck runs the guard and the connection probe.
func (s *Service) precheck(ctx context.Context, op models.Operation) error {
	if s.guard != nil {
		if err := s.guard.Allow(op); err != nil {
			return err
		}
	}
	if !s.conn.EnsureConnected(ctx) {
		return apperrors.Wrap(apperrors.ErrNotConnected, "Failed to connect to trading terminal")
	}
	return nil
}

// execute runs one single-result operation under lockKey.
func (s *Service) execute(ctx context.Context, op models.Operation, symbol, lockKey string, intent *models.TradeIntent, invalid error,
	fn func(ctx context.Context, c *call) models.TradeResult) models.TradeResult {

	ctx, c := s.begin(ctx, op, symbol)

	var result models.TradeResult
	if invalid != nil {
		result = failure(invalid)
	} else if err := s.precheck(ctx, op); err != nil {
		result = failure(err)
	} else {
		unlock := s.conn.Lock(lockKey)
		result = fn(ctx, c)
		unlock()
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}

	s.finish(ctx, c, symbol, intent, []models.TradeResult{result})
	return result
}

func (s *Service) finish(ctx context.Context, c *call, symbol string, intent *models.TradeIntent, results []models.TradeResult) {
	elapsed := time.Since(c.start)
	for _, r := range results {
		logging.LogResult(c.logger, r, elapsed)
		if s.metrics != nil {
			s.metrics.ObserveResult(c.op, r, elapsed)
		}
	}

	event := models.TradeEvent{
		CallID:    c.id,
		Operation: c.op,
		Symbol:    symbol,
		Intent:    intent,
		Results:   results,
		Timestamp: time.Now().UTC(),
	}
	if s.journal != nil {
		if err := s.journal.RecordEvent(ctx, event); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to journal trade event")
		}
	}
	if s.auditor != nil {
		s.auditor.LogTrade(ctx, event)
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, event)
	}
}

func (s *Service) record(ctx context.Context, c *call, attempt int, stage string, ticket uint64, retcode uint32, err error) {
	if s.metrics != nil {
		s.metrics.ObserveAttempt(c.op, stage, err)
	}
	if s.journal == nil {
		return
	}
	rec := models.AttemptRecord{
		CallID:    c.id,
		Operation: c.op,
		Attempt:   attempt,
		Stage:     stage,
		Ticket:    ticket,
		Retcode:   retcode,
		At:        time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := s.journal.RecordAttempt(ctx, rec); jerr != nil {
		c.logger.Warn().Err(jerr).Msg("Failed to journal attempt")
	}
}

func (s *Service) recordSubmit(ctx context.Context, c *call, attempt int, out *SubmissionOutcome, err error) {
	var ticket uint64
	var retcode uint32
	if out != nil {
		ticket, retcode = out.Ticket, out.Retcode
	}
	s.record(ctx, c, attempt, "submit", ticket, retcode, err)
}

func failure(err error) models.TradeResult {
	return models.Failed(string(apperrors.KindOf(err)), err.Error())
}

func isTransport(err error) bool {
	var be *apperrors.BrokerError
	return errors.As(err, &be)
}

func symbolKey(symbol string) string { return "symbol:" + symbol }

func ticketKey(ticket uint64) string { return fmt.Sprintf("ticket:%d", ticket) }

// PlaceMarketOrder opens a position for intent and verifies it.
func (s *Service) PlaceMarketOrder(ctx context.Context, intent models.TradeIntent) models.TradeResult {
	invalid := ValidateIntent(&intent)
	return s.execute(ctx, models.OpOpen, intent.Symbol, symbolKey(intent.Symbol), &intent, invalid,
		func(ctx context.Context, c *call) models.TradeResult {
			return s.openPosition(ctx, c, &intent, "Order placed and verified successfully")
		})
}

// openPosition submits intent until a matching position is verified. After
// an acknowledged or possibly delivered submission, later attempts look for
// the earlier position before sending again.
func (s *Service) openPosition(ctx context.Context, c *call, intent *models.TradeIntent, successMsg string) models.TradeResult {
	var (
		acked     uint64
		uncertain bool
	)
	return s.supervisor.Run(ctx, c.op, func(ctx context.Context, attempt int) (models.TradeResult, error) {
		if acked != 0 || uncertain {
			res, done, err := s.recheckOpen(ctx, c, attempt, &acked, intent, successMsg)
			if done || err != nil {
				return res, err
			}
			uncertain = false
		}

		req, err := s.builder.Build(ctx, intent, c.tag)
		if err != nil {
			return models.TradeResult{}, err
		}
		out, err := s.executor.Submit(ctx, req)
		s.recordSubmit(ctx, c, attempt, out, err)
		if err != nil {
			uncertain = isTransport(err)
			return models.TradeResult{}, err
		}
		acked = out.Ticket

		verdict, err := s.verifier.VerifyOpen(ctx, out.Ticket, intent)
		if err != nil {
			return models.TradeResult{}, err
		}
		verr := verdict.Err(out.Ticket)
		s.record(ctx, c, attempt, "verify", out.Ticket, 0, verr)
		if verr != nil {
			return models.TradeResult{}, verr
		}
		return models.Succeeded(out.Ticket, intent.Symbol, successMsg), nil
	})
}

// recheckOpen looks for a position created by an earlier attempt, first by
// its acknowledged ticket, then by the call tag. done is false when nothing
// was found and the intent should be submitted again.
func (s *Service) recheckOpen(ctx context.Context, c *call, attempt int, acked *uint64, intent *models.TradeIntent, successMsg string) (models.TradeResult, bool, error) {
	var pos *models.Position
	if *acked != 0 {
		p, err := s.verifier.FindPosition(ctx, *acked)
		if err != nil {
			return models.TradeResult{}, true, err
		}
		pos = p
	}
	if pos == nil {
		p, err := s.verifier.FindTagged(ctx, intent.Symbol, c.tag)
		if err != nil {
			return models.TradeResult{}, true, err
		}
		pos = p
	}
	if pos == nil {
		*acked = 0
		return models.TradeResult{}, false, nil
	}

	*acked = pos.Ticket
	verdict := s.verifier.CompareOpen(ctx, pos, intent)
	verr := verdict.Err(pos.Ticket)
	s.record(ctx, c, attempt, "recheck", pos.Ticket, 0, verr)
	if verr != nil {
		// Never resubmit while the earlier position exists.
		return models.TradeResult{}, true, verr
	}
	c.logger.Info().Uint64("ticket", pos.Ticket).Msg("Earlier submission verified on recheck")
	return models.Succeeded(pos.Ticket, intent.Symbol, successMsg), true, nil
}

// ClosePosition closes position ticket in full.
func (s *Service) ClosePosition(ctx context.Context, ticket uint64) models.TradeResult {
	return s.execute(ctx, models.OpClose, "", ticketKey(ticket), nil, nil,
		func(ctx context.Context, c *call) models.TradeResult {
			return s.closePosition(ctx, c, ticket)
		})
}

// closePosition reports a missing position as not found on the first
// attempt and as already closed once an earlier attempt was sent.
func (s *Service) closePosition(ctx context.Context, c *call, ticket uint64) models.TradeResult {
	var (
		sent   bool
		symbol string
		profit float64
	)
	closed := func(msg string) models.TradeResult {
		return models.Succeeded(ticket, symbol, msg).WithProfit(profit)
	}

	return s.supervisor.Run(ctx, c.op, func(ctx context.Context, attempt int) (models.TradeResult, error) {
		pos, err := s.verifier.FindPosition(ctx, ticket)
		if err != nil {
			return models.TradeResult{}, err
		}
		if pos == nil {
			if sent {
				return closed("Position already closed"), nil
			}
			return models.TradeResult{}, apperrors.PositionNotFound(ticket)
		}
		symbol = pos.Symbol

		req, err := s.builder.BuildClose(ctx, *pos, c.tag)
		if err != nil {
			return models.TradeResult{}, err
		}
		out, err := s.executor.Submit(ctx, req)
		s.recordSubmit(ctx, c, attempt, out, err)
		if err != nil {
			var rej *apperrors.RejectionError
			if errors.As(err, &rej) && rej.Retcode == broker.RetcodePositionClosed {
				if verdict, verr := s.verifier.VerifyClose(ctx, ticket); verr == nil && verdict.Passed {
					return closed("Position already closed"), nil
				}
			}
			sent = sent || isTransport(err)
			return models.TradeResult{}, err
		}
		sent = true
		profit = out.Profit

		verdict, err := s.verifier.VerifyClose(ctx, ticket)
		if err != nil {
			return models.TradeResult{}, err
		}
		verr := verdict.Err(ticket)
		s.record(ctx, c, attempt, "verify", ticket, 0, verr)
		if verr != nil {
			return models.TradeResult{}, verr
		}
		return closed("Position closed successfully"), nil
	})
}

// ModifyPosition changes the SL and/or TP of position ticket.
func (s *Service) ModifyPosition(ctx context.Context, ticket uint64, m models.ModifyRequest) models.TradeResult {
	var invalid error
	if m.Empty() {
		invalid = apperrors.NewValidationError("stop_loss", nil, "at least one of stop_loss or take_profit is required")
	} else if (m.StopLoss != nil && *m.StopLoss < 0) || (m.TakeProfit != nil && *m.TakeProfit < 0) {
		invalid = apperrors.NewValidationError("stop_loss", nil, "levels must not be negative")
	}
	return s.execute(ctx, models.OpModify, "", ticketKey(ticket), nil, invalid,
		func(ctx context.Context, c *call) models.TradeResult {
			return s.modifyPosition(ctx, c, ticket, m)
		})
}

func (s *Service) modifyPosition(ctx context.Context, c *call, ticket uint64, m models.ModifyRequest) models.TradeResult {
	var sent bool
	return s.supervisor.Run(ctx, c.op, func(ctx context.Context, attempt int) (models.TradeResult, error) {
		pos, err := s.verifier.FindPosition(ctx, ticket)
		if err != nil {
			return models.TradeResult{}, err
		}
		if pos == nil {
			return models.TradeResult{}, apperrors.PositionNotFound(ticket)
		}
		if s.verifier.CompareLevels(ctx, pos, m).Passed {
			msg := "Position already at requested levels"
			if sent {
				msg = "Position modified successfully"
			}
			return models.Succeeded(ticket, pos.Symbol, msg), nil
		}

		out, err := s.executor.Submit(ctx, s.builder.BuildModify(*pos, m))
		s.recordSubmit(ctx, c, attempt, out, err)
		if err != nil {
			sent = sent || isTransport(err)
			return models.TradeResult{}, err
		}
		sent = true

		verdict, err := s.verifier.VerifyModify(ctx, ticket, m)
		if err != nil {
			return models.TradeResult{}, err
		}
		verr := verdict.Err(ticket)
		s.record(ctx, c, attempt, "verify", ticket, 0, verr)
		if verr != nil {
			return models.TradeResult{}, verr
		}
		return models.Succeeded(ticket, pos.Symbol, "Position modified successfully"), nil
	})
}

// HedgePosition opens a position opposite to ticket with the same volume.
func (s *Service) HedgePosition(ctx context.Context, ticket uint64) models.TradeResult {
	return s.execute(ctx, models.OpHedge, "", ticketKey(ticket), nil, nil,
		func(ctx context.Context, c *call) models.TradeResult {
			pos, err := s.verifier.FindPosition(ctx, ticket)
			if err != nil {
				return failure(err)
			}
			if pos == nil {
				return failure(apperrors.PositionNotFound(ticket))
			}
			intent := HedgeIntent(*pos)

			unlock := s.conn.Lock(symbolKey(pos.Symbol))
			defer unlock()
			return s.openPosition(ctx, c, &intent, "Hedge position created successfully")
		})
}

// CloseAll closes every open position one by one. One failure does not
// stop the batch; the result list has one entry per position.
func (s *Service) CloseAll(ctx context.Context) []models.TradeResult {
	ctx, c := s.begin(ctx, models.OpCloseAll, "")

	var results []models.TradeResult
	if err := s.precheck(ctx, models.OpCloseAll); err != nil {
		results = []models.TradeResult{failure(err)}
	} else if positions, err := s.conn.Positions(ctx, broker.Filter{}); err != nil {
		results = []models.TradeResult{failure(apperrors.Wrap(err, "list positions"))}
	} else {
		results = make([]models.TradeResult, 0, len(positions))
		for _, p := range positions {
			unlock := s.conn.Lock(ticketKey(p.Ticket))
			r := s.closePosition(ctx, c, p.Ticket)
			unlock()
			if r.Symbol == "" {
				r.Symbol = p.Symbol
			}
			if !r.OK() && r.Ticket == 0 {
				r.Ticket = p.Ticket
			}
			results = append(results, r)
		}
	}

	s.finish(ctx, c, "", nil, results)
	return results
}

// PlacePendingOrder places a resting order and verifies it.
func (s *Service) PlacePendingOrder(ctx context.Context, req models.PendingOrderRequest) models.TradeResult {
	invalid := ValidatePending(&req)
	return s.execute(ctx, models.OpPendingPlace, req.Symbol, symbolKey(req.Symbol), &req.TradeIntent, invalid,
		func(ctx context.Context, c *call) models.TradeResult {
			return s.placePending(ctx, c, &req)
		})
}

func (s *Service) placePending(ctx context.Context, c *call, req *models.PendingOrderRequest) models.TradeResult {
	const successMsg = "Pending order placed successfully"
	var (
		acked     uint64
		uncertain bool
	)
	return s.supervisor.Run(ctx, c.op, func(ctx context.Context, attempt int) (models.TradeResult, error) {
		if acked != 0 {
			verdict, err := s.verifier.VerifyPending(ctx, acked, req)
			if err != nil {
				return models.TradeResult{}, err
			}
			if verdict.Passed {
				return models.Succeeded(acked, req.Symbol, successMsg), nil
			}
			if verdict.Snapshot != nil {
				return models.TradeResult{}, verdict.Err(acked)
			}
			acked = 0
			uncertain = true
		}
		if uncertain {
			order, err := s.verifier.FindTaggedOrder(ctx, req.Symbol, c.tag)
			if err != nil {
				return models.TradeResult{}, err
			}
			if order != nil {
				acked = order.Ticket
				if err := s.verifier.ComparePending(ctx, order, req).Err(order.Ticket); err != nil {
					return models.TradeResult{}, err
				}
				return models.Succeeded(order.Ticket, req.Symbol, successMsg), nil
			}
			uncertain = false
		}

		wire, err := s.builder.BuildPending(ctx, req, c.tag)
		if err != nil {
			return models.TradeResult{}, err
		}
		out, err := s.executor.Submit(ctx, wire)
		s.recordSubmit(ctx, c, attempt, out, err)
		if err != nil {
			uncertain = isTransport(err)
			return models.TradeResult{}, err
		}
		acked = out.Ticket

		verdict, err := s.verifier.VerifyPending(ctx, out.Ticket, req)
		if err != nil {
			return models.TradeResult{}, err
		}
		verr := verdict.Err(out.Ticket)
		s.record(ctx, c, attempt, "verify", out.Ticket, 0, verr)
		if verr != nil {
			return models.TradeResult{}, verr
		}
		return models.Succeeded(out.Ticket, req.Symbol, successMsg), nil
	})
}

// CancelPendingOrder removes pending order ticket.
func (s *Service) CancelPendingOrder(ctx context.Context, ticket uint64) models.TradeResult {
	return s.execute(ctx, models.OpPendingCancel, "", ticketKey(ticket), nil, nil,
		func(ctx context.Context, c *call) models.TradeResult {
			return s.cancelPending(ctx, c, ticket)
		})
}

func (s *Service) cancelPending(ctx context.Context, c *call, ticket uint64) models.TradeResult {
	var (
		sent   bool
		symbol string
	)
	return s.supervisor.Run(ctx, c.op, func(ctx context.Context, attempt int) (models.TradeResult, error) {
		order, err := s.verifier.FindOrder(ctx, ticket)
		if err != nil {
			return models.TradeResult{}, err
		}
		if order == nil {
			if sent {
				return models.Succeeded(ticket, symbol, "Order already cancelled"), nil
			}
			return models.TradeResult{}, apperrors.OrderNotFound(ticket)
		}
		symbol = order.Symbol

		out, err := s.executor.Submit(ctx, s.builder.BuildCancel(ticket))
		s.recordSubmit(ctx, c, attempt, out, err)
		if err != nil {
			sent = sent || isTransport(err)
			return models.TradeResult{}, err
		}
		sent = true

		verdict, err := s.verifier.VerifyCancel(ctx, ticket)
		if err != nil {
			return models.TradeResult{}, err
		}
		verr := verdict.Err(ticket)
		s.record(ctx, c, attempt, "verify", ticket, 0, verr)
		if verr != nil {
			return models.TradeResult{}, verr
		}
		return models.Succeeded(ticket, symbol, "Order cancelled successfully"), nil
	})
}

// Positions lists open positions, optionally for one symbol.
func (s *Service) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	if !s.conn.EnsureConnected(ctx) {
		return nil, apperrors.ErrNotConnected
	}
	return s.conn.Positions(ctx, broker.Filter{Symbol: symbol})
}

// PendingOrders lists resting orders, optionally for one symbol.
func (s *Service) PendingOrders(ctx context.Context, symbol string) ([]models.PendingOrder, error) {
	if !s.conn.EnsureConnected(ctx) {
		return nil, apperrors.ErrNotConnected
	}
	return s.conn.Orders(ctx, broker.Filter{Symbol: symbol})
}

// SymbolInfo returns a symbol's trading constraints.
func (s *Service) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	if !s.conn.EnsureConnected(ctx) {
		return nil, apperrors.ErrNotConnected
	}
	return s.conn.SymbolInfo(ctx, symbol)
}

// Quote returns the current tick for symbol.
func (s *Service) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	if !s.conn.EnsureConnected(ctx) {
		return nil, apperrors.ErrNotConnected
	}
	q, err := s.conn.SymbolTick(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !q.Usable() {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "no current tick for %s", symbol)
	}
	return q, nil
}

// MinAmount returns the smallest tradable amount for symbol.
func (s *Service) MinAmount(ctx context.Context, symbol string) (float64, error) {
	if !s.conn.EnsureConnected(ctx) {
		return 0, apperrors.ErrNotConnected
	}
	return s.builder.MinAmount(ctx, symbol)
}

// AccountInfo returns the account summary.
func (s *Service) AccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if !s.conn.EnsureConnected(ctx) {
		return nil, apperrors.ErrNotConnected
	}
	return s.conn.AccountInfo(ctx)
}

// Ping probes the terminal connection.
func (s *Service) Ping(ctx context.Context) bool {
	return s.conn.EnsureConnected(ctx)
}
