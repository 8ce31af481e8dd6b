package trading

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"mt5-trader/internal/broker"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/resilience"
)

// Sender submits wire requests to the terminal.
type Sender interface {
	OrderSend(ctx context.Context, req *broker.OrderRequest) (*broker.SendResult, error)
}

// SubmissionOutcome is the acknowledgement of one submitted request.
type SubmissionOutcome struct {
	// Ticket is the order ticket; for market deals it is also the ticket
	// of the resulting position.
	Ticket  uint64
	Deal    uint64
	Retcode uint32
	Comment string
	Price   float64
	Volume  float64
	Profit  float64
	Request broker.OrderRequest
}

// Executor performs exactly one terminal round-trip per Submit.
type Executor struct {
	sender  Sender
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewExecutor creates an executor. A nil breaker disables circuit breaking.
func NewExecutor(sender Sender, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Executor {
	return &Executor{
		sender:  sender,
		breaker: breaker,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// Submit sends req once and interprets the return code. Anything other than
// an accepted code is returned as *errors.RejectionError alongside the
// outcome; transport failures are returned as *errors.BrokerError.
func (e *Executor) Submit(ctx context.Context, req *broker.OrderRequest) (*SubmissionOutcome, error) {
	send := func() (*broker.SendResult, error) {
		return e.sender.OrderSend(ctx, req)
	}

	var (
		res *broker.SendResult
		err error
	)
	if e.breaker != nil {
		res, err = resilience.ExecuteWithResult(e.breaker, ctx, send)
	} else {
		res, err = send()
	}
	if err != nil {
		return nil, e.transportError(err)
	}
	if res == nil {
		return nil, apperrors.NewBrokerError("SEND", "terminal returned no result", nil)
	}

	out := &SubmissionOutcome{
		Ticket:  res.Order,
		Deal:    res.Deal,
		Retcode: res.Retcode,
		Comment: res.Comment,
		Price:   res.Price,
		Volume:  res.Volume,
		Profit:  res.Profit,
		Request: *req,
	}

	if !broker.RetcodeAccepted(req.Action, res.Retcode) {
		comment := res.Comment
		if comment == "" {
			comment = broker.RetcodeText(res.Retcode)
		}
		rej := &apperrors.RejectionError{
			Action:    actionLabel(req),
			Retcode:   res.Retcode,
			Comment:   comment,
			Transient: broker.RetcodeTransient(res.Retcode),
		}
		e.logger.Warn().
			Str("action", req.Action.String()).
			Str("symbol", req.Symbol).
			Uint32("retcode", res.Retcode).
			Bool("transient", rej.Transient).
			Msg(comment)
		return out, rej
	}

	e.logger.Debug().
		Str("action", req.Action.String()).
		Str("symbol", req.Symbol).
		Uint64("ticket", out.Ticket).
		Uint32("retcode", res.Retcode).
		Msg("Request acknowledged")
	return out, nil
}

func (e *Executor) transportError(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.Wrap(apperrors.ErrConnectionFailed, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var be *apperrors.BrokerError
	if errors.As(err, &be) {
		return err
	}
	return apperrors.NewBrokerError("SEND", "order send failed", err)
}

func actionLabel(req *broker.OrderRequest) string {
	switch req.Action {
	case broker.ActionDeal:
		if req.Position != 0 {
			return "Close position"
		}
		return "Order"
	case broker.ActionSLTP, broker.ActionModify:
		return "Modify position"
	case broker.ActionPending:
		return "Pending order"
	case broker.ActionRemove:
		return "Cancel order"
	}
	return "Request"
}
