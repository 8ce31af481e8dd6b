package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/logging"
	"mt5-trader/internal/models"
	"mt5-trader/pkg/utils"
)

// AttemptFunc performs one attempt of a trade operation. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) (models.TradeResult, error)

// Supervisor drives attempts under the retry policy and converts the final
// outcome into a TradeResult. It never returns an error.
type Supervisor struct {
	policy  utils.RetryPolicy
	logger  zerolog.Logger
	onRetry func(op models.Operation, attempt int, err error)
}

// NewSupervisor creates a supervisor. A policy without Retryable uses
// errors.IsRetryable.
func NewSupervisor(policy utils.RetryPolicy, logger zerolog.Logger) *Supervisor {
	if policy.Retryable == nil {
		policy.Retryable = apperrors.IsRetryable
	}
	return &Supervisor{
		policy: policy,
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// Policy returns the retry policy in force.
func (s *Supervisor) Policy() utils.RetryPolicy {
	return s.policy
}

// Run executes fn until it succeeds, fails with a non-retryable error, or
// the attempts are used up.
func (s *Supervisor) Run(ctx context.Context, op models.Operation, fn AttemptFunc) models.TradeResult {
	logger := logging.FromContext(ctx)
	policy := s.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.LogAttempt(logger, attempt, err, wait)
		if s.onRetry != nil {
			s.onRetry(op, attempt, err)
		}
	}

	result, attempts, err := utils.RetryWithBackoff(ctx, policy, func(ctx context.Context, attempt int) (res models.TradeResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("operation", string(op)).Msg("Recovered panic in trade attempt")
				err = apperrors.New("internal error during trade attempt")
			}
		}()
		return fn(ctx, attempt)
	})
	if err != nil {
		result = models.Failed(string(apperrors.KindOf(err)), err.Error())
	}
	result.Attempts = attempts
	return result
}
