package crew

import (
	"context"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/retry"
	"github.com/sirupsen/logrus"
)

// OrderExecutor places an intent with a venue and returns the resulting
// fill. Failures are *models.ExecutionError.
type OrderExecutor interface {
	Execute(ctx context.Context, intent models.OrderIntent) (models.Fill, error)
}

// RetryingExecutor retries Timeout failures with exponential backoff. Other
// execution failures are returned on the first attempt.
type RetryingExecutor struct {
	next   OrderExecutor
	policy retry.Policy
	logger *logrus.Logger
}

func NewRetryingExecutor(next OrderExecutor, policy retry.Policy, logger *logrus.Logger) *RetryingExecutor {
	return &RetryingExecutor{next: next, policy: policy, logger: logger}
}

func (e *RetryingExecutor) Execute(ctx context.Context, intent models.OrderIntent) (models.Fill, error) {
	attempt := 0
	return retry.Value(ctx, e.policy, func(ctx context.Context) (models.Fill, error) {
		attempt++
		fill, err := e.next.Execute(ctx, intent)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"crew_id":   intent.CrewID,
				"intent_id": intent.ID,
				"attempt":   attempt,
			}).Warn("Order execution failed")
		}
		return fill, err
	})
}
