package points

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	cfg "github.com/glkeru/loyalty/ledger/internal/config"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"go.uber.org/zap"
)

// Подтверждение платежа: таймаут на каждый вызов, экспоненциальная пауза между
// попытками. Отказ шлюза не повторяется, остальные ошибки повторяются до исчерпания попыток.
func confirmWithRetry(ctx context.Context, logger *zap.Logger, gateway interf.PaymentGateway, req model.PaymentConfirm, config cfg.Points) (model.PaymentApproval, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.RetryInitial
	b.MaxInterval = 30 * time.Second

	attempt := 0
	op := func() (model.PaymentApproval, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, config.ConfirmTimeout)
		defer cancel()

		approval, err := gateway.Confirm(callCtx, req)
		switch {
		case err == nil:
			return approval, nil
		case errors.Is(err, model.ErrGatewayTerminal):
			return approval, backoff.Permanent(err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return approval, &model.GatewayError{Code: "timeout", Message: err.Error(), Transient: true}
		case ctx.Err() != nil:
			return approval, backoff.Permanent(ctx.Err())
		}
		return approval, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(config.ConfirmAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("payment confirm retry",
				zap.String("order", req.OrderRef),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}
