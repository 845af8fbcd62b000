package eventstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRestartDelay is the pause between restarts of a failed long lived operation
const DefaultRestartDelay = 10 * time.Second

// RunForever keeps op running until ctx is cancelled.
// Every failure other than cancellation is logged and op is started again
// after delay. Cancellation is returned immediately without a restart.
// If op returns nil while ctx is still alive RunForever returns nil.
func RunForever(ctx context.Context, logger *slog.Logger, name string, delay time.Duration, op func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	if delay <= 0 {
		delay = DefaultRestartDelay
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return struct{}{}, backoff.Permanent(ctxErr)
		}

		if errors.Is(err, context.Canceled) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Error("operation failed, restarting", "operation", name, "err", err, "delay", wait)
		}),
	)

	return err
}
