package projection

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// SuperviseOptions tunes Supervise.
type SuperviseOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRestarts bounds restarts; zero restarts forever.
	MaxRestarts uint
	Logger      *slog.Logger
}

// Supervise runs run and restarts it with exponential backoff after a
// retryable fault. Poison events and configuration errors are returned
// immediately since a restart would hit them again.
func Supervise(ctx context.Context, tier string, run func(context.Context) error, opts SuperviseOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tier", tier)

	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("restarting faulted projection", "error", err, "after", next)
		}),
	}
	if opts.MaxRestarts > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(opts.MaxRestarts+1))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := run(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if platformerrors.IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, retryOpts...)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
