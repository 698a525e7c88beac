package application

import (
	"context"
	"errors"
	"time"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

const (
	workerRetries      = 3
	workerInitialDelay = time.Second
	workerMaxDelay     = 4 * time.Second
)

// errInvariant marks a broken transition table assumption. It is never
// retried.
var errInvariant = errors.New("session invariant violated")

// workerBackOff waits 1s, 2s then 4s between handler attempts.
func workerBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = workerInitialDelay
	b.Multiplier = 2
	b.MaxInterval = workerMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, workerRetries)
}

// retryWorker runs op under b until it succeeds, returns a permanent error,
// exhausts b or ctx ends.
func retryWorker(ctx context.Context, b backoff.BackOff, op func() error, notify func(error, time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && permanentFailure(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), notify)
}

func permanentFailure(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errInvariant) ||
		errors.Is(err, domain.ErrTooLarge) ||
		errors.Is(err, domain.ErrNotImplemented)
}
