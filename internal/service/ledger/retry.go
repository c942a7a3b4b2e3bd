package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

// RetryOnConflict runs fn up to attempts times while it fails with a
// retryable CONFLICT, waiting with exponential backoff starting at interval
// between attempts. Any other error is returned immediately. When every
// attempt conflicts the last conflict is returned wrapped in INVALID_STATE.
//
// The ledger never retries on its own; callers decide whether to use this.
func RetryOnConflict(ctx context.Context, attempts int, interval time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) && apperrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if err != nil && apperrors.IsType(err, apperrors.ErrorTypeConflict) && apperrors.IsRetryable(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		return apperrors.NewInvalidStateError("operation kept conflicting after %d attempts", attempts).WithCause(err)
	}
	return err
}
