package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// defaultRetryDelay is the initial backoff for retried writes.
const defaultRetryDelay = 50 * time.Millisecond

// retriableCodes are Postgres error codes for transient conflicts that a
// fresh attempt can resolve.
var retriableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retriableCodes[pgErr.Code]
}

// WithRetry executes fn, retrying up to maxRetries times on serialization or
// deadlock errors. The delay doubles on each attempt and carries up to
// delay-sized jitter so concurrent retriers spread out.
func WithRetry(ctx context.Context, maxRetries int, delay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // spread, not secrecy
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
