package queue

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs op, retrying transient lock contention against the backing
// store with exponential backoff. Contention is the only retryable class;
// anything else (constraint violations, corruption) surfaces immediately.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // Retryable
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
}

// isBusy reports whether err is SQLite lock contention (SQLITE_BUSY or
// SQLITE_LOCKED). modernc.org/sqlite surfaces these as formatted errors
// rather than typed sentinels, so we match on the message.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
