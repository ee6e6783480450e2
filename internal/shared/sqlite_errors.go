// Package shared provides small SQLite error-classification and retry
// helpers. The retention sweeper is the only caller of Retry.
package shared

import (
	"context"
	"strings"
	"time"
)

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY error, which occurs
// when another connection holds the database lock.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked" error,
// the other common form of SQLite write contention.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsRetryable reports whether err is a transient SQLite contention error
// that warrants a retry rather than surfacing internal_error immediately.
func IsRetryable(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// Retry runs fn up to maxAttempts times, backing off exponentially from
// baseDelay between retryable failures. It returns the last error once
// attempts are exhausted or fn returns a non-retryable error.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if i == maxAttempts-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
