package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "groupwatch/pkg/logx"
)

var errNotConnected = errors.New("not connected")

// ConnectionError marks failures in the transport session (connect, resolve,
// watch). Callers match it with errors.As.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection: " + e.Op
	}
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MonitorError marks failures in monitor lifecycle and processing.
type MonitorError struct {
	Op  string
	Err error
}

func (e *MonitorError) Error() string {
	if e.Err == nil {
		return "monitor: " + e.Op
	}
	return fmt.Sprintf("monitor: %s: %v", e.Op, e.Err)
}

func (e *MonitorError) Unwrap() error { return e.Err }

// maxRetryAttempts bounds the retry loop for transient failures.
const maxRetryAttempts = 3

// retryBaseDelay is the first backoff step; it doubles per attempt.
const retryBaseDelay = 100 * time.Millisecond

// RetryableError wraps a transient failure that is worth retrying with
// backoff before giving up.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable: " + e.Op
	}
	return fmt.Sprintf("retryable: %s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// withRetry runs fn, retrying RetryableError failures with a doubling delay
// up to maxRetryAttempts. Non-retryable errors return immediately.
func withRetry(ctx context.Context, log logx.Logger, op string, fn func(context.Context) error) error {
	delay := retryBaseDelay
	var last error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}
		last = err
		if attempt == maxRetryAttempts {
			break
		}
		log.Debug("retrying after transient failure",
			logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return last
}
