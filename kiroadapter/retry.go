package kiroadapter

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// retryConfig holds the backoff parameters spec.md §4.2's retry policy
// names, grounded on the teacher's internal/runtime/executor/kiro_request.go
// retryConfig shape.
type retryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableErrorSubstrings = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"timeout",
	"temporary failure",
	"no such host",
	"network is unreachable",
	"i/o timeout",
}

// isRetryableHTTPStatus reports whether statusCode is in the transient set
// spec.md §4.2 names (429 and any 5xx).
func isRetryableHTTPStatus(statusCode int) bool {
	if statusCode == 429 || (statusCode >= 500 && statusCode < 600) {
		return true
	}
	return retryableStatus[statusCode]
}

// isRetryableError classifies a network error by walking net.Error,
// syscall.Errno, and net.OpError, matching the teacher's
// internal/runtime/executor/kiro_request.go#isRetryableError structure
// exactly (per SPEC_FULL.md's retryable-classification expansion).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ETIMEDOUT,
			syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Err != nil {
			return isRetryableError(opErr.Err)
		}
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableErrorSubstrings {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// backoffDelay computes base*2^attempt capped at maxDelay, with ±30% jitter
// to avoid thundering herd, matching the teacher's
// kiroauth.ExponentialBackoffWithJitter convention.
func backoffDelay(attempt int, cfg retryConfig) time.Duration {
	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	jitterRange := float64(delay) * 0.3
	jitter := (rand.Float64()*2 - 1) * jitterRange
	result := time.Duration(float64(delay) + jitter)
	if result < 0 {
		result = 0
	}
	return result
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
