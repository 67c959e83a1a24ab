package imagerelay

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
)

// RetryPolicy waits BaseDelay*2^(k-1) before attempt k+1 and never sleeps
// after the final attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep replaces the context-aware timer, mainly in tests.
	Sleep func(ctx context.Context, delay time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func (p RetryPolicy) retryDelay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// IsRetryable reports whether err is a transient transfer failure:
// connection reset, timeout, name resolution failure or a 5xx response.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
