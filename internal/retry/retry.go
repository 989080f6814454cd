// Package retry runs a fallible operation with exponential backoff and
// jitter. Callers use it before a failure is considered dead-letter worthy.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Options configures Do.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// ShouldRetry decides whether err is worth another attempt.
	// Default: IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry observes a retry before the executor sleeps. It cannot stop or
	// change the retry; a panic inside it is swallowed.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Rand returns a value in [0,1) for jitter. Default: math/rand.
	Rand func() float64
}

// Operation is one attempt. attempt is 1-indexed.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds, the classifier rejects the error, or
// MaxAttempts is reached. The last error is returned unchanged. A cancelled
// context ends the wait early and returns ctx.Err().
func Do[T any](ctx context.Context, op Operation[T], opts Options) (T, error) {
	var zero T

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts || !shouldRetry(err) {
			break
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay, rnd)
		notify(opts.OnRetry, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func notify(hook func(int, error, time.Duration), attempt int, err error, delay time.Duration) {
	if hook == nil {
		return
	}
	defer func() { _ = recover() }()
	hook(attempt, err, delay)
}

// Backoff returns the wait after the given 1-indexed attempt:
// min(maxDelay, base*2^(attempt-1)) plus uniform jitter of up to 20% of that
// raw delay.
func Backoff(attempt int, base, maxDelay time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := base
	for i := 1; i < attempt && raw < maxDelay; i++ {
		raw *= 2
	}
	if raw > maxDelay {
		raw = maxDelay
	}
	if raw <= 0 {
		return 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	jitter := time.Duration(rnd() * 0.2 * float64(raw))
	return raw + jitter
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"etimedout",
	"esockettimedout",
	"econnreset",
	"connection reset",
	"eai_again",
	"temporary failure in name resolution",
	"network",
	"temporar",
	"429",
	"502",
	"503",
	"504",
	"rate limit",
}

// IsTransient reports whether err looks likely to succeed on retry. It
// matches the error text against a fixed vocabulary and also treats
// deadline and net timeout errors as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
