// Package retry implements exponential backoff with jitter.
//
// Retry belongs to callers: the client proxy never retries on its own.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"poolrpc/log"
)

// timeAfter is replaced in tests.
var timeAfter = time.After

// Policy handles retry.
type Policy struct {
	// MaxRetry represents how many times to call f in Do.
	// If it is not positive, Do retries until ctx is done.
	MaxRetry  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay == 0 && p.MaxDelay == 0 {
		return 10 * time.Millisecond
	}
	return p.BaseDelay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay == 0 {
		return 120 * time.Second
	}
	return p.MaxDelay
}

func (p Policy) factor() float64 { return 1.6 }
func (p Policy) jitter() float64 { return 0.2 }

// Backoff returns the delay before the n-th retry (n starts at 0).
func (p Policy) Backoff(n int) time.Duration {
	if n == 0 {
		return p.baseDelay()
	}
	backoff, max := float64(p.baseDelay()), float64(p.maxDelay())
	for backoff < max && n > 0 {
		backoff *= p.factor()
		n--
	}
	if backoff > max {
		backoff = max
	}
	backoff *= 1 + p.jitter()*(rand.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// RetriableError marks an error returned by f as worth retrying.
// A Delay longer than the policy's base delay raises the base delay.
type RetriableError struct {
	Err   error
	Delay time.Duration
}

func (e RetriableError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("retriable error delay: %s", e.Delay)
}

func (e RetriableError) Unwrap() error {
	return e.Err
}

// Retriable wraps err so Do retries it. A nil err stays nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return RetriableError{Err: err}
}

// Do calls f until it succeeds, returns an error that is not a
// RetriableError, or MaxRetry calls were made.
// The last error is returned with its RetriableError wrapper removed.
// If ctx is done while waiting, the returned error wraps ctx.Err().
func (p Policy) Do(ctx context.Context, f func() error) error {
	logger := log.FromContext(ctx)
	var lastErr error
	for i := 0; ; i++ {
		if p.MaxRetry > 0 && i >= p.MaxRetry {
			logger.Warnf("too many retries %d: %v", i, lastErr)
			return lastErr
		}
		err := f()
		if err == nil {
			return nil
		}
		var rerr RetriableError
		if !errors.As(err, &rerr) {
			return err
		}
		lastErr = err
		if rerr.Err != nil {
			lastErr = rerr.Err
		}
		if rerr.Delay > p.BaseDelay {
			p.BaseDelay = rerr.Delay
		}
		delay := p.Backoff(i)
		logger.Debugf("retry %d backoff %s for err:%v", i, delay, lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ctx.Err(), lastErr)
		case <-timeAfter(delay):
		}
	}
}
