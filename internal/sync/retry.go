package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/njoerd114/datastore/internal/remote"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 5 * time.Minute
)

// RetryOptions shape the exponential backoff schedule.
type RetryOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts bounds delivery attempts per mutation. Zero retries
	// network failures until the queue is stopped.
	MaxAttempts int
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.InitialInterval <= 0 {
		o.InitialInterval = defaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaultMaxInterval
	}
	return o
}

func (o RetryOptions) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	b.Multiplier = 2
	// Jitter: uniform in [interval/2, interval*3/2).
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

// RetryAdvice tells the processor whether and when to retry a failed send.
type RetryAdvice struct {
	Retry    bool
	Interval time.Duration
}

// RetryAdvisor is consulted after each failed attempt to send a mutation.
// attempt counts from 1.
type RetryAdvisor interface {
	Advise(err error, attempt int) RetryAdvice
}

// BackoffAdvisor retries network failures on an exponential schedule with
// jitter and gives up on everything else.
type BackoffAdvisor struct {
	opts RetryOptions
}

// NewBackoffAdvisor creates a BackoffAdvisor. Zero options use defaults.
func NewBackoffAdvisor(opts RetryOptions) *BackoffAdvisor {
	return &BackoffAdvisor{opts: opts.withDefaults()}
}

// Advise implements [RetryAdvisor].
func (a *BackoffAdvisor) Advise(err error, attempt int) RetryAdvice {
	if !remote.IsNetwork(err) {
		return RetryAdvice{}
	}
	if a.opts.MaxAttempts > 0 && attempt >= a.opts.MaxAttempts {
		return RetryAdvice{}
	}
	b := a.opts.newBackOff()
	var d time.Duration
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}
	return RetryAdvice{Retry: true, Interval: d}
}

// retryNetwork executes fn up to maxAttempts times with exponential backoff and
// jitter. Only network failures are retried. It returns nil on the first
// successful call, or a wrapped error containing the last failure.
func retryNetwork(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	b := RetryOptions{}.withDefaults().newBackOff()

	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !remote.IsNetwork(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(b.NextBackOff()):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}
