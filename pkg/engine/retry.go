package engine

import (
	"fmt"
	"sync/atomic"
	"time"
)

// CancelSignal is a one-way flag shared by every retry chain of a flow.
// Once set, no chain schedules another attempt.
type CancelSignal struct {
	set atomic.Bool
}

// Set raises the signal. It reports whether this call was the one that raised it.
func (c *CancelSignal) Set() bool {
	return c.set.CompareAndSwap(false, true)
}

// IsSet reports whether the signal has been raised. A nil signal is never set.
func (c *CancelSignal) IsSet() bool {
	return c != nil && c.set.Load()
}

// RetryPredicate decides whether a failure, already unwrapped to its cause, may be retried.
type RetryPredicate func(cause error) bool

// AlwaysRetry retries every failure.
func AlwaysRetry(error) bool { return true }

// NeverRetry makes a retry chain one-shot.
func NeverRetry(error) bool { return false }

// RetryOn retries only failures of the given step's own error kind that are
// not classified as permanent.
func RetryOn(step Step) RetryPredicate {
	return func(cause error) bool {
		return IsStepError(cause, step) && !IsPermanent(cause)
	}
}

// AsyncOperation starts one attempt of an asynchronous computation. An error
// returned while starting counts as a failed attempt.
type AsyncOperation[T any] func() (*Future[T], error)

// RetryOptions configures RetryAsync.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts, at least 1.
	MaxAttempts int

	// Delay is the fixed pause between a failure and the next attempt.
	Delay time.Duration

	// Scheduler runs delayed attempts.
	Scheduler Scheduler

	// Retryable filters which failures are retried. Defaults to AlwaysRetry.
	Retryable RetryPredicate

	// Cancel stops further attempts once set. May be nil.
	Cancel *CancelSignal

	// OnRetry is called before each delayed attempt is scheduled.
	OnRetry func(attempt int, cause error)
}

// RetryAsync runs op and, while it fails with a retryable cause, runs it again
// after opts.Delay, up to opts.MaxAttempts attempts in total. The returned
// future holds the first successful value, the unwrapped cause of the last
// failure, or a cancellation error once opts.Cancel is set. Cancelling the
// returned future stops the chain.
//
// RetryAsync panics if opts.MaxAttempts < 1.
func RetryAsync[T any](op AsyncOperation[T], opts RetryOptions) *Future[T] {
	if opts.MaxAttempts < 1 {
		panic(fmt.Sprintf("engine: RetryAsync requires MaxAttempts >= 1, got %d", opts.MaxAttempts))
	}
	if opts.Scheduler == nil {
		panic("engine: RetryAsync requires a scheduler")
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = AlwaysRetry
	}

	result := NewFuture[T]()

	var attempt func(n int)
	attempt = func(n int) {
		if result.IsDone() {
			return
		}

		current := start(op)
		result.OnSettled(func(error) {
			if result.IsCancelled() {
				current.Cancel()
			}
		})

		current.OnComplete(func(v T, err error) {
			if err == nil {
				result.Complete(v)
				return
			}
			if result.IsDone() {
				return
			}

			cause := Unwrap(err)
			if opts.Cancel.IsSet() {
				result.Fail(NewCancelledError(cause))
				return
			}
			if n >= opts.MaxAttempts || !retryable(cause) {
				result.Fail(cause)
				return
			}

			if opts.OnRetry != nil {
				opts.OnRetry(n, cause)
			}
			opts.Scheduler.After(opts.Delay, func() {
				if result.IsDone() {
					return
				}
				if opts.Cancel.IsSet() {
					result.Fail(NewCancelledError(cause))
					return
				}
				attempt(n + 1)
			})
		})
	}

	attempt(1)
	return result
}

// start runs op, turning a start-up error or panic into a failed future.
func start[T any](op AsyncOperation[T]) (f *Future[T]) {
	defer func() {
		if r := recover(); r != nil {
			f = FailedFuture[T](fmt.Errorf("panic while starting attempt: %v", r))
		}
	}()

	f, err := op()
	if err != nil {
		return FailedFuture[T](err)
	}
	if f == nil {
		return FailedFuture[T](fmt.Errorf("attempt returned no future"))
	}
	return f
}
