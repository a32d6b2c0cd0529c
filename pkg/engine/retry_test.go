package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"
)

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}

func awaitResult[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Future did not settle in time")
	}
	return v, err
}

func TestRetryAsync_SucceedsAfterFailures(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	sched := NewPoolScheduler(4, clk)
	var calls atomic.Int32

	fut := RetryAsync(func() (*Future[string], error) {
		if calls.Add(1) < 3 {
			return FailedFuture[string](errors.New("boom")), nil
		}
		return Completed("ok"), nil
	}, RetryOptions{MaxAttempts: 3, Delay: time.Second, Scheduler: sched, Retryable: AlwaysRetry})

	eventually(t, time.Second, clk.HasWaiters, "first retry should be scheduled")
	if got := calls.Load(); got != 1 {
		t.Fatalf("Expected 1 invocation before the delay, got %d", got)
	}

	clk.Step(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("Expected no retry before the delay elapsed, got %d invocations", got)
	}

	clk.Step(time.Millisecond)
	eventually(t, time.Second, func() bool { return calls.Load() == 2 && clk.HasWaiters() }, "second attempt")

	clk.Step(time.Second)
	v, err := awaitResult(t, fut)
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if v != "ok" {
		t.Errorf("Expected ok, got %q", v)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 invocations, got %d", got)
	}
}

func TestRetryAsync_ExhaustsAttempts(t *testing.T) {
	sched := NewPoolScheduler(4, nil)
	root := errors.New("still broken")
	var calls atomic.Int32

	fut := RetryAsync(func() (*Future[int], error) {
		calls.Add(1)
		return FailedFuture[int](root), nil
	}, RetryOptions{MaxAttempts: 4, Scheduler: sched})

	_, err := awaitResult(t, fut)
	if !errors.Is(err, root) {
		t.Fatalf("Expected root error, got: %v", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("Expected 4 invocations, got %d", got)
	}
}

func TestRetryAsync_NeverRetryIsOneShot(t *testing.T) {
	sched := NewPoolScheduler(1, nil)
	var calls atomic.Int32

	fut := RetryAsync(func() (*Future[int], error) {
		calls.Add(1)
		return FailedFuture[int](errors.New("no")), nil
	}, RetryOptions{MaxAttempts: 5, Scheduler: sched, Retryable: NeverRetry})

	if _, err := awaitResult(t, fut); err == nil {
		t.Fatal("Expected failure")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 invocation, got %d", got)
	}
}

func TestRetryAsync_SynchronousErrorCountsAsFailure(t *testing.T) {
	sched := NewPoolScheduler(1, nil)
	startErr := errors.New("cannot start")
	var calls atomic.Int32

	fut := RetryAsync(func() (*Future[int], error) {
		if calls.Add(1) == 1 {
			return nil, startErr
		}
		return Completed(7), nil
	}, RetryOptions{MaxAttempts: 2, Scheduler: sched})

	v, err := awaitResult(t, fut)
	if err != nil {
		t.Fatalf("Expected second attempt to succeed, got: %v", err)
	}
	if v != 7 {
		t.Errorf("Expected 7, got %d", v)
	}
}

func TestRetryAsync_PanicCountsAsFailure(t *testing.T) {
	sched := NewPoolScheduler(1, nil)

	fut := RetryAsync(func() (*Future[int], error) {
		panic("kaboom")
	}, RetryOptions{MaxAttempts: 1, Scheduler: sched})

	if _, err := awaitResult(t, fut); err == nil {
		t.Fatal("Expected panic to surface as failure")
	}
}

func TestRetryAsync_PredicateSeesUnwrappedCause(t *testing.T) {
	sched := NewPoolScheduler(1, nil)
	root := NewStepError(StepVolumes, errors.New("pvc quota"))
	var seen error

	fut := RetryAsync(func() (*Future[int], error) {
		return FailedFuture[int](&AsyncError{Err: &AsyncError{Err: root}}), nil
	}, RetryOptions{
		MaxAttempts: 2,
		Scheduler:   sched,
		Retryable: func(cause error) bool {
			seen = cause
			return false
		},
	})

	_, err := awaitResult(t, fut)
	if err != root {
		t.Errorf("Expected the unwrapped root error, got: %v", err)
	}
	if seen != root {
		t.Errorf("Expected predicate to see the root error, got: %v", seen)
	}
}

func TestRetryAsync_CancelSignalStopsRetries(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	sched := NewPoolScheduler(2, clk)
	cancel := &CancelSignal{}
	var calls atomic.Int32

	fut := RetryAsync(func() (*Future[int], error) {
		calls.Add(1)
		return FailedFuture[int](errors.New("fail")), nil
	}, RetryOptions{MaxAttempts: 5, Delay: time.Second, Scheduler: sched, Cancel: cancel})

	eventually(t, time.Second, clk.HasWaiters, "retry should be scheduled")
	cancel.Set()
	clk.Step(time.Second)

	_, err := awaitResult(t, fut)
	if !IsCancelled(err) {
		t.Fatalf("Expected cancellation error, got: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected no attempt after cancellation, got %d invocations", got)
	}
}

func TestRetryAsync_ExternalCancelStopsScheduling(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	sched := NewPoolScheduler(2, clk)
	var calls atomic.Int32

	fut := RetryAsync(func() (*Future[int], error) {
		calls.Add(1)
		return FailedFuture[int](errors.New("fail")), nil
	}, RetryOptions{MaxAttempts: 5, Delay: time.Second, Scheduler: sched})

	eventually(t, time.Second, clk.HasWaiters, "retry should be scheduled")
	if !fut.Cancel() {
		t.Fatal("Expected cancel to settle the future")
	}
	clk.Step(time.Second)
	sched.Wait()

	if !fut.IsCancelled() {
		t.Error("Expected future to stay cancelled")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 invocation, got %d", got)
	}
}

func TestRetryAsync_PanicsOnInvalidMaxAttempts(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for MaxAttempts < 1")
		}
	}()
	RetryAsync(func() (*Future[int], error) {
		return Completed(1), nil
	}, RetryOptions{MaxAttempts: 0, Scheduler: NewPoolScheduler(1, nil)})
}

func TestRetryOn_MatchesOnlyOwnStep(t *testing.T) {
	pred := RetryOn(StepServices)

	if !pred(NewStepError(StepServices, errors.New("x"))) {
		t.Error("Expected services error to be retryable")
	}
	if pred(NewStepError(StepIngress, errors.New("x"))) {
		t.Error("Expected ingress error not to be retried by services predicate")
	}
	if pred(NewStepError(StepServices, NewPermanentError("invalid manifest", nil))) {
		t.Error("Expected permanent services error not to be retried")
	}
	if pred(errors.New("plain")) {
		t.Error("Expected plain error not to be retried")
	}
}
