package engine

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestFuture_SettlesOnce(t *testing.T) {
	f := NewFuture[int]()

	if !f.Complete(1) {
		t.Fatal("Expected first completion to win")
	}
	if f.Complete(2) || f.Fail(errors.New("late")) || f.Cancel() {
		t.Error("Expected later settlements to be ignored")
	}

	v, err := f.Result()
	if err != nil || v != 1 {
		t.Errorf("Expected (1, nil), got (%d, %v)", v, err)
	}
}

func TestFuture_OnCompleteAfterSettle(t *testing.T) {
	f := Completed("done")
	var got string
	f.OnComplete(func(v string, _ error) { got = v })

	if got != "done" {
		t.Errorf("Expected callback to run immediately, got %q", got)
	}
}

func TestFuture_CancelReportsCancellation(t *testing.T) {
	f := NewFuture[int]()
	f.Cancel()

	if !f.IsCancelled() {
		t.Error("Expected future to be cancelled")
	}
	if !IsCancelled(f.Err()) {
		t.Errorf("Expected cancellation error, got: %v", f.Err())
	}
}

func TestThen_WaitsForAllDependencies(t *testing.T) {
	a := NewFuture[int]()
	b := NewFuture[string]()
	var started atomic.Bool

	out := Then([]Settled{a, b}, func() *Future[int] {
		started.Store(true)
		return Completed(42)
	})

	a.Complete(1)
	if started.Load() {
		t.Fatal("Expected dependent not to start before all dependencies succeed")
	}
	b.Complete("x")

	v, err := awaitResult(t, out)
	if err != nil || v != 42 {
		t.Errorf("Expected (42, nil), got (%d, %v)", v, err)
	}
}

func TestThen_DependencyFailureSkipsNext(t *testing.T) {
	dep := NewFuture[int]()
	root := NewStepError(StepStorageClasses, errors.New("provisioner missing"))
	var started atomic.Bool

	out := Then([]Settled{dep}, func() *Future[int] {
		started.Store(true)
		return Completed(1)
	})
	dep.Fail(root)

	_, err := awaitResult(t, out)
	if started.Load() {
		t.Error("Expected dependent never to be constructed")
	}
	var async *AsyncError
	if !errors.As(err, &async) {
		t.Fatalf("Expected an AsyncError wrapper, got: %T", err)
	}
	if Unwrap(err) != root {
		t.Errorf("Expected Unwrap to return the root error, got: %v", Unwrap(err))
	}
	if StepOf(err) != StepStorageClasses {
		t.Errorf("Expected storage classes step, got %q", StepOf(err))
	}
}

func TestThen_CancelPropagatesToInner(t *testing.T) {
	inner := NewFuture[int]()
	out := Then(nil, func() *Future[int] { return inner })

	out.Cancel()

	if !inner.IsCancelled() {
		t.Error("Expected inner future to be cancelled")
	}
}

func TestAllOf_FailsFast(t *testing.T) {
	a := NewFuture[int]()
	b := NewFuture[int]()
	boom := errors.New("boom")

	join := AllOf(a, b)
	a.Fail(&AsyncError{Err: boom})

	if !join.IsDone() {
		t.Fatal("Expected join to settle on first failure")
	}
	if join.Err() != boom {
		t.Errorf("Expected unwrapped failure, got: %v", join.Err())
	}
}
