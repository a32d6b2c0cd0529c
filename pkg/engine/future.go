package engine

import (
	"context"
	"sync"
)

// Settled is the type-erased view of a Future, used to wait on
// predecessors of different payload types.
type Settled interface {
	Done() <-chan struct{}
	Err() error
	OnSettled(fn func(err error))
}

// Future is the eventual outcome of an asynchronous operation.
// It completes exactly once, with a value, an error or a cancellation.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	settled   bool
	cancelled bool
	callbacks []func(T, error)
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding v.
func Completed[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// FailedFuture returns a future already holding err.
func FailedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Complete settles the future with v. It reports false if the future was already settled.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil, false)
}

// Fail settles the future with err. It reports false if the future was already settled.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err, false)
}

// Cancel settles the future with a cancellation error.
// Work already running is not interrupted, but its outcome is discarded.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.settle(zero, NewCancelledError(context.Canceled), true)
}

func (f *Future[T]) settle(v T, err error, cancelled bool) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	f.cancelled = cancelled
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// OnComplete registers fn to run once the future settles. If it already has,
// fn runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that settles the future.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// OnSettled is OnComplete without the payload.
func (f *Future[T]) OnSettled(fn func(err error)) {
	f.OnComplete(func(_ T, err error) { fn(err) })
}

// Done is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has settled.
func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// IsCancelled reports whether the future was settled by Cancel.
func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Err returns the failure of a settled future, nil while pending or on success.
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Result returns the outcome of a settled future. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then starts next once every dependency has succeeded and pipes its outcome
// into the returned future. If a dependency fails, next is never constructed and
// the returned future fails with that error wrapped in an AsyncError.
// Cancelling the returned future cancels the inner one once it exists.
func Then[T any](deps []Settled, next func() *Future[T]) *Future[T] {
	out := NewFuture[T]()
	start := func() {
		if out.IsDone() {
			return
		}
		inner := next()
		out.OnSettled(func(error) {
			if out.IsCancelled() {
				inner.Cancel()
			}
		})
		inner.OnComplete(func(v T, err error) {
			if err != nil {
				out.Fail(err)
				return
			}
			out.Complete(v)
		})
	}

	if len(deps) == 0 {
		start()
		return out
	}

	join := AllOf(deps...)
	join.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			out.Fail(&AsyncError{Err: err})
			return
		}
		start()
	})
	return out
}

// AllOf settles once every dependency succeeded, or as soon as the first one fails.
// The failure is reported unwrapped so the originating step stays visible.
func AllOf(deps ...Settled) *Future[struct{}] {
	out := NewFuture[struct{}]()
	if len(deps) == 0 {
		out.Complete(struct{}{})
		return out
	}

	var mu sync.Mutex
	remaining := len(deps)
	for _, dep := range deps {
		dep.OnSettled(func(err error) {
			if err != nil {
				out.Fail(Unwrap(err))
				return
			}
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				out.Complete(struct{}{})
			}
		})
	}
	return out
}
