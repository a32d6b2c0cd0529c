package engine

// TaskResult is the outcome of a provisioning operation: success, failure or
// wait-timeout, an optional payload and the cluster it ran against.
// It is an immutable value; the With methods return modified copies.
type TaskResult[T any] struct {
	state    ResultState
	value    T
	hasValue bool
	cluster  *Cluster
}

// Success returns a successful result without a payload.
func Success[T any]() TaskResult[T] {
	return TaskResult[T]{state: ResultSuccess}
}

// Failed returns a failed result.
func Failed[T any]() TaskResult[T] {
	return TaskResult[T]{state: ResultFailed}
}

// WaitTimeout returns a result for objects that exist but are not ready yet.
func WaitTimeout[T any]() TaskResult[T] {
	return TaskResult[T]{state: ResultWaitTimeout}
}

// From copies the state and cluster of other into a result of another payload type.
// The payload is discarded.
func From[T, U any](other TaskResult[U]) TaskResult[T] {
	return TaskResult[T]{state: other.state, cluster: other.cluster}
}

// WithValue returns a copy carrying v as payload.
func (r TaskResult[T]) WithValue(v T) TaskResult[T] {
	r.value = v
	r.hasValue = true
	return r
}

// WithCluster returns a copy carrying c as its cluster.
func (r TaskResult[T]) WithCluster(c *Cluster) TaskResult[T] {
	r.cluster = c
	return r
}

// State returns the outcome. The zero TaskResult reports ResultFailed.
func (r TaskResult[T]) State() ResultState {
	if r.state == "" {
		return ResultFailed
	}
	return r.state
}

// Value returns the payload and whether one was set.
func (r TaskResult[T]) Value() (T, bool) {
	return r.value, r.hasValue
}

// Cluster returns the cluster the operation ran against, if known.
func (r TaskResult[T]) Cluster() *Cluster {
	return r.cluster
}

func (r TaskResult[T]) IsSuccess() bool {
	return r.State() == ResultSuccess
}

func (r TaskResult[T]) IsFailed() bool {
	return r.State() == ResultFailed
}

func (r TaskResult[T]) IsWaitTimeout() bool {
	return r.State() == ResultWaitTimeout
}
