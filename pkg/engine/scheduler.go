package engine

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Scheduler runs asynchronous work, immediately or after a delay.
type Scheduler interface {
	// Go runs fn asynchronously.
	Go(fn func())

	// After runs fn asynchronously once d has elapsed.
	After(d time.Duration, fn func())
}

// PoolScheduler is a Scheduler that bounds the number of functions running
// at once. Delays are measured with the injected clock so tests can drive
// them with a fake one.
type PoolScheduler struct {
	// maxParallel is the maximum number of concurrently running functions
	maxParallel int

	// slots is the semaphore enforcing maxParallel
	slots chan struct{}

	// clock measures delays
	clock clock.WithDelayedExecution

	// wg tracks running and delayed work
	wg sync.WaitGroup
}

// NewPoolScheduler creates a scheduler running at most maxParallel functions at once.
func NewPoolScheduler(maxParallel int, clk clock.WithDelayedExecution) *PoolScheduler {
	if maxParallel <= 0 {
		maxParallel = 10 // Default to 10 concurrent workers
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &PoolScheduler{
		maxParallel: maxParallel,
		slots:       make(chan struct{}, maxParallel),
		clock:       clk,
	}
}

// Go runs fn on its own goroutine once a slot is free.
func (s *PoolScheduler) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.slots <- struct{}{}
		defer func() { <-s.slots }()
		fn()
	}()
}

// After runs fn once d has elapsed on the scheduler's clock.
func (s *PoolScheduler) After(d time.Duration, fn func()) {
	if d <= 0 {
		s.Go(fn)
		return
	}
	s.wg.Add(1)
	s.clock.AfterFunc(d, func() {
		defer s.wg.Done()
		s.Go(fn)
	})
}

// Wait blocks until all scheduled work, including pending delays, has finished.
func (s *PoolScheduler) Wait() {
	s.wg.Wait()
}

// MaxParallel returns the concurrency bound.
func (s *PoolScheduler) MaxParallel() int {
	return s.maxParallel
}
