package scheduler

import (
	"fmt"
	"sync"
)

// InitFunc runs once per runner before the runner accepts batches.
type InitFunc func(runnerIndex int) error

// RunFunc executes one batch against the context bound to the runner and
// must invoke onComplete exactly once with the run's terminal status.
type RunFunc func(runnerIndex int, payloads []*Payload, onComplete func(error))

type batch struct {
	payloads   []*Payload
	onComplete func(error)
}

// Scheduler runs one goroutine per runner. Every runner is exclusively tied
// to one execution context, so batches dispatched to the same runner execute
// strictly sequentially while different runners proceed in parallel.
type Scheduler struct {
	queues []chan batch
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates runnerCount runners. init is invoked for each runner index
// before its goroutine starts; an init failure aborts creation.
func New(runnerCount int, init InitFunc, run RunFunc) (*Scheduler, error) {
	if runnerCount <= 0 {
		return nil, fmt.Errorf("scheduler requires at least one runner, got %d", runnerCount)
	}
	if run == nil {
		return nil, fmt.Errorf("scheduler requires a run function")
	}
	s := &Scheduler{queues: make([]chan batch, runnerCount)}
	for i := range s.queues {
		if init != nil {
			if err := init(i); err != nil {
				s.Stop()
				return nil, fmt.Errorf("initialising runner %d: %w", i, err)
			}
		}
		s.queues[i] = make(chan batch)
		s.wg.Add(1)
		go s.runner(i, run)
	}
	return s, nil
}

func (s *Scheduler) runner(index int, run RunFunc) {
	defer s.wg.Done()
	for b := range s.queues[index] {
		run(index, b.payloads, b.onComplete)
	}
}

// Dispatch hands one batch to the given runner. The call blocks until the
// runner accepts the batch, which is how a second batch can never overlap a
// running one on the same context. onComplete is called exactly once.
func (s *Scheduler) Dispatch(runnerIndex int, payloads []*Payload, onComplete func(error)) error {
	if runnerIndex < 0 || runnerIndex >= len(s.queues) {
		return fmt.Errorf("unexpected runner index %d, max allowed %d", runnerIndex, len(s.queues)-1)
	}
	if onComplete == nil {
		return fmt.Errorf("dispatch requires a completion callback")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	s.queues[runnerIndex] <- batch{payloads: payloads, onComplete: onComplete}
	return nil
}

// Stop drains in-flight batches and joins all runner goroutines. Dispatch
// calls after Stop return an error.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		for _, queue := range s.queues {
			if queue != nil {
				close(queue)
			}
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
