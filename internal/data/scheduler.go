package data

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// task is one deferred side effect: persisting an edited entity or a
// remote call triggered by a state change.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// scheduler is the single-writer FIFO worker that runs a context's
// reactive side effects.
//
// Tasks run one at a time in enqueue order, so a remote update scheduled
// before a remote remove of the same entity completes first. The queue is
// unbounded: a task may enqueue follow-up tasks without blocking.
//
// Thread-safety: enqueue and flush may be called from any goroutine.
// flush must not be called from inside a task.
type scheduler struct {
	mu      sync.Mutex
	tasks   []task
	pending int // queued plus running
	closed  bool
	signal  chan struct{} // buffered, size 1
	idle    []chan struct{}
	done    chan struct{}

	onError func(name string, err error)
	logger  *slog.Logger
}

func newScheduler(logger *slog.Logger, onError func(string, error)) *scheduler {
	return &scheduler{
		tasks:   make([]task, 0, 64),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onError: onError,
		logger:  logger,
	}
}

// enqueue adds a task. Returns false once the scheduler is closed.
func (s *scheduler) enqueue(t task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.tasks = append(s.tasks, t)
	s.pending++

	// buffer of 1 coalesces signals
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *scheduler) tryDequeue() (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return task{}, false
	}
	t := s.tasks[0]
	// release the closure for GC
	s.tasks[0] = task{}
	if len(s.tasks) == 1 {
		s.tasks = s.tasks[:0]
	} else {
		s.tasks = s.tasks[1:]
	}
	return t, true
}

// run is the worker loop. It returns when ctx is cancelled, or when the
// scheduler is closed and every queued task has run.
func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Debug("scheduler starting")

	for {
		if t, ok := s.tryDequeue(); ok {
			s.execute(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopping: context cancelled")
			s.abandon()
			return
		case _, open := <-s.signal:
			if !open && s.len() == 0 {
				s.logger.Debug("scheduler stopping: closed")
				return
			}
		}
	}
}

func (s *scheduler) execute(ctx context.Context, t task) {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			s.report(t.name, fmt.Errorf("task panicked: %v", r))
		}
	}()

	if err := t.run(ctx); err != nil {
		s.report(t.name, err)
	}
}

func (s *scheduler) report(name string, err error) {
	s.logger.Warn("scheduled task failed", "task", name, "error", err)
	if s.onError != nil {
		s.onError(name, err)
	}
}

// finish marks one task done and wakes flushers once the queue drains.
func (s *scheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		s.wakeLocked()
	}
}

// abandon drops queued tasks after cancellation.
func (s *scheduler) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.tasks); n > 0 {
		s.logger.Warn("scheduler dropped queued tasks", "count", n)
	}
	s.tasks = nil
	s.pending = 0
	s.closed = true
	s.wakeLocked()
}

func (s *scheduler) wakeLocked() {
	for _, ch := range s.idle {
		close(ch)
	}
	s.idle = nil
}

// flush blocks until every task queued so far, and every task those
// enqueue, has run.
func (s *scheduler) flush(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// close stops accepting tasks; the worker drains the queue and exits.
func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}

// wait blocks until the worker has exited.
func (s *scheduler) wait() {
	<-s.done
}
