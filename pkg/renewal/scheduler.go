// Package renewal runs one cancellable timed task per certificate.
package renewal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is a scheduled call. It runs at most once.
type Task struct {
	id    uuid.UUID
	at    time.Time
	timer *time.Timer

	once      sync.Once
	done      chan struct{}
	cancelled bool
}

// ID is the certificate id the task was scheduled for.
func (t *Task) ID() uuid.UUID {
	return t.id
}

// At is when the task fires.
func (t *Task) At() time.Time {
	return t.at
}

// Done is closed once the task has run or was cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the task was cancelled before it ran. Only
// meaningful after Done is closed.
func (t *Task) Cancelled() bool {
	<-t.done
	return t.cancelled
}

// Cancel prevents the task from running. It reports whether this call
// cancelled it.
func (t *Task) Cancel() bool {
	if !t.timer.Stop() {
		return false
	}
	cancelled := false
	t.once.Do(func() {
		t.cancelled = true
		cancelled = true
		close(t.done)
	})
	return cancelled
}

// Scheduler holds at most one pending task per id.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[uuid.UUID]*Task
	stopped bool
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		tasks:  make(map[uuid.UUID]*Task),
	}
}

// Schedule runs fn at the given time on its own goroutine. A pending task
// for the same id is cancelled and replaced. A time in the past runs fn
// immediately. It returns nil once the scheduler is stopped.
func (s *Scheduler) Schedule(id uuid.UUID, at time.Time, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	if prev, ok := s.tasks[id]; ok {
		prev.Cancel()
	}

	task := &Task{id: id, at: at, done: make(chan struct{})}
	task.timer = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		if s.tasks[id] == task {
			delete(s.tasks, id)
		}
		s.mu.Unlock()

		task.once.Do(func() {
			defer close(task.done)
			fn()
		})
	})
	s.tasks[id] = task

	s.logger.Debug("Scheduled renewal", zap.Stringer("id", id), zap.Time("at", at))
	return task
}

// Cancel cancels the pending task for id.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	return ok && task.Cancel()
}

// Pending returns the number of tasks that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task. Later calls to Schedule return nil.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[uuid.UUID]*Task)
	s.stopped = true
	s.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
}
