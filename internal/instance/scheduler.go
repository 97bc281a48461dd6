package instance

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Op names the operation a scheduled task performs.
type Op string

const (
	OpCreate Op = "create"
	OpSwitch Op = "switch"
	OpDelete Op = "delete"
)

// Task describes a pending deferred phase.
type Task struct {
	ID       string
	Key      string
	Op       Op
	Deadline time.Time
}

type scheduledTask struct {
	Task
	timer *time.Timer
}

// Scheduler is the registry of pending deferred phases. Every scheduled task
// runs exactly once after the configured delay unless the scheduler is
// stopped first.
type Scheduler struct {
	delay  time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	tasks    map[string]*scheduledTask
	stopped  bool
	running  sync.WaitGroup
	onChange func(pending int)
}

// NewScheduler creates a scheduler that delays every task by delay.
// onChange, when non-nil, observes the pending-task count after each change.
func NewScheduler(delay time.Duration, logger *zap.Logger, onChange func(pending int)) *Scheduler {
	return &Scheduler{
		delay:    delay,
		logger:   logger.Named("scheduler"),
		tasks:    make(map[string]*scheduledTask),
		onChange: onChange,
	}
}

// Delay returns the fixed delay applied to every task.
func (s *Scheduler) Delay() time.Duration {
	return s.delay
}

// Schedule arms fn to run after the delay. key is the instance id the task
// targets. It returns false when the scheduler has been stopped.
func (s *Scheduler) Schedule(key string, op Op, fn func()) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Task{}, false
	}

	t := &scheduledTask{Task: Task{
		ID:       uuid.NewString(),
		Key:      key,
		Op:       op,
		Deadline: time.Now().Add(s.delay),
	}}
	s.running.Add(1)
	t.timer = time.AfterFunc(s.delay, func() { s.fire(t, fn) })
	s.tasks[t.ID] = t
	s.notify(len(s.tasks))

	s.logger.Debug("task scheduled",
		zap.String("task", t.ID),
		zap.String("key", key),
		zap.String("op", string(op)),
		zap.Duration("delay", s.delay),
		zap.Time("deadline", t.Deadline))
	return t.Task, true
}

func (s *Scheduler) fire(t *scheduledTask, fn func()) {
	defer s.running.Done()

	s.mu.Lock()
	if _, ok := s.tasks[t.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, t.ID)
	s.notify(len(s.tasks))
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in deferred task",
				zap.String("task", t.ID),
				zap.String("key", t.Key),
				zap.String("op", string(t.Op)),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// Pending returns the tasks still waiting for the given key, in no
// particular order.
func (s *Scheduler) Pending(key string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Key == key {
			out = append(out, t.Task)
		}
	}
	return out
}

// Len reports the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Wait blocks until every task that has been scheduled has either run or
// been cancelled by Stop.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// Stop cancels all pending tasks and rejects new ones. It returns the number
// of tasks that were cancelled. Tasks already running are not interrupted.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	cancelled := 0
	for id, t := range s.tasks {
		if t.timer.Stop() {
			s.running.Done()
			cancelled++
		}
		delete(s.tasks, id)
	}
	s.notify(0)

	if cancelled > 0 {
		s.logger.Info("cancelled pending tasks", zap.Int("count", cancelled))
	}
	return cancelled
}

func (s *Scheduler) notify(pending int) {
	if s.onChange != nil {
		s.onChange(pending)
	}
}
