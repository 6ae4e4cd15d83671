// Package scheduler runs the daemon's periodic recompilation and lets file
// watchers request an immediate run.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/timewall/internal/clock"
	"grimm.is/timewall/internal/logging"
)

// TaskFunc performs a scheduled task. Its context is cancelled when the
// scheduler stops.
type TaskFunc func(ctx context.Context) error

// Task is a named unit of scheduled work. A task never runs concurrently
// with itself; a trigger that arrives while it runs is kept and served once
// the current run ends.
type Task struct {
	ID         string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is the observable state of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*taskEntry
	clock   clock.Clock
	tick    time.Duration
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
	busy    bool
	pending bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTick sets how often due tasks are checked. The default is one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New creates a scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		tasks:  make(map[string]*taskEntry),
		clock:  clock.Default,
		tick:   time.Second,
		logger: logger.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask registers a task.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{task: task, status: TaskStatus{ID: task.ID}}
	entry.nextRun = task.Schedule.Next(s.clock.Now())
	entry.status.NextRun = entry.nextRun
	s.tasks[task.ID] = entry
	s.logger.Debug("task added", "id", task.ID, "next_run", entry.nextRun)
	return nil
}

// Trigger requests an immediate run of a task. Triggers arriving while the
// task runs collapse into one follow-up run.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}
	s.dispatchLocked(entry)
	return nil
}

// Status returns the status of every task, sorted by ID.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		out = append(out, entry.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TaskStatus returns the status of one task.
func (s *Scheduler) TaskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, entry := range s.tasks {
		if entry.task.RunOnStart {
			s.dispatchLocked(entry)
		}
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks(s.clock.Now())
		}
	}
}

func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.tasks {
		if !now.Before(entry.nextRun) {
			s.dispatchLocked(entry)
		}
	}
}

// dispatchLocked starts entry unless it is already running, in which case
// it marks a follow-up run. s.mu must be held.
func (s *Scheduler) dispatchLocked(entry *taskEntry) {
	if entry.busy {
		entry.pending = true
		return
	}
	entry.busy = true
	s.wg.Add(1)
	go s.executeTask(entry)
}

func (s *Scheduler) executeTask(entry *taskEntry) {
	defer s.wg.Done()

	for {
		task := entry.task
		var ctx context.Context
		var cancel context.CancelFunc
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, task.Timeout)
		} else {
			ctx, cancel = context.WithCancel(s.ctx)
		}

		start := s.clock.Now()
		err := task.Func(ctx)
		cancel()
		duration := s.clock.Since(start)

		s.mu.Lock()
		entry.status.LastRun = start
		entry.status.LastDuration = duration
		entry.status.RunCount++
		if err != nil {
			entry.status.LastError = err.Error()
			entry.status.ErrorCount++
			s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
		} else {
			entry.status.LastError = ""
			s.logger.Debug("task completed", "id", task.ID, "duration", duration)
		}
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun

		if !entry.pending || s.ctx.Err() != nil {
			entry.busy = false
			entry.pending = false
			s.mu.Unlock()
			return
		}
		entry.pending = false
		s.mu.Unlock()
	}
}
