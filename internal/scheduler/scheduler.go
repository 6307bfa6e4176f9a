// Package scheduler runs the orchestrator's periodic work: health probes,
// leak suites, audit pruning. Tasks are registered once at startup; the
// scheduler owns their timing and bounds each run with a timeout.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/logging"
)

// TaskFunc performs one run of a scheduled task. The context is cancelled
// when the scheduler stops or the task's timeout elapses.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task is one periodic job.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is the observable state of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks   map[string]*taskEntry
	mu      sync.RWMutex
	logger  *logging.Logger
	clk     clock.Clock
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	// tick is the poll interval of the run loop; shortened in tests.
	tick time.Duration
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
}

// New creates a scheduler.
func New(logger *logging.Logger, clk clock.Clock) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: logger.WithComponent("scheduler"),
		clk:    clk,
		tick:   time.Second,
	}
}

// AddTask registers a task. Tasks are identified by ID; adding a duplicate
// is an error.
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

	entry := &taskEntry{
		task:    task,
		status:  TaskStatus{ID: task.ID, Name: task.Name},
		nextRun: task.Schedule.Next(s.clk.Now()),
	}
	entry.status.NextRun = entry.nextRun

	s.tasks[task.ID] = entry
	s.logger.Debug("task added", "id", task.ID, "next_run", entry.nextRun)
	return nil
}

// RunTask runs a task immediately, regardless of schedule.
func (s *Scheduler) RunTask(id string) error {
	s.mu.RLock()
	entry, exists := s.tasks[id]
	running := s.running
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	if !running {
		return fmt.Errorf("scheduler is not running")
	}

	s.wg.Add(1)
	go s.executeTask(entry)
	return nil
}

// Status returns the status of all tasks, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Start begins running tasks on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	var onStart []*taskEntry
	for _, entry := range s.tasks {
		if entry.task.RunOnStart {
			onStart = append(onStart, entry)
		}
	}
	s.wg.Add(len(onStart))
	s.mu.Unlock()

	s.logger.Info("scheduler started", "tasks", len(s.tasks))

	for _, entry := range onStart {
		go s.executeTask(entry)
	}
	go s.run()
}

// Stop cancels outstanding runs and waits for them to finish.
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

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkDueTasks()
		}
	}
}

func (s *Scheduler) checkDueTasks() {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*taskEntry
	for _, entry := range s.tasks {
		if entry.nextRun.IsZero() || now.Before(entry.nextRun) {
			continue
		}
		// Push nextRun forward before the goroutine starts so a slow task
		// is not re-launched on the next tick.
		entry.nextRun = entry.task.Schedule.Next(now)
		entry.status.NextRun = entry.nextRun
		due = append(due, entry)
	}
	s.wg.Add(len(due))
	s.mu.Unlock()

	for _, entry := range due {
		go s.executeTask(entry)
	}
}

// executeTask runs one task. Caller has already incremented the wait group.
func (s *Scheduler) executeTask(entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	ctx := s.ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := s.clk.Now()
	err := task.Func(ctx)
	duration := s.clk.Since(start)

	s.mu.Lock()
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
	} else {
		entry.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
}
