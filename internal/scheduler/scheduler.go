// Package scheduler runs the periodic sweeps on cron schedules. Each task
// carries its own running flag: a tick that fires while the previous tick
// of the same task is still executing is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
)

var (
	ErrUnknownTask     = errors.New("scheduler: unknown task")
	ErrTaskDisabled    = errors.New("scheduler: task disabled")
	ErrInvalidSchedule = errors.New("scheduler: invalid cron expression")
	ErrDuplicateTask   = errors.New("scheduler: task already registered")
	ErrPanic           = errors.New("scheduler: task panicked")
)

// parser accepts exactly the standard five-field grammar, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a cron expression against the five-field grammar.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	return nil
}

// TaskFunc is one tick of a task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	spec     string
	fn       TaskFunc
	running  atomic.Bool
	disabled error
	entry    cron.EntryID

	mu         sync.Mutex
	lastStart  time.Time
	lastFinish time.Time
	lastErr    error
	runs       uint64
	skipped    uint64
}

// TaskInfo is a snapshot of a task for health and admin endpoints.
type TaskInfo struct {
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	Enabled        bool       `json:"enabled"`
	DisabledReason string     `json:"disabledReason,omitempty"`
	Running        bool       `json:"running"`
	LastStart      *time.Time `json:"lastStart,omitempty"`
	LastFinish     *time.Time `json:"lastFinish,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
	Runs           uint64     `json:"runs"`
	Skipped        uint64     `json:"skipped"`
}

// Scheduler owns the cron runner and the registered tasks.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*task
	order []string

	started atomic.Bool
}

// New creates a scheduler. Schedules are evaluated in UTC.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Register adds a task. A non-nil prereq or an invalid expression registers the
// task as disabled and returns the reason; the other tasks are unaffected.
func (s *Scheduler) Register(name, spec string, prereq error, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	t := &task{name: name, spec: spec, fn: fn}
	s.tasks[name] = t
	s.order = append(s.order, name)

	switch {
	case prereq != nil:
		t.disabled = fmt.Errorf("%w: %v", ErrTaskDisabled, prereq)
	default:
		if err := Validate(spec); err != nil {
			t.disabled = fmt.Errorf("%w: %v", ErrTaskDisabled, err)
			break
		}
		sched, _ := parser.Parse(spec)
		t.entry = s.cron.Schedule(sched, cron.FuncJob(func() {
			_, _ = s.run(context.Background(), t)
		}))
	}

	if t.disabled != nil {
		metrics.SchedulerTaskEnabled.WithLabelValues(name).Set(0)
		s.logger.Error("scheduled task disabled", "task", name, "schedule", spec, "reason", t.disabled)
		return t.disabled
	}
	metrics.SchedulerTaskEnabled.WithLabelValues(name).Set(1)
	s.logger.Info("scheduled task registered", "task", name, "schedule", spec)
	return nil
}

// Start begins firing registered tasks.
func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		s.cron.Start()
	}
}

// Stop halts the timers and waits for in-flight ticks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs one tick of name now, under the same running flag as the
// timer. ran is false when the previous tick was still executing.
func (s *Scheduler) Trigger(ctx context.Context, name string) (ran bool, err error) {
	t, err := s.task(name)
	if err != nil {
		return false, err
	}
	if t.disabled != nil {
		return false, t.disabled
	}
	return s.run(ctx, t)
}

// Running reports whether a tick of name is executing.
func (s *Scheduler) Running(name string) bool {
	t, err := s.task(name)
	return err == nil && t.running.Load()
}

// ResetForTest clears a task's running flag.
func (s *Scheduler) ResetForTest(name string) {
	if t, err := s.task(name); err == nil {
		t.running.Store(false)
	}
}

// Tasks reports every task in registration order.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		info := TaskInfo{
			Name:     t.name,
			Schedule: t.spec,
			Enabled:  t.disabled == nil,
			Running:  t.running.Load(),
		}
		if t.disabled != nil {
			info.DisabledReason = t.disabled.Error()
		} else if s.started.Load() {
			if next := s.cron.Entry(t.entry).Next; !next.IsZero() {
				info.NextRun = &next
			}
		}

		t.mu.Lock()
		if !t.lastStart.IsZero() {
			ls := t.lastStart
			info.LastStart = &ls
		}
		if !t.lastFinish.IsZero() {
			lf := t.lastFinish
			info.LastFinish = &lf
		}
		if t.lastErr != nil {
			info.LastError = t.lastErr.Error()
		}
		info.Runs, info.Skipped = t.runs, t.skipped
		t.mu.Unlock()

		out = append(out, info)
	}
	return out
}

func (s *Scheduler) task(name string) (*task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return t, nil
}

func (s *Scheduler) run(ctx context.Context, t *task) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		metrics.SweepRunsTotal.WithLabelValues(t.name, "skipped").Inc()
		s.logger.Warn("previous tick still running, skipping", "task", t.name)
		return false, nil
	}
	defer t.running.Store(false)

	tickID := idgen.WithPrefix("tick_")
	ctx = logging.WithTick(ctx, t.name, tickID)
	start := time.Now()
	t.mu.Lock()
	t.lastStart = start
	t.mu.Unlock()

	err := s.invoke(ctx, t, tickID)

	elapsed := time.Since(start)
	result := "ok"
	switch {
	case errors.Is(err, ErrPanic):
		result = "panic"
	case err != nil:
		result = "error"
	}
	metrics.SweepRunsTotal.WithLabelValues(t.name, result).Inc()
	metrics.SweepDuration.WithLabelValues(t.name).Observe(elapsed.Seconds())

	t.mu.Lock()
	t.lastFinish = time.Now()
	t.lastErr = err
	t.runs++
	t.mu.Unlock()

	if err != nil {
		s.logger.Warn("tick finished with errors", "task", t.name, "tick_id", tickID, "duration", elapsed, "error", err)
	} else {
		s.logger.Debug("tick finished", "task", t.name, "tick_id", tickID, "duration", elapsed)
	}
	return true, err
}

func (s *Scheduler) invoke(ctx context.Context, t *task, tickID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled task",
				"task", t.name, "tick_id", tickID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return t.fn(ctx)
}
