// Package scheduler finds due tasks and hands them to the group queue.
// Due-time computation supports cron expressions (evaluated with gronx in the
// configured time zone), fixed millisecond intervals, and one-shot tasks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// TaskStore is the slice of the persistence store the scheduler needs.
type TaskStore interface {
	DueTasks(now string) ([]store.ScheduledTask, error)
	SetTaskNextRun(id, nextRun string) error
	SetTaskStatus(id, status string) error
	RecordTaskRun(id string, entry store.TaskRunLog) error
}

// TaskQueue enqueues a task run onto the group queue.
type TaskQueue interface {
	EnqueueTask(task *store.ScheduledTask) error
}

// Scheduler drives scheduled task execution.
type Scheduler struct {
	store    TaskStore
	queue    TaskQueue
	loc      *time.Location
	interval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool // task_id → enqueued or running
}

// New builds a Scheduler. loc is the cron evaluation time zone.
func New(ts TaskStore, tq TaskQueue, loc *time.Location, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:    ts,
		queue:    tq,
		loc:      loc,
		interval: interval,
		inFlight: make(map[string]bool),
	}
}

// Run polls for due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(time.Now())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick enqueues every due task that is not already in flight.
// DueTasks orders by next_run then id, so same-folder ties run in that order.
func (s *Scheduler) tick(now time.Time) {
	due, err := s.store.DueTasks(store.FormatTime(now))
	if err != nil {
		slog.Error("due task query failed", "error", err)
		return
	}

	for i := range due {
		task := due[i]

		s.mu.Lock()
		if s.inFlight[task.ID] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[task.ID] = true
		s.mu.Unlock()

		if err := s.queue.EnqueueTask(&task); err != nil {
			slog.Warn("task enqueue rejected", "task_id", task.ID, "error", err)
			s.mu.Lock()
			delete(s.inFlight, task.ID)
			s.mu.Unlock()
			continue
		}
		slog.Info("task enqueued", "task_id", task.ID, "folder", task.Folder, "kind", task.ScheduleKind)
	}
}

// TaskDone implements queue.TaskObserver: advances next_run, appends the run
// log, and releases the in-flight guard.
func (s *Scheduler) TaskDone(task *store.ScheduledTask, started time.Time, runErr error) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, task.ID)
		s.mu.Unlock()
	}()

	now := time.Now()
	entry := store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      store.FormatTime(started),
		DurationMS: now.Sub(started).Milliseconds(),
	}
	if runErr != nil {
		entry.Status = "error"
		entry.Error = runErr.Error()
	} else {
		entry.Status = "success"
		entry.Result = task.LastResult
	}

	if err := s.store.RecordTaskRun(task.ID, entry); err != nil {
		slog.Error("task run log append failed", "task_id", task.ID, "error", err)
	}

	next, err := NextRun(task.ScheduleKind, task.ScheduleValue, now.In(s.loc))
	if err != nil {
		slog.Error("next run computation failed", "task_id", task.ID, "error", err)
		return
	}

	if next.IsZero() {
		// One-shot: done for good.
		if err := s.store.SetTaskNextRun(task.ID, ""); err != nil {
			slog.Error("clear next_run failed", "task_id", task.ID, "error", err)
		}
		if err := s.store.SetTaskStatus(task.ID, store.TaskCompleted); err != nil {
			slog.Error("complete task failed", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := s.store.SetTaskNextRun(task.ID, store.FormatTime(next)); err != nil {
		slog.Error("advance next_run failed", "task_id", task.ID, "error", err)
	}
}

// NextRun computes the next due time after now, or the zero time when the
// schedule is exhausted (once).
func NextRun(kind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", value, err)
		}
		return next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	case store.ScheduleOnce:
		return time.Time{}, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// InitialNextRun computes a brand-new task's first due time.
// For once tasks the value itself is the due time (RFC3339); empty means now.
func InitialNextRun(kind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		if !gronx.New().IsValid(value) {
			return time.Time{}, fmt.Errorf("invalid cron expression %q", value)
		}
		return gronx.NextTickAfter(value, now, false)

	case store.ScheduleInterval:
		return NextRun(kind, value, now)

	case store.ScheduleOnce:
		if value == "" {
			return now, nil
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid once time %q: %w", value, err)
		}
		return at, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}
