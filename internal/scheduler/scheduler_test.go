package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

type fakeTaskStore struct {
	mu       sync.Mutex
	due      []store.ScheduledTask
	nextRuns map[string]string
	statuses map[string]string
	runs     []store.TaskRunLog
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		nextRuns: make(map[string]string),
		statuses: make(map[string]string),
	}
}

func (f *fakeTaskStore) DueTasks(now string) ([]store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ScheduledTask(nil), f.due...), nil
}

func (f *fakeTaskStore) SetTaskNextRun(id, nextRun string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRuns[id] = nextRun
	return nil
}

func (f *fakeTaskStore) SetTaskStatus(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeTaskStore) RecordTaskRun(id string, entry store.TaskRunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, entry)
	return nil
}

type fakeTaskQueue struct {
	mu    sync.Mutex
	ids   []string
	errOn map[string]error
}

func (f *fakeTaskQueue) EnqueueTask(task *store.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errOn[task.ID]; err != nil {
		return err
	}
	f.ids = append(f.ids, task.ID)
	return nil
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		kind    string
		value   string
		want    time.Time
		wantErr bool
	}{
		{"interval advances by ms", store.ScheduleInterval, "3600000", now.Add(time.Hour), false},
		{"interval rejects zero", store.ScheduleInterval, "0", time.Time{}, true},
		{"interval rejects junk", store.ScheduleInterval, "soon", time.Time{}, true},
		{"once is exhausted", store.ScheduleOnce, "", time.Time{}, false},
		{"cron next 9am", store.ScheduleCron, "0 9 * * *", time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC), false},
		{"cron invalid", store.ScheduleCron, "not a cron", time.Time{}, true},
		{"unknown kind", "hourly", "", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.kind, tt.value, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunCronHonorsTimeZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, loc)
	next, err := NextRun(store.ScheduleCron, "0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 1, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestInitialNextRun(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	t.Run("once empty means now", func(t *testing.T) {
		got, err := InitialNextRun(store.ScheduleOnce, "", now)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(now) {
			t.Errorf("got %v, want %v", got, now)
		}
	})

	t.Run("once parses rfc3339", func(t *testing.T) {
		got, err := InitialNextRun(store.ScheduleOnce, "2026-09-01T08:00:00Z", now)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("once rejects junk", func(t *testing.T) {
		if _, err := InitialNextRun(store.ScheduleOnce, "tomorrow", now); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("cron validity checked", func(t *testing.T) {
		if _, err := InitialNextRun(store.ScheduleCron, "99 99 * * *", now); err == nil {
			t.Error("expected error")
		}
		got, err := InitialNextRun(store.ScheduleCron, "*/5 * * * *", now)
		if err != nil {
			t.Fatal(err)
		}
		if !got.After(now) {
			t.Errorf("first cron tick %v not after now", got)
		}
	})
}

func TestTickEnqueuesAndDedupes(t *testing.T) {
	ts := newFakeTaskStore()
	tq := &fakeTaskQueue{}
	s := New(ts, tq, time.UTC, time.Minute)

	ts.due = []store.ScheduledTask{
		{ID: "t1", Folder: "team", ScheduleKind: store.ScheduleInterval, ScheduleValue: "60000"},
		{ID: "t2", Folder: "ops", ScheduleKind: store.ScheduleOnce},
	}

	s.tick(time.Now())
	s.tick(time.Now()) // same due set again; in-flight guard must hold

	if len(tq.ids) != 2 || tq.ids[0] != "t1" || tq.ids[1] != "t2" {
		t.Fatalf("enqueued = %v, want [t1 t2] exactly once", tq.ids)
	}
}

func TestTickReleasesGuardOnRejectedEnqueue(t *testing.T) {
	ts := newFakeTaskStore()
	tq := &fakeTaskQueue{errOn: map[string]error{"t1": errors.New("shutting down")}}
	s := New(ts, tq, time.UTC, time.Minute)

	ts.due = []store.ScheduledTask{{ID: "t1", Folder: "team", ScheduleKind: store.ScheduleOnce}}
	s.tick(time.Now())

	tq.mu.Lock()
	tq.errOn = nil
	tq.mu.Unlock()
	s.tick(time.Now())

	if len(tq.ids) != 1 || tq.ids[0] != "t1" {
		t.Fatalf("enqueued = %v, want retry after rejected enqueue", tq.ids)
	}
}

func TestTaskDoneAdvancesInterval(t *testing.T) {
	ts := newFakeTaskStore()
	s := New(ts, &fakeTaskQueue{}, time.UTC, time.Minute)

	task := &store.ScheduledTask{
		ID:            "t1",
		Folder:        "team",
		ScheduleKind:  store.ScheduleInterval,
		ScheduleValue: "60000",
		LastResult:    "report sent",
	}
	started := time.Now().Add(-2 * time.Second)
	s.TaskDone(task, started, nil)

	next, ok := ts.nextRuns["t1"]
	if !ok || next == "" {
		t.Fatal("next_run not advanced")
	}
	at, err := time.Parse(time.RFC3339Nano, next)
	if err != nil {
		t.Fatal(err)
	}
	if until := time.Until(at); until < 50*time.Second || until > 70*time.Second {
		t.Errorf("next_run %v not about a minute out", until)
	}

	if len(ts.runs) != 1 {
		t.Fatalf("run log entries = %d", len(ts.runs))
	}
	entry := ts.runs[0]
	if entry.Status != "success" || entry.Result != "report sent" {
		t.Errorf("run log = %+v", entry)
	}
	if entry.DurationMS < 1900 {
		t.Errorf("duration %dms, want about 2s", entry.DurationMS)
	}

	if st := ts.statuses["t1"]; st != "" {
		t.Errorf("interval task status changed to %q", st)
	}

	// Guard released: the task may be enqueued again.
	s.mu.Lock()
	inFlight := s.inFlight["t1"]
	s.mu.Unlock()
	if inFlight {
		t.Error("in-flight guard not released")
	}
}

func TestTaskDoneCompletesOnce(t *testing.T) {
	ts := newFakeTaskStore()
	s := New(ts, &fakeTaskQueue{}, time.UTC, time.Minute)

	task := &store.ScheduledTask{ID: "t1", Folder: "team", ScheduleKind: store.ScheduleOnce}
	s.TaskDone(task, time.Now(), nil)

	if next := ts.nextRuns["t1"]; next != "" {
		t.Errorf("once task kept next_run %q", next)
	}
	if st := ts.statuses["t1"]; st != store.TaskCompleted {
		t.Errorf("status = %q, want completed", st)
	}
}

func TestTaskDoneLogsFailure(t *testing.T) {
	ts := newFakeTaskStore()
	s := New(ts, &fakeTaskQueue{}, time.UTC, time.Minute)

	task := &store.ScheduledTask{ID: "t1", Folder: "team", ScheduleKind: store.ScheduleOnce}
	s.TaskDone(task, time.Now(), errors.New("sandbox exited with code 1"))

	if len(ts.runs) != 1 {
		t.Fatalf("run log entries = %d", len(ts.runs))
	}
	entry := ts.runs[0]
	if entry.Status != "error" || entry.Error != "sandbox exited with code 1" {
		t.Errorf("run log = %+v", entry)
	}
	// A failed once run still completes the task; the log carries the error.
	if st := ts.statuses["t1"]; st != store.TaskCompleted {
		t.Errorf("status = %q", st)
	}
}
