// Package queue schedules sandbox runs per registered folder.
//
// Every folder gets a single owner goroutine that serializes its transitions:
// enqueue, activation, run, drain, retry. A central slot table enforces the
// global concurrency cap with FIFO hand-off among waiting folders. No folder
// state is touched outside its owner except through the state mutex guarding
// the fields sendMessage and Shutdown need.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Executor launches one sandbox run on behalf of the queue.
//
// task is nil for message work. markIdle must be invoked by the executor's
// output hook after every successful record; it flips the folder into
// idle-waiting so follow-ups can be piped instead of spawning a new sandbox.
//
// Returning (nil, nil) means there was nothing to do; the queue treats it as
// a successful no-op run.
type Executor interface {
	Execute(ctx context.Context, folder string, task *store.ScheduledTask, markIdle func()) (*sandbox.Process, error)
}

// TaskObserver is notified when a task run finishes. The scheduler uses it to
// advance next_run and append the run log.
type TaskObserver interface {
	TaskDone(task *store.ScheduledTask, started time.Time, runErr error)
}

// Options bounds the queue.
type Options struct {
	MaxConcurrent int
	BaseRetry     time.Duration
	MaxRetries    int
}

// ErrShuttingDown is returned for enqueues after Shutdown began.
var ErrShuttingDown = errors.New("queue is shutting down")

// GroupQueue owns all per-folder scheduling state.
type GroupQueue struct {
	opts     Options
	executor Executor
	observer TaskObserver
	dirs     ipc.Dirs

	mu       sync.Mutex
	states   map[string]*groupState
	active   int
	waiters  []*slotWaiter // FIFO among folders waiting for a slot
	shutdown bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// groupState is one folder's scheduling state. Owned by the folder goroutine;
// the queue mutex guards the fields read from outside it.
type groupState struct {
	folder          string
	active          bool
	idleWaiting     bool
	isTaskContainer bool
	pendingMessages bool
	pendingTasks    []*store.ScheduledTask
	proc            *sandbox.Process
	retryCount      int
	retryAt         time.Time
	parked          bool

	wake chan struct{} // pulses the owner goroutine
}

// New builds a GroupQueue. ipcRoot is the base of the per-folder IPC tree.
func New(opts Options, executor Executor, observer TaskObserver, ipcRoot string) *GroupQueue {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		opts:      opts,
		executor:  executor,
		observer:  observer,
		dirs:      ipc.Dirs{Root: ipcRoot},
		states:    make(map[string]*groupState),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// SetObserver wires the task observer after construction. The scheduler and
// the queue reference each other, so one side has to be attached late; call
// this before the first EnqueueTask.
func (q *GroupQueue) SetObserver(observer TaskObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = observer
}

// EnqueueMessageCheck asks the folder's owner to run a message check. The
// processor re-queries the store at execution time, so several enqueues
// collapse into one run.
func (q *GroupQueue) EnqueueMessageCheck(folder string) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	st := q.stateLocked(folder)
	st.pendingMessages = true
	if st.parked {
		// A fresh enqueue un-parks the folder and restarts the backoff ladder.
		st.parked = false
		st.retryCount = 0
	}
	q.mu.Unlock()

	st.notify()
	return nil
}

// EnqueueTask queues a scheduled task run for its folder. A task already
// pending or running is not queued twice.
func (q *GroupQueue) EnqueueTask(task *store.ScheduledTask) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	st := q.stateLocked(task.Folder)
	for _, pending := range st.pendingTasks {
		if pending.ID == task.ID {
			q.mu.Unlock()
			return nil
		}
	}
	st.pendingTasks = append(st.pendingTasks, task)
	if st.parked {
		st.parked = false
		st.retryCount = 0
	}
	q.mu.Unlock()

	st.notify()
	return nil
}

// SendMessage pipes a follow-up prompt into a live idle-waiting sandbox.
// Returns true when the prompt was written; false tells the caller to
// enqueue a fresh message check instead. Task containers never accept piped
// messages.
func (q *GroupQueue) SendMessage(folder, text string) bool {
	q.mu.Lock()
	st, ok := q.states[folder]
	if !ok || st.proc == nil || !st.idleWaiting || st.isTaskContainer {
		q.mu.Unlock()
		return false
	}
	proc := st.proc
	st.idleWaiting = false
	q.mu.Unlock()

	if _, err := q.dirs.WriteInput(folder, text); err != nil {
		slog.Error("ipc input write failed", "folder", folder, "error", err)
		q.mu.Lock()
		st.idleWaiting = true
		q.mu.Unlock()
		return false
	}

	proc.Touch()
	slog.Debug("piped message into live sandbox", "folder", folder)
	return true
}

// ActiveCount returns the number of live sandboxes.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// stateLocked returns the folder's state, creating its owner goroutine on
// first use. Caller holds q.mu.
func (q *GroupQueue) stateLocked(folder string) *groupState {
	st, ok := q.states[folder]
	if !ok {
		st = &groupState{folder: folder, wake: make(chan struct{}, 1)}
		q.states[folder] = st
		q.wg.Add(1)
		go q.runOwner(st)
	}
	return st
}

func (st *groupState) notify() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}
