package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// runOwner is the folder's single owner goroutine. It loops: wait for work,
// acquire a slot, run, drain, and re-enter immediately when work remains.
func (q *GroupQueue) runOwner(st *groupState) {
	defer q.wg.Done()

	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-st.wake:
		}

		for q.processPending(st) {
			// Drain: pending work re-enters Active without yielding the turn.
		}
	}
}

// processPending runs at most one unit of work. Returns true when the owner
// should immediately check for more.
func (q *GroupQueue) processPending(st *groupState) bool {
	q.mu.Lock()
	if q.shutdown || st.parked {
		q.mu.Unlock()
		return false
	}

	// Honor a scheduled backoff before re-entering.
	if wait := time.Until(st.retryAt); wait > 0 {
		q.mu.Unlock()
		select {
		case <-q.runCtx.Done():
			return false
		case <-time.After(wait):
		}
		q.mu.Lock()
	}

	// Priority: tasks before messages within a folder. The message flag is
	// claimed here, before the run, so a check enqueued mid-run sets it
	// again and triggers another pass.
	var task *store.ScheduledTask
	switch {
	case len(st.pendingTasks) > 0:
		task = st.pendingTasks[0]
		st.pendingTasks = st.pendingTasks[1:]
	case st.pendingMessages:
		st.pendingMessages = false
	default:
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	if !q.acquireSlot(st.folder) {
		// Shutdown raced the acquisition.
		return false
	}

	started := time.Now()
	q.mu.Lock()
	st.active = true
	st.isTaskContainer = task != nil
	st.idleWaiting = false
	q.mu.Unlock()

	runErr := q.runOne(st, task)

	q.mu.Lock()
	st.active = false
	st.idleWaiting = false
	st.isTaskContainer = false
	st.proc = nil

	if runErr == nil {
		st.retryCount = 0
		st.retryAt = time.Time{}
	} else {
		if task == nil {
			// The claimed check is still owed; put it back for the retry.
			st.pendingMessages = true
		}
		st.retryCount++
		if st.retryCount > q.opts.MaxRetries {
			slog.Warn("folder exhausted retries, parking until next enqueue",
				"folder", st.folder, "retries", st.retryCount-1)
			st.parked = true
			st.retryAt = time.Time{}
		} else {
			delay := q.opts.BaseRetry << (st.retryCount - 1)
			st.retryAt = time.Now().Add(delay)
			slog.Info("sandbox run failed, retrying with backoff",
				"folder", st.folder, "attempt", st.retryCount, "delay", delay, "error", runErr)
		}
	}

	more := !st.parked && (len(st.pendingTasks) > 0 || st.pendingMessages)
	q.mu.Unlock()

	q.releaseSlot()

	q.mu.Lock()
	observer := q.observer
	q.mu.Unlock()
	if task != nil && observer != nil {
		observer.TaskDone(task, started, runErr)
	}

	return more
}

// runOne executes a single sandbox run and waits for the container to exit.
func (q *GroupQueue) runOne(st *groupState, task *store.ScheduledTask) error {
	markIdle := func() {
		q.mu.Lock()
		st.idleWaiting = true
		q.mu.Unlock()
	}

	proc, err := q.executor.Execute(q.runCtx, st.folder, task, markIdle)
	if err != nil {
		return err
	}
	if proc == nil {
		// Nothing to do; counts as success.
		return nil
	}

	q.mu.Lock()
	st.proc = proc
	q.mu.Unlock()

	res := proc.Wait()
	if res.Failed() {
		return &RunFailure{Result: res}
	}
	return nil
}

// RunFailure wraps a failed sandbox result for retry bookkeeping.
type RunFailure struct {
	Result sandbox.RunResult
}

func (f *RunFailure) Error() string {
	switch {
	case f.Result.TimedOut:
		return "sandbox hard timeout"
	case f.Result.OutputErr != nil:
		return fmt.Sprintf("sandbox output error: %v", f.Result.OutputErr)
	default:
		return fmt.Sprintf("sandbox exited with code %d", f.Result.ExitCode)
	}
}
