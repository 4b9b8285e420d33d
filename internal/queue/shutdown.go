package queue

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
)

// Shutdown stops the queue: new enqueues are rejected, every live sandbox
// gets a _close sentinel, and any process still alive after timeout is
// killed. On return no sandbox owned by the queue is running.
func (q *GroupQueue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true

	var live []*sandbox.Process
	for folder, st := range q.states {
		if st.proc != nil {
			live = append(live, st.proc)
			if err := q.dirs.WriteCloseSentinel(folder); err != nil {
				slog.Warn("close sentinel write failed", "folder", folder, "error", err)
			}
		}
	}
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	// Wake parked waiters so their owners observe shutdown and exit.
	for _, w := range waiters {
		close(w.granted)
	}

	slog.Info("queue shutting down", "live_sandboxes", len(live), "timeout", timeout)

	deadline := time.After(timeout)
	for _, proc := range live {
		select {
		case <-proc.Done():
		case <-deadline:
			slog.Warn("sandbox did not exit in time, killing", "container", proc.ContainerName)
			proc.Kill()
			<-proc.Done()
		}
	}

	// Stop owner goroutines.
	q.cancelRun()
	q.wg.Wait()
	slog.Info("queue shut down")
}
