package queue

// slotWaiter parks a folder owner until a concurrency slot frees up.
// A value on granted is a real slot hand-off; a closed channel means the
// queue is shutting down and no slot was granted.
type slotWaiter struct {
	folder  string
	granted chan struct{}
}

// acquireSlot blocks until a slot under MAX_CONCURRENT is granted, FIFO among
// waiting folders. Returns false when shutdown or cancellation preempts it.
func (q *GroupQueue) acquireSlot(folder string) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	if q.active < q.opts.MaxConcurrent {
		q.active++
		q.mu.Unlock()
		return true
	}

	w := &slotWaiter{folder: folder, granted: make(chan struct{}, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-q.runCtx.Done():
		q.dropWaiter(w)
		return false
	case _, handed := <-w.granted:
		if !handed {
			// Shutdown aborted the wait; no slot changed hands.
			return false
		}
		q.mu.Lock()
		if q.shutdown {
			q.mu.Unlock()
			q.releaseSlot()
			return false
		}
		q.mu.Unlock()
		return true
	}
}

// releaseSlot frees a concurrency slot and wakes the oldest waiting folder.
func (q *GroupQueue) releaseSlot() {
	q.mu.Lock()
	if len(q.waiters) > 0 {
		// Hand the slot straight to the head of the line: active stays.
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w.granted <- struct{}{}
		return
	}
	q.active--
	q.mu.Unlock()
}

func (q *GroupQueue) dropWaiter(target *slotWaiter) {
	q.mu.Lock()
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()

	// Not on the list: a grant raced the cancellation. Give the slot back.
	select {
	case _, handed := <-target.granted:
		if handed {
			q.releaseSlot()
		}
	default:
	}
}
