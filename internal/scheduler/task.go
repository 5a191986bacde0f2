package scheduler

import (
	"sync"
	"time"
)

// task is a single pending timer that can be re-armed or cancelled.
// A callback whose generation was superseded never runs.
type task struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (t *task) schedule(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

func (t *task) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *task) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
