package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// slotPool is a counting semaphore whose effective size can shrink or grow
// below a fixed ceiling. The unused part of the ceiling is held as a reserve.
type slotPool struct {
	sem      *semaphore.Weighted
	mu       sync.Mutex
	ceiling  int64
	reserved int64
}

func newSlotPool(ceiling int) *slotPool {
	if ceiling <= 0 {
		ceiling = 1
	}
	return &slotPool{sem: semaphore.NewWeighted(int64(ceiling)), ceiling: int64(ceiling)}
}

// resize sets the number of usable slots. Shrinking waits until enough
// in-use slots have been released.
func (p *slotPool) resize(ctx context.Context, limit int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := int64(limit)
	if want < 1 {
		want = 1
	}
	if want > p.ceiling {
		want = p.ceiling
	}
	target := p.ceiling - want

	switch {
	case target > p.reserved:
		if err := p.sem.Acquire(ctx, target-p.reserved); err != nil {
			return err
		}
	case target < p.reserved:
		p.sem.Release(p.reserved - target)
	}
	p.reserved = target
	return nil
}

func (p *slotPool) limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.ceiling - p.reserved)
}

func (p *slotPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *slotPool) release() {
	p.sem.Release(1)
}
