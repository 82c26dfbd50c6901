package observer

import (
	"context"
	"sync"
)

// publisher is the Go shape of spec.md §9's "single-slot watch channel":
// the latest value is always available via get(), and wait() suspends a
// caller until a value different from the one it last saw is published.
// Stale intermediate values are never queued — only the newest matters.
type publisher struct {
	mu    sync.Mutex
	value Count
	ch    chan struct{}
}

func newPublisher() *publisher {
	return &publisher{ch: make(chan struct{})}
}

func (p *publisher) get() Count {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// set publishes v if it differs from the current value, waking every
// waiter. Returns whether a new value was published.
func (p *publisher) set(v Count) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v == p.value {
		return false
	}
	p.value = v
	close(p.ch)
	p.ch = make(chan struct{})
	return true
}

// wait blocks until the published value differs from last, or ctx is done.
func (p *publisher) wait(ctx context.Context, last Count) (Count, error) {
	p.mu.Lock()
	cur := p.value
	ch := p.ch
	p.mu.Unlock()

	if cur != last {
		return cur, nil
	}

	select {
	case <-ch:
		return p.get(), nil
	case <-ctx.Done():
		return Count{}, ctx.Err()
	}
}
