package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
)

// poolWait bounds how long a caller queues for a pool slot before failing
// with fault.ErrOverloaded.
const poolWait = 5 * time.Second

// Pool bounds concurrent calls to one external service across all sessions.
// A nil Pool, or one created with size <= 0, admits everything.
type Pool struct {
	name  string
	slots chan struct{}
	wait  time.Duration
}

// NewPool creates a pool admitting at most size concurrent holders.
func NewPool(name string, size int) *Pool {
	p := &Pool{name: name, wait: poolWait}
	if size > 0 {
		p.slots = make(chan struct{}, size)
	}
	return p
}

// Acquire claims a slot, queueing up to 5 s. The returned release function
// must be called exactly once; it is safe to defer.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if p == nil || p.slots == nil {
		return func() {}, nil
	}

	select {
	case p.slots <- struct{}{}:
		return func() { <-p.slots }, nil
	default:
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		return func() { <-p.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("resilience: %s pool: %w: %v", p.name, fault.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("resilience: %s pool exhausted after %s: %w", p.name, p.wait, fault.ErrOverloaded)
	}
}

// InFlight returns the number of currently held slots.
func (p *Pool) InFlight() int {
	if p == nil || p.slots == nil {
		return 0
	}
	return len(p.slots)
}
