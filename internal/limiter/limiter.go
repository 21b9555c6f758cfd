package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/metrics"
)

// Admission bounds how many conversions run at once. Jobs beyond the limit
// wait up to the configured duration for a slot.
type Admission struct {
	slots    chan struct{}
	wait     time.Duration
	inflight atomic.Int64
}

// New returns an Admission with max slots. max <= 0 is treated as 1.
func New(max int, wait time.Duration) *Admission {
	if max <= 0 {
		max = 1
	}
	return &Admission{slots: make(chan struct{}, max), wait: wait}
}

// Capacity returns the number of slots.
func (a *Admission) Capacity() int { return cap(a.slots) }

// InFlight returns the number of slots currently held.
func (a *Admission) InFlight() int { return int(a.inflight.Load()) }

// Acquire blocks until a slot is free, the wait elapses, or ctx is done.
// The returned release func is safe to call more than once.
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	if release, ok := a.Allow(); ok {
		return release, nil
	}
	if a.wait <= 0 {
		metrics.IncAdmissionRejected()
		return nil, apperr.Busy("server busy, try again later")
	}
	timer := time.NewTimer(a.wait)
	defer timer.Stop()
	select {
	case a.slots <- struct{}{}:
		return a.hold(), nil
	case <-timer.C:
		metrics.IncAdmissionRejected()
		return nil, apperr.Busy("server busy, try again later")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Allow tries to reserve a slot without waiting.
// Returns a release function and true if allowed; otherwise nil,false.
func (a *Admission) Allow() (func(), bool) {
	select {
	case a.slots <- struct{}{}:
		return a.hold(), true
	default:
		return nil, false
	}
}

func (a *Admission) hold() func() {
	metrics.SetInflight(int(a.inflight.Add(1)))
	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.SetInflight(int(a.inflight.Add(-1)))
			<-a.slots
		})
	}
}
