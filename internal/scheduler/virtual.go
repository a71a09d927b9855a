package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a manually advanced Scheduler. Callbacks only fire from Advance,
// on the goroutine that calls it, in due-time order. Go runs inline.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*virtualTimer
}

type virtualTimer struct {
	id       int
	interval time.Duration
	due      time.Time
	fn       func()
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{
		now:    start,
		timers: make(map[int]*virtualTimer),
	}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.now
}

// Go runs fn immediately on the calling goroutine.
func (v *Virtual) Go(fn func()) {
	fn()
}

// Every registers fn to fire every interval of virtual time.
func (v *Virtual) Every(interval time.Duration, fn func()) CancelFunc {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	id := v.nextID
	v.timers[id] = &virtualTimer{
		id:       id,
		interval: interval,
		due:      v.now.Add(interval),
		fn:       fn,
	}

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()

		delete(v.timers, id)
	}
}

// Pending returns the number of live repeating timers.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.timers)
}

// Advance moves the clock forward by d, firing every callback that falls due.
// A timer cancelled by an earlier callback in the same Advance does not fire.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()

		next := v.nextDue(target)
		if next == nil {
			v.now = target
			v.mu.Unlock()

			return
		}

		v.now = next.due
		next.due = next.due.Add(next.interval)
		fn := next.fn
		v.mu.Unlock()

		fn()
	}
}

// nextDue returns the earliest timer due at or before target. Ties fire in
// registration order.
func (v *Virtual) nextDue(target time.Time) *virtualTimer {
	due := make([]*virtualTimer, 0, len(v.timers))

	for _, timer := range v.timers {
		if !timer.due.After(target) {
			due = append(due, timer)
		}
	}

	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}

		return due[i].due.Before(due[j].due)
	})

	return due[0]
}
