// Package clock abstracts time for the simulation loops so tests can drive
// ticks deterministically instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and timer channels to simulation code.
type Clock interface {
	Now() time.Time
	// After behaves like time.After: the returned channel receives once,
	// after d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a test clock advanced explicitly by the caller. Timer channels
// created by After fire when Advance moves the clock to or past their
// deadline.
type Manual struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	m := &Manual{now: start}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, manualWaiter{deadline: m.now.Add(d), ch: ch})
	m.cond.Broadcast()
	return ch
}

// Advance moves the clock forward and fires every timer whose deadline has
// been reached. Fired timers observe the fully advanced time.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(m.now) {
			w.ch <- m.now
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
}

// BlockUntil returns once at least n timers are pending. Tests use it to
// sequence Advance calls after the code under test has parked on After.
func (m *Manual) BlockUntil(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.waiters) < n {
		m.cond.Wait()
	}
}
