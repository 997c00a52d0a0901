package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
// Callbacks must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	interval time.Duration
	active   bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	w := &fakeWaiter{callback: f}
	c.mu.Lock()
	w.deadline = c.current.Add(d)
	c.addLocked(w)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(w)
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := c.removeLocked(w)
			w.deadline = c.current.Add(d)
			c.addLocked(w)
			return wasActive
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	w := &fakeWaiter{channel: channel, interval: d}
	c.mu.Lock()
	w.deadline = c.current.Add(d)
	c.addLocked(w)
	c.mu.Unlock()
	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(w)
		},
	}
}

// Advance moves time forward by d, firing every waiter whose deadline is
// reached. Tickers fire once per elapsed interval (subject to their
// buffer of one).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.waiters, func(i, j int) bool {
			return c.waiters[i].deadline.Before(c.waiters[j].deadline)
		})
		if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
			c.current = target
			c.mu.Unlock()
			return
		}
		w := c.waiters[0]
		c.current = w.deadline
		c.removeLocked(w)
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			c.addLocked(w)
		}
		now := c.current
		c.mu.Unlock()

		if w.callback != nil {
			w.callback()
		} else {
			select {
			case w.channel <- now:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending. Use it to
// avoid racing a goroutine that is about to register a timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addLocked(w *fakeWaiter) {
	w.active = true
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(w *fakeWaiter) bool {
	if !w.active {
		return false
	}
	w.active = false
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
	return true
}
