package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable single-shot callback.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired or was stopped.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is deterministic and test-friendly. Timers only fire from Advance or Set,
// synchronously on the caller's goroutine, in fire-time order.
type Fake struct {
	mu     sync.Mutex
	t      time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *Fake
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{t: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	ft := &fakeTimer{c: c, at: c.t.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, ft)
	return ft
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every timer that became due.
func (c *Fake) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t. Timers due at or before t fire one at a time; a callback
// may arm new timers, which also fire if they fall inside the window.
func (c *Fake) Set(t time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(t)
		if next == nil {
			c.t = t
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.t) {
			c.t = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// Drop silently discards every pending timer without running it. It simulates a host
// that lost its timers while suspended.
func (c *Fake) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ft := range c.timers {
		if !ft.fired && !ft.stopped {
			ft.fired = true
		}
	}
	c.timers = nil
}

// Pending returns the number of armed timers.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ft := range c.timers {
		if !ft.fired && !ft.stopped {
			n++
		}
	}
	return n
}

func (c *Fake) nextDueLocked(t time.Time) *fakeTimer {
	live := c.timers[:0]
	for _, ft := range c.timers {
		if !ft.fired && !ft.stopped {
			live = append(live, ft)
		}
	}
	c.timers = live
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	if len(live) == 0 || live[0].at.After(t) {
		return nil
	}
	return live[0]
}
