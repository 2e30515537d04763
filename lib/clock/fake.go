// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// NewFake returns a FakeClock frozen at start. Time moves only when
// Advance is called; every timer, ticker, and sleep registers a pending
// entry that fires once the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func NewFake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Pending entries fire in
// deadline order during Advance. AfterFunc callbacks run synchronously
// in the goroutine calling Advance; calling Advance or Sleep from inside
// such a callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

// fakeTimer is one pending After, AfterFunc, Sleep, or Ticker entry.
type fakeTimer struct {
	due time.Time

	// ch receives the fire time for After, Sleep, and Ticker entries.
	// Nil for AfterFunc entries.
	ch chan time.Time

	// fn runs synchronously during Advance for AfterFunc entries.
	fn func()

	// repeat is non-zero for tickers; the entry is rescheduled at
	// due+repeat after firing.
	repeat time.Duration

	cancelled bool
	fired     bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// the deadline. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.registerLocked(&fakeTimer{due: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules fn to run when the clock advances past the
// deadline. A non-positive d runs fn synchronously before returning.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		fn()
		return &Timer{
			stopTimer:  func() bool { return false },
			resetTimer: func(time.Duration) bool { return false },
		}
	}

	entry := &fakeTimer{due: c.now.Add(d), fn: fn}
	c.registerLocked(entry)
	c.mu.Unlock()

	return &Timer{
		stopTimer: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.cancelled || entry.fired {
				return false
			}
			entry.cancelled = true
			c.removeLocked(entry)
			return true
		},
		resetTimer: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !entry.cancelled && !entry.fired
			entry.cancelled = false
			entry.fired = false
			entry.due = c.now.Add(d)
			if !active {
				c.registerLocked(entry)
			}
			return active
		},
	}
}

// NewTicker returns a Ticker firing every d fake seconds. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &fakeTimer{due: c.now.Add(d), ch: ch, repeat: d}
	c.registerLocked(entry)

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.cancelled = true
			c.removeLocked(entry)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasCancelled := entry.cancelled
			entry.cancelled = false
			entry.repeat = d
			entry.due = c.now.Add(d)
			if wasCancelled {
				c.registerLocked(entry)
			}
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every pending entry
// whose deadline falls within the new time, in deadline order. Tickers
// fire once per elapsed interval; ticks that would overflow the channel
// buffer are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now

	for {
		entry := c.earliestDueLocked(target)
		if entry == nil {
			break
		}
		if entry.repeat > 0 {
			entry.due = entry.due.Add(entry.repeat)
		} else {
			entry.fired = true
			c.removeLocked(entry)
		}
		if entry.fn != nil {
			// Callbacks may use the clock; run them unlocked.
			c.mu.Unlock()
			entry.fn()
			c.mu.Lock()
		} else {
			select {
			case entry.ch <- target:
			default:
			}
		}
	}
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n entries are pending. It closes
// the race between a goroutine registering a timer and the test
// advancing the clock:
//
//	go func() { fake.Sleep(time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) registerLocked(entry *fakeTimer) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(entry *fakeTimer) {
	for i, pending := range c.pending {
		if pending == entry {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// earliestDueLocked returns the pending entry with the earliest deadline
// not after target, or nil when nothing is due.
func (c *FakeClock) earliestDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, entry := range c.pending {
		if entry.due.After(target) {
			continue
		}
		if next == nil || entry.due.Before(next.due) {
			next = entry
		}
	}
	return next
}

var _ Clock = (*FakeClock)(nil)
