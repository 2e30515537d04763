// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject NewFake() and drive time explicitly with Advance.
//
// Anything in this repository that would call time.Now, time.After,
// time.AfterFunc, time.NewTicker, or time.Sleep takes a Clock instead,
// so reconnect backoff, execution timeouts, and heartbeat intervals are
// all deterministic under test.
package clock

import "time"

// Clock is the time surface used throughout Outpost.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the fire time once d has
	// elapsed. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules fn to run after d. The returned Timer can
	// cancel the pending call with Stop; its C field is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, fn func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Its channel has capacity 1:
// a slow consumer drops ticks rather than queueing them, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. No further ticks are delivered. Stop does
// not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle; the next tick
// arrives after the new interval.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a single scheduled event. Timers returned by AfterFunc carry
// a nil C.
type Timer struct {
	C <-chan time.Time

	stopTimer  func() bool
	resetTimer func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing; false means it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopTimer() }

// Reset reschedules the timer to fire after d. It reports whether the
// timer was still active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetTimer(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := time.AfterFunc(d, fn)
	return &Timer{stopTimer: timer.Stop, resetTimer: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

var _ Clock = realClock{}
