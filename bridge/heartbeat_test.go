// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/outpost-foundation/outpost/bridge"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/statefile"
	"github.com/outpost-foundation/outpost/lib/wire"
)

func TestHeartbeatEmitsAndSkips(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	sender := newFakeSender()
	tracker := &fakeTracker{count: 2, slugs: []string{"hunter", "scribe"}}
	state := &fakeSessionState{handshaked: true}
	statePath := filepath.Join(t.TempDir(), "runner-state.json")

	heartbeat, err := bridge.NewHeartbeat(bridge.HeartbeatConfig{
		Sender:       sender,
		Jobs:         tracker,
		Session:      state,
		StatePath:    statePath,
		Interval:     30 * time.Second,
		MemorySample: func() int { return 512 },
		Clock:        fake,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewHeartbeat: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		heartbeat.Run(ctx)
		close(done)
	}()

	// The state file appears before the first tick.
	fake.WaitForTimers(1)
	initial, err := statefile.Read(statePath)
	if err != nil {
		t.Fatalf("Read initial state: %v", err)
	}
	if !initial.Connected || !initial.Authenticated || initial.UptimeSeconds != 0 {
		t.Errorf("initial state = %+v", initial)
	}

	// First tick: a frame with the live load and whole-second uptime.
	fake.Advance(30 * time.Second)
	frame := sender.waitForType(t, wire.TypeHeartbeat)
	beat := frame.payload.(wire.Heartbeat)
	if beat.ActiveJobs != 2 || beat.Uptime != 30 || beat.Memory != 512 {
		t.Errorf("heartbeat = %+v", beat)
	}
	if !slices.Equal(beat.Agents, []string{"hunter", "scribe"}) {
		t.Errorf("agents = %v", beat.Agents)
	}
	waitUntil(t, "the first tick's state write", func() bool {
		current, err := statefile.Read(statePath)
		return err == nil && current.UptimeSeconds == 30
	})

	// Disconnected tick: the frame is skipped, not queued, but the
	// state file still refreshes.
	sender.setConnected(false)
	state.set(false)
	tracker.set(0)
	fake.Advance(30 * time.Second)
	waitUntil(t, "the second tick's state write", func() bool {
		current, err := statefile.Read(statePath)
		return err == nil && current.UptimeSeconds == 60
	})
	if frames := sender.ofType(wire.TypeHeartbeat); len(frames) != 1 {
		t.Errorf("heartbeat frames while disconnected = %d, want 1", len(frames))
	}
	current, err := statefile.Read(statePath)
	if err != nil {
		t.Fatalf("Read state: %v", err)
	}
	if current.Connected || current.Authenticated || current.ActiveJobs != 0 {
		t.Errorf("state after disconnect = %+v", current)
	}

	// Reconnected tick: emission resumes with uptime still measured
	// from the start.
	sender.setConnected(true)
	fake.Advance(30 * time.Second)
	waitUntil(t, "a second heartbeat frame", func() bool {
		return len(sender.ofType(wire.TypeHeartbeat)) == 2
	})
	second := sender.ofType(wire.TypeHeartbeat)[1].payload.(wire.Heartbeat)
	if second.Uptime != 90 || second.ActiveJobs != 0 {
		t.Errorf("second heartbeat = %+v", second)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHeartbeatWithoutStateFile(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	sender := newFakeSender()

	heartbeat, err := bridge.NewHeartbeat(bridge.HeartbeatConfig{
		Sender:  sender,
		Jobs:    &fakeTracker{},
		Session: &fakeSessionState{},
		Clock:   fake,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewHeartbeat: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		heartbeat.Run(ctx)
		close(done)
	}()

	// Default interval. An empty StatePath only disables the file.
	fake.WaitForTimers(1)
	fake.Advance(bridge.DefaultHeartbeatInterval)
	frame := sender.waitForType(t, wire.TypeHeartbeat)
	if beat := frame.payload.(wire.Heartbeat); beat.ActiveJobs != 0 {
		t.Errorf("heartbeat = %+v", beat)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewHeartbeatValidation(t *testing.T) {
	fake := clock.NewFake(testEpoch)
	sender := newFakeSender()
	tracker := &fakeTracker{}
	state := &fakeSessionState{}

	cases := []struct {
		name string
		cfg  bridge.HeartbeatConfig
	}{
		{"missing sender", bridge.HeartbeatConfig{Jobs: tracker, Session: state, Clock: fake, Logger: testLogger()}},
		{"missing jobs", bridge.HeartbeatConfig{Sender: sender, Session: state, Clock: fake, Logger: testLogger()}},
		{"missing session", bridge.HeartbeatConfig{Sender: sender, Jobs: tracker, Clock: fake, Logger: testLogger()}},
		{"missing clock", bridge.HeartbeatConfig{Sender: sender, Jobs: tracker, Session: state, Logger: testLogger()}},
		{"missing logger", bridge.HeartbeatConfig{Sender: sender, Jobs: tracker, Session: state, Clock: fake}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := bridge.NewHeartbeat(testCase.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// fakeTracker is a settable JobTracker.
type fakeTracker struct {
	mu    sync.Mutex
	count int
	slugs []string
}

func (f *fakeTracker) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeTracker) ActiveSlugs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.slugs...)
}

func (f *fakeTracker) set(count int, slugs ...string) {
	f.mu.Lock()
	f.count = count
	f.slugs = slugs
	f.mu.Unlock()
}

// fakeSessionState is a settable SessionState.
type fakeSessionState struct {
	mu         sync.Mutex
	handshaked bool
}

func (f *fakeSessionState) Handshaked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshaked
}

func (f *fakeSessionState) set(handshaked bool) {
	f.mu.Lock()
	f.handshaked = handshaked
	f.mu.Unlock()
}
