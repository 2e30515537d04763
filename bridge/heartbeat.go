// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/statefile"
	"github.com/outpost-foundation/outpost/lib/vitals"
	"github.com/outpost-foundation/outpost/lib/wire"
)

// DefaultHeartbeatInterval is the tick period between liveness reports.
const DefaultHeartbeatInterval = 30 * time.Second

// JobTracker is the coordinator's load view, reported in heartbeats.
type JobTracker interface {
	ActiveCount() int
	ActiveSlugs() []string
}

// SessionState reports whether the current connection instance has
// completed its handshake.
type SessionState interface {
	Handshaked() bool
}

// HeartbeatConfig holds the parameters for creating a Heartbeat.
type HeartbeatConfig struct {
	// Sender delivers heartbeat frames. Required.
	Sender Sender

	// Jobs supplies the active job count and slugs. Required.
	Jobs JobTracker

	// Session supplies the handshake flag for the state file. Required.
	Session SessionState

	// StatePath is where the runner state file is written. Empty
	// disables the file.
	StatePath string

	// Interval between ticks. Defaults to DefaultHeartbeatInterval.
	Interval time.Duration

	// MemorySample returns used system memory in MB. Defaults to
	// vitals.SystemMemoryUsedMB.
	MemorySample func() int

	// Clock drives the ticker and timestamps. Required.
	Clock clock.Clock

	// Logger receives emit failures. Required.
	Logger *slog.Logger
}

// Heartbeat periodically reports liveness and load upstream and writes
// the local state file. The upstream report is best effort: a down
// channel skips the frame, nothing is queued. The state file is
// written on every tick regardless, so local health checks keep
// working while the control plane is unreachable.
type Heartbeat struct {
	sender       Sender
	jobs         JobTracker
	session      SessionState
	statePath    string
	interval     time.Duration
	memorySample func() int
	clock        clock.Clock
	logger       *slog.Logger

	startedAt time.Time
}

// NewHeartbeat validates the configuration and returns a Heartbeat.
func NewHeartbeat(cfg HeartbeatConfig) (*Heartbeat, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("heartbeat: Sender is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("heartbeat: Jobs is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("heartbeat: Session is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("heartbeat: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("heartbeat: Logger is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.MemorySample == nil {
		cfg.MemorySample = vitals.SystemMemoryUsedMB
	}
	return &Heartbeat{
		sender:       cfg.Sender,
		jobs:         cfg.Jobs,
		session:      cfg.Session,
		statePath:    cfg.StatePath,
		interval:     cfg.Interval,
		memorySample: cfg.MemorySample,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}, nil
}

// Run emits until ctx is cancelled. The state file is written once up
// front so health checks see a fresh file immediately; the first
// heartbeat frame waits for the first tick.
func (h *Heartbeat) Run(ctx context.Context) {
	h.startedAt = h.clock.Now()
	h.writeState()

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.emit()
			h.writeState()
		}
	}
}

func (h *Heartbeat) emit() {
	if !h.sender.Connected() {
		h.logger.Debug("heartbeat skipped while disconnected")
		return
	}
	h.sender.Send(wire.TypeHeartbeat, wire.Heartbeat{
		ActiveJobs: h.jobs.ActiveCount(),
		Uptime:     h.uptimeSeconds(),
		Memory:     h.memorySample(),
		Agents:     h.jobs.ActiveSlugs(),
	})
}

func (h *Heartbeat) writeState() {
	if h.statePath == "" {
		return
	}
	err := statefile.Write(h.statePath, statefile.State{
		UpdatedAt:     h.clock.Now(),
		Connected:     h.sender.Connected(),
		Authenticated: h.session.Handshaked(),
		ActiveJobs:    h.jobs.ActiveCount(),
		UptimeSeconds: h.uptimeSeconds(),
	})
	if err != nil {
		h.logger.Error("writing state file", "error", err)
	}
}

func (h *Heartbeat) uptimeSeconds() int64 {
	return int64(h.clock.Now().Sub(h.startedAt).Seconds())
}
