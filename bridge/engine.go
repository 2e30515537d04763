// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outpost-foundation/outpost/lib/wire"
)

// EngineConfig holds the assembled components the engine runs.
type EngineConfig struct {
	Channel     *Channel
	Session     *Session
	Coordinator *Coordinator
	Heartbeat   *Heartbeat
	Logger      *slog.Logger
}

// Engine is the runner's event loop. It connects the channel, then
// routes every event: opens and downs to the session, inbound frames
// to their handlers, pings straight back out. Handler work that can
// block runs on coordinator goroutines; the loop itself never waits on
// anything but the event stream.
type Engine struct {
	channel     *Channel
	session     *Session
	coordinator *Coordinator
	heartbeat   *Heartbeat
	logger      *slog.Logger
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("engine: Channel is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("engine: Session is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("engine: Coordinator is required")
	}
	if cfg.Heartbeat == nil {
		return nil, fmt.Errorf("engine: Heartbeat is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("engine: Logger is required")
	}
	return &Engine{
		channel:     cfg.Channel,
		session:     cfg.Session,
		coordinator: cfg.Coordinator,
		heartbeat:   cfg.Heartbeat,
		logger:      cfg.Logger,
	}, nil
}

// Run connects to the control plane and processes events until ctx is
// cancelled. The first connect failing is fatal (a missing credential
// surfaces here as credential.ErrNoCredential); after that, connection
// loss is handled by the channel's reconnection and never ends Run.
//
// Shutdown order on cancellation: stop reconnecting and close the
// socket, drain the event stream, stop the heartbeat, then cancel jobs
// with a shutdown cause and wait for them. Jobs interrupted this way
// stay running in the store; the next start reconciles them.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.channel.Connect(ctx); err != nil {
		return fmt.Errorf("engine: connecting: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		e.heartbeat.Run(heartbeatCtx)
	}()

	defer func() {
		stopHeartbeat()
		background.Wait()
		e.coordinator.Shutdown()
		e.logger.Info("engine stopped")
	}()

	reconciled := false
	events := e.channel.Events()
	for {
		select {
		case <-ctx.Done():
			e.channel.Close()
			for range events {
			}
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			e.handle(ctx, event, &reconciled)
		}
	}
}

// handle routes one channel event. Reconciliation of jobs left running
// by a previous process happens on the first open, when there is a
// connection for the job_failed frames to ride on.
func (e *Engine) handle(ctx context.Context, event Event, reconciled *bool) {
	switch event.Kind {
	case EventOpen:
		e.session.HandleOpen(event.Resumed)
		if !*reconciled {
			*reconciled = true
			e.coordinator.ReconcileInterrupted(ctx)
		}
	case EventDown:
		e.session.HandleDown()
	case EventMessage:
		e.dispatch(ctx, event.Message)
	}
}

// dispatch routes one inbound frame. The type set is closed; unknown
// types are dropped with a log line so a newer control plane cannot
// wedge an older runner.
func (e *Engine) dispatch(ctx context.Context, message wire.Message) {
	switch message.Type {
	case wire.TypeHandshakeComplete:
		var ack wire.HandshakeComplete
		if e.decode(message, &ack) {
			e.session.HandleHandshake(ctx, ack)
		}
	case wire.TypeJobDispatch:
		var dispatch wire.JobDispatch
		if e.decode(message, &dispatch) {
			e.coordinator.HandleDispatch(ctx, dispatch)
		}
	case wire.TypeJobCancel:
		var cancel wire.JobCancel
		if e.decode(message, &cancel) {
			e.coordinator.HandleCancel(ctx, cancel)
		}
	case wire.TypeConfigSync:
		var sync wire.ConfigSync
		if e.decode(message, &sync) {
			e.coordinator.HandleConfigSync(ctx, sync)
		}
	case wire.TypePing:
		e.channel.Send(wire.TypePong, nil)
	default:
		e.logger.Warn("dropping frame of unknown type", "type", message.Type)
	}
}

// decode unmarshals a frame's payload, logging and dropping malformed
// ones.
func (e *Engine) decode(message wire.Message, v any) bool {
	if err := message.DecodeInto(v); err != nil {
		e.logger.Warn("dropping malformed frame", "type", message.Type, "error", err)
		return false
	}
	return true
}
