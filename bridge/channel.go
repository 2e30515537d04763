// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/wire"
	"github.com/outpost-foundation/outpost/transport"
)

// ErrChannelClosed reports a Connect on a channel that was already
// closed.
var ErrChannelClosed = errors.New("channel: closed")

// DefaultBackoff is the reconnect schedule used when ChannelConfig
// leaves Backoff empty. The final value repeats for all further
// attempts.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// defaultHandshakeTimeout bounds dial plus preflight on one attempt.
const defaultHandshakeTimeout = 10 * time.Second

// sendTimeout bounds a single outbound frame write. The control plane
// reads promptly; a write that stalls this long means the connection
// is dead and the read loop will notice.
const sendTimeout = 10 * time.Second

// EventKind discriminates the channel's event stream.
type EventKind int

const (
	// EventOpen reports a successful connection. Resumed is false for
	// the open that resolves Connect and true for every reconnect, so
	// consumers can re-run per-connection side effects without
	// re-running one-time initialization.
	EventOpen EventKind = iota

	// EventDown reports a lost connection. Err carries the read error,
	// nil for a clean EOF.
	EventDown

	// EventMessage carries one parsed inbound frame.
	EventMessage
)

// String returns the event kind for log lines.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventDown:
		return "down"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("eventkind(%d)", int(k))
	}
}

// Event is one entry in the channel's event stream.
type Event struct {
	Kind    EventKind
	Resumed bool
	Message wire.Message
	Err     error
}

// PreflightFunc runs on a freshly dialed connection before the channel
// publishes it as connected. The session uses it to write the auth
// frame, which guarantees authentication precedes every other message
// on that connection instance. Returning an error discards the
// connection: the first Connect fails, a redial counts as a failed
// attempt.
type PreflightFunc func(ctx context.Context, conn net.Conn) error

// ChannelConfig holds the parameters for creating a Channel.
type ChannelConfig struct {
	// Endpoint is the control plane address (host:port). Required.
	Endpoint string

	// Dialer opens connections to the endpoint. Required.
	Dialer transport.Dialer

	// Preflight runs on every new connection before it is published
	// as connected. Optional.
	Preflight PreflightFunc

	// HandshakeTimeout bounds dial plus preflight on one attempt.
	// Defaults to 10s.
	HandshakeTimeout time.Duration

	// Backoff is the reconnect delay schedule; the final entry repeats
	// for all further attempts. Defaults to DefaultBackoff.
	Backoff []time.Duration

	// Clock drives backoff waits. Required.
	Clock clock.Clock

	// Logger receives connection lifecycle messages. Required.
	Logger *slog.Logger
}

// Channel owns the runner's one connection to the control plane. It is
// safe for concurrent use: any goroutine may Send, the event stream is
// consumed by one reader.
type Channel struct {
	endpoint         string
	dialer           transport.Dialer
	preflight        PreflightFunc
	handshakeTimeout time.Duration
	backoff          []time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	// events delivers opens, downs, and inbound messages in arrival
	// order. Closed by the run loop once reconnection is disabled and
	// the last connection is gone.
	events chan Event

	// closed interrupts backoff waits and in-flight dials.
	closed    chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	conn            net.Conn
	connected       bool
	shouldReconnect bool
	attempt         int

	// writeMu serializes frame writes so concurrent senders cannot
	// interleave bytes.
	writeMu sync.Mutex
}

// NewChannel validates the configuration and returns a Channel. The
// channel does nothing until Connect.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("channel: Endpoint is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("channel: Dialer is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("channel: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("channel: Logger is required")
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}

	return &Channel{
		endpoint:         cfg.Endpoint,
		dialer:           cfg.Dialer,
		preflight:        cfg.Preflight,
		handshakeTimeout: handshakeTimeout,
		backoff:          backoff,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		events:           make(chan Event, 16),
		closed:           make(chan struct{}),
		shouldReconnect:  true,
	}, nil
}

// Connect dials the endpoint, runs the preflight, and starts the read
// loop. It returns an error only when this first attempt fails; once
// it has returned nil, later connection losses surface as EventDown
// followed by backoff reconnection, never as an error from Connect.
func (c *Channel) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.install(conn)
	c.logger.Info("connected to control plane", "endpoint", c.endpoint)
	c.events <- Event{Kind: EventOpen}

	go c.run(conn)
	return nil
}

// Events returns the channel's event stream. Exactly one goroutine
// should consume it, and must keep draining after Close until the
// stream is closed.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Connected reports whether a connection is currently open and past
// its preflight.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send frames {type, data} and writes it to the current connection.
// When the channel is not connected the frame is dropped with a debug
// log line: this layer buffers and acknowledges nothing, delivery
// guarantees live in the coordinator's bookkeeping.
func (c *Channel) Send(messageType string, payload any) {
	message, err := wire.NewMessage(messageType, payload)
	if err != nil {
		c.logger.Error("dropping unencodable frame", "type", messageType, "error", err)
		return
	}
	frame, err := json.Marshal(message)
	if err != nil {
		c.logger.Error("dropping unencodable frame", "type", messageType, "error", err)
		return
	}
	frame = append(frame, '\n')

	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.logger.Debug("dropping outbound frame while disconnected", "type", messageType)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write(frame); err != nil {
		// The read loop sees the same broken socket and drives
		// reconnection; nothing to do here but note the loss.
		c.logger.Warn("outbound frame write failed", "type", messageType, "error", err)
	}
}

// Close disables reconnection, then closes the current socket. After
// Close no reconnect attempt is ever scheduled, regardless of trailing
// close or error events; an in-flight backoff wait is interrupted.
// Close is idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shouldReconnect = false
		conn := c.conn
		c.mu.Unlock()

		close(c.closed)
		if conn != nil {
			conn.Close()
		}
	})
}

// dial opens and preflights one connection within the handshake
// timeout. Close interrupts the attempt.
func (c *Channel) dial(parent context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, c.handshakeTimeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-done:
		}
	}()

	conn, err := c.dialer.DialContext(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("channel: dialing %s: %w", c.endpoint, err)
	}

	if c.preflight != nil {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		if err := c.preflight(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("channel: preflight on %s: %w", c.endpoint, err)
		}
		conn.SetDeadline(time.Time{})
	}

	return conn, nil
}

// install publishes a new connection. The attempt counter resets only
// here, on a successful open.
func (c *Channel) install(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = true
	c.attempt = 0
}

// run owns the connection lifecycle after the initial Connect: it
// reads frames until the connection breaks, then reconnects with
// backoff until Close. It closes the event stream on exit.
func (c *Channel) run(conn net.Conn) {
	defer close(c.events)

	for {
		err := c.readLoop(conn)
		c.teardown(conn)

		if transport.IsExpectedCloseError(err) {
			err = nil
		}
		if err != nil {
			c.logger.Warn("connection lost", "endpoint", c.endpoint, "error", err)
		} else {
			c.logger.Info("connection closed", "endpoint", c.endpoint)
		}
		c.events <- Event{Kind: EventDown, Err: err}

		conn = c.redial()
		if conn == nil {
			return
		}
	}
}

// readLoop parses newline-delimited frames until the connection
// breaks. Unparseable frames are logged and dropped, never fatal;
// frames without a type are dropped the same way.
func (c *Channel) readLoop(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), wire.MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var message wire.Message
		if err := json.Unmarshal(line, &message); err != nil {
			c.logger.Warn("dropping unparseable frame", "bytes", len(line), "error", err)
			continue
		}
		if message.Type == "" {
			c.logger.Warn("dropping frame without type", "bytes", len(line))
			continue
		}

		c.events <- Event{Kind: EventMessage, Message: message}
	}
	return scanner.Err()
}

// teardown retires a dead connection.
func (c *Channel) teardown(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
}

// redial reconnects with backoff. Delays follow the schedule with the
// final value repeating; the attempt counter increments before each
// wait and resets only on success. Returns the new connection, or nil
// once Close has disabled reconnection.
func (c *Channel) redial() net.Conn {
	for {
		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			return nil
		}
		delay := c.backoff[min(c.attempt, len(c.backoff)-1)]
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		c.logger.Info("reconnecting to control plane",
			"endpoint", c.endpoint,
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-c.closed:
			return nil
		case <-c.clock.After(delay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			c.logger.Warn("reconnect attempt failed",
				"endpoint", c.endpoint,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		abandoned := !c.shouldReconnect
		c.mu.Unlock()
		if abandoned {
			conn.Close()
			return nil
		}

		c.install(conn)
		c.logger.Info("reconnected to control plane", "endpoint", c.endpoint, "attempts", attempt)
		c.events <- Event{Kind: EventOpen, Resumed: true}
		return conn
	}
}
