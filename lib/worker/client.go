// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/outpost-foundation/outpost/lib/codec"
)

// Client executes jobs against a worker socket. One connection is
// dialed per execution; the Client itself holds no connection state
// and is safe for concurrent use.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	logger      *slog.Logger
}

// ClientConfig holds the parameters for creating a Client.
type ClientConfig struct {
	// SocketPath is the worker's Unix socket. Required.
	SocketPath string

	// DialTimeout bounds the connect to the socket. Defaults to 5s.
	// Execution time is governed by the caller's context, not this.
	DialTimeout time.Duration

	// Logger receives transport diagnostics. Required.
	Logger *slog.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("worker client: SocketPath is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("worker client: Logger is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Client{
		socketPath:  cfg.SocketPath,
		dialTimeout: dialTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Execute runs one job on the worker. Progress events stream to
// onProgress (nil is allowed) until the result frame arrives.
//
// Cancelling ctx closes the connection, which tells the worker to
// abandon the job. Execute then returns the context's cause. A worker
// that reports failure produces a Result with Success false and a nil
// error; errors from Execute always mean the transport or the protocol
// broke.
func (c *Client) Execute(ctx context.Context, request Request, onProgress ProgressFunc) (Result, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Result{}, fmt.Errorf("worker client: dialing %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	// Close the connection when ctx ends so blocked reads unwind and
	// the worker sees the abandonment. The done channel stops this
	// watcher on normal completion.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		if cause := contextCause(ctx); cause != nil {
			return Result{}, cause
		}
		return Result{}, fmt.Errorf("worker client: sending request for job %s: %w", request.JobID, err)
	}

	decoder := codec.NewDecoder(conn)
	for {
		var incoming frame
		if err := decoder.Decode(&incoming); err != nil {
			if cause := contextCause(ctx); cause != nil {
				return Result{}, cause
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Result{}, fmt.Errorf("worker client: worker closed connection before result for job %s", request.JobID)
			}
			return Result{}, fmt.Errorf("worker client: reading frame for job %s: %w", request.JobID, err)
		}

		switch incoming.Kind {
		case frameProgress:
			if onProgress != nil {
				onProgress(incoming.Event)
			}

		case frameResult:
			if incoming.Result == nil {
				return Result{}, fmt.Errorf("worker client: result frame without result for job %s", request.JobID)
			}
			return *incoming.Result, nil

		default:
			// Tolerate frame kinds from newer workers.
			c.logger.Debug("dropping unknown worker frame",
				"job_id", request.JobID,
				"kind", incoming.Kind,
			)
		}
	}
}

// contextCause returns the context's cause once it is done, nil
// otherwise.
func contextCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}
