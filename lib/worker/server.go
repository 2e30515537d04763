// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/outpost-foundation/outpost/lib/codec"
)

// HandlerFunc executes one job. Progress goes out through emit as JSON
// payloads. The context is cancelled when the runner abandons the job
// or the server shuts down; a handler that returns after cancellation
// may find its result frame undeliverable, which is fine.
//
// Returning an error produces a failure Result for the client; it does
// not tear down the server.
type HandlerFunc func(ctx context.Context, request Request, emit ProgressFunc) (Result, error)

// errClientGone is the cancel cause when the client closes the
// connection mid-execution.
var errClientGone = errors.New("worker: client closed connection")

// Server accepts executions on a Unix socket. Each connection carries
// exactly one job.
type Server struct {
	socketPath string
	handler    HandlerFunc
	logger     *slog.Logger

	// activeExecutions tracks in-flight handlers so Serve can drain
	// before returning.
	activeExecutions sync.WaitGroup
}

// ServerConfig holds the parameters for creating a Server.
type ServerConfig struct {
	// SocketPath is where the server listens. Any stale socket file
	// is removed first. Required.
	SocketPath string

	// Handler executes jobs. Required.
	Handler HandlerFunc

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// NewServer validates the configuration and returns a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("worker server: SocketPath is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("worker server: Handler is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("worker server: Logger is required")
	}
	return &Server{
		socketPath: cfg.SocketPath,
		handler:    cfg.Handler,
		logger:     cfg.Logger,
	}, nil
}

// requestTimeout is how long the server waits for the request after a
// client connects. A well-behaved runner sends it immediately.
const requestTimeout = 30 * time.Second

// frameWriteTimeout bounds each outgoing frame write. Gaps between
// frames are unbounded; an agent may think for minutes.
const frameWriteTimeout = 10 * time.Second

// Serve accepts connections until ctx is cancelled, then stops
// accepting and waits for running executions to finish. The socket
// file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker server: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("worker server: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("worker listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeExecutions.Add(1)
		go func() {
			defer s.activeExecutions.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeExecutions.Wait()
	return nil
}

// handleConnection runs one execution: read the request, run the
// handler with progress streaming, write the result frame.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestTimeout))

	var request Request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.logger.Debug("invalid execution request", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	// The client sends nothing after the request. A read returning
	// means it closed the connection, which is the abandonment signal.
	executionCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		buffer := make([]byte, 1)
		conn.Read(buffer)
		cancel(errClientGone)
	}()

	logger := s.logger.With("job_id", request.JobID, "agent", request.AgentSlug)
	logger.Info("execution started")

	// Frame writes are serialized; the handler may emit progress from
	// its own goroutines.
	var writeMu sync.Mutex
	writeFrame := func(outgoing frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
		return codec.NewEncoder(conn).Encode(outgoing)
	}

	emit := func(event json.RawMessage) {
		if err := writeFrame(frame{Kind: frameProgress, Event: event}); err != nil {
			logger.Debug("failed to write progress frame", "error", err)
		}
	}

	result, err := s.handler(executionCtx, request, emit)
	if err != nil {
		result = Result{Success: false, Error: err.Error()}
	}

	if err := writeFrame(frame{Kind: frameResult, Result: &result}); err != nil {
		// Normal when the client abandoned the job.
		logger.Debug("failed to write result frame", "error", err)
		return
	}
	logger.Info("execution finished", "success", result.Success)
}
