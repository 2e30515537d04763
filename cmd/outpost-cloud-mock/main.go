// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-cloud-mock is a stand-in control plane for end-to-end smoke
// testing against a real runner process. It accepts runner
// connections, verifies the auth frame, answers with a handshake
// (minting a runner key when the presented token is not one it minted
// earlier), dispatches a batch of test jobs, optionally cancels the
// first one after a delay, pings periodically, and logs every frame
// the runner sends.
//
// Reconnects are recognized by the minted runner key, so a runner
// bounced mid-test re-authenticates and receives a fresh batch.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/outpost-foundation/outpost/lib/version"
	"github.com/outpost-foundation/outpost/lib/wire"
	"github.com/outpost-foundation/outpost/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddress    string
		jobCount         int
		cancelFirst      bool
		cancelAfter      time.Duration
		pingInterval     time.Duration
		dispatchInterval time.Duration
		expectToken      string
		showVersion      bool
	)

	flagSet := pflag.NewFlagSet("outpost-cloud-mock", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddress, "listen", "127.0.0.1:9400", "address to listen on")
	flagSet.IntVar(&jobCount, "jobs", 2, "jobs to dispatch per connection")
	flagSet.BoolVar(&cancelFirst, "cancel-first", false, "cancel the first dispatched job after --cancel-after")
	flagSet.DurationVar(&cancelAfter, "cancel-after", 3*time.Second, "delay before cancelling the first job")
	flagSet.DurationVar(&pingInterval, "ping-interval", 15*time.Second, "interval between pings")
	flagSet.DurationVar(&dispatchInterval, "dispatch-interval", 1*time.Second, "delay between job dispatches")
	flagSet.StringVar(&expectToken, "expect-token", "", "reject authentication unless this exact install token is presented")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("outpost-cloud-mock %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mock := &cloudMock{
		logger:           logger,
		jobCount:         jobCount,
		cancelFirst:      cancelFirst,
		cancelAfter:      cancelAfter,
		pingInterval:     pingInterval,
		dispatchInterval: dispatchInterval,
		expectToken:      expectToken,
		workspaceID:      "ws-" + uuid.NewString()[:8],
		apiKey:           "sk-" + uuid.NewString(),
		runnerKeys:       make(map[string]bool),
	}

	listener, err := transport.NewTCPListener(listenAddress)
	if err != nil {
		return err
	}

	logger.Info("mock control plane listening",
		"address", listener.Address(),
		"workspace_id", mock.workspaceID,
		"jobs_per_connection", jobCount,
	)

	if err := listener.Serve(ctx, mock.handleConnection); err != nil {
		return err
	}
	logger.Info("mock control plane stopped")
	return nil
}

// cloudMock holds the state shared across runner connections: the
// workspace this mock pretends to be, and the runner keys it has
// minted so reconnects are told apart from first enrollments.
type cloudMock struct {
	logger           *slog.Logger
	jobCount         int
	cancelFirst      bool
	cancelAfter      time.Duration
	pingInterval     time.Duration
	dispatchInterval time.Duration
	expectToken      string

	workspaceID string
	apiKey      string

	mu         sync.Mutex
	runnerKeys map[string]bool
}

// mintRunnerKey creates and remembers a fresh runner key.
func (m *cloudMock) mintRunnerKey() string {
	key := "rk-" + uuid.NewString()
	m.mu.Lock()
	m.runnerKeys[key] = true
	m.mu.Unlock()
	return key
}

// knownRunnerKey reports whether token is a key this mock minted.
func (m *cloudMock) knownRunnerKey(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runnerKeys[token]
}

// handleConnection drives one runner connection: authenticate,
// handshake, dispatch, then log inbound frames until the connection
// ends.
func (m *cloudMock) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := m.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("runner connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Unblocks the read loop when the mock shuts down.
		<-connCtx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), wire.MaxFrameSize)

	auth, err := readAuth(conn, scanner)
	if err != nil {
		logger.Warn("authentication failed", "error", err)
		return
	}
	if m.expectToken != "" && auth.Token != m.expectToken && !m.knownRunnerKey(auth.Token) {
		logger.Warn("rejecting unexpected token")
		return
	}

	session := &runnerSession{conn: conn}

	// First enrollment rotates the presented install token to a minted
	// runner key; a reconnect with a known key just re-scopes.
	ack := wire.HandshakeComplete{
		WorkspaceID: m.workspaceID,
		Config: map[string]json.RawMessage{
			"log_level": json.RawMessage(`"debug"`),
		},
	}
	if m.knownRunnerKey(auth.Token) {
		logger.Info("runner resumed with minted key")
	} else {
		ack.RunnerKey = m.mintRunnerKey()
		ack.APIKey = m.apiKey
		logger.Info("enrolling runner", "runner_key", ack.RunnerKey)
	}
	if err := session.send(wire.TypeHandshakeComplete, ack); err != nil {
		logger.Warn("sending handshake", "error", err)
		return
	}

	jobIDs := make([]string, m.jobCount)
	for i := range jobIDs {
		jobIDs[i] = "job-" + uuid.NewString()[:8]
	}

	go m.dispatchJobs(connCtx, session, logger, jobIDs)
	if m.cancelFirst && len(jobIDs) > 0 {
		go m.cancelJob(connCtx, session, logger, jobIDs[0])
	}
	go m.ping(connCtx, session, logger)

	m.readFrames(scanner, logger, jobIDs)
	logger.Info("runner disconnected")
}

// readAuth reads the authentication frame that must open every
// connection.
func readAuth(conn net.Conn, scanner *bufio.Scanner) (wire.Auth, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return wire.Auth{}, err
		}
		return wire.Auth{}, errors.New("connection closed before auth")
	}
	var message wire.Message
	if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
		return wire.Auth{}, fmt.Errorf("malformed first frame: %w", err)
	}
	if message.Type != wire.TypeAuth {
		return wire.Auth{}, fmt.Errorf("first frame is %q, not auth", message.Type)
	}
	var auth wire.Auth
	if err := message.DecodeInto(&auth); err != nil {
		return wire.Auth{}, fmt.Errorf("decoding auth: %w", err)
	}
	if auth.Token == "" {
		return wire.Auth{}, errors.New("empty token")
	}
	return auth, nil
}

// dispatchJobs sends the batch, spaced by the dispatch interval.
func (m *cloudMock) dispatchJobs(ctx context.Context, session *runnerSession, logger *slog.Logger, jobIDs []string) {
	agentSlugs := []string{"hunter", "scribe", "analyst"}
	for i, jobID := range jobIDs {
		dispatch := wire.JobDispatch{
			JobID:     jobID,
			AgentSlug: agentSlugs[i%len(agentSlugs)],
			Input:     fmt.Sprintf("smoke test task %d of %d", i+1, len(jobIDs)),
			Context:   json.RawMessage(fmt.Sprintf(`{"batch":%d}`, i+1)),
		}
		if err := session.send(wire.TypeJobDispatch, dispatch); err != nil {
			logger.Warn("dispatch failed", "job_id", jobID, "error", err)
			return
		}
		logger.Info("job dispatched", "job_id", jobID, "agent_slug", dispatch.AgentSlug)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.dispatchInterval):
		}
	}
}

// cancelJob sends a cancel for jobID after the configured delay.
func (m *cloudMock) cancelJob(ctx context.Context, session *runnerSession, logger *slog.Logger, jobID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cancelAfter):
	}
	if err := session.send(wire.TypeJobCancel, wire.JobCancel{JobID: jobID}); err != nil {
		logger.Warn("cancel failed", "job_id", jobID, "error", err)
		return
	}
	logger.Info("job cancelled", "job_id", jobID)
}

// ping sends liveness probes until the connection ends.
func (m *cloudMock) ping(ctx context.Context, session *runnerSession, logger *slog.Logger) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.send(wire.TypePing, nil); err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readFrames logs everything the runner sends and tracks which of the
// dispatched jobs have reached a terminal state.
func (m *cloudMock) readFrames(scanner *bufio.Scanner, logger *slog.Logger, jobIDs []string) {
	dispatched := make(map[string]bool, len(jobIDs))
	for _, jobID := range jobIDs {
		dispatched[jobID] = true
	}
	resolved := make(map[string]bool, len(jobIDs))
	reported := false

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var message wire.Message
		if err := json.Unmarshal(line, &message); err != nil {
			logger.Warn("malformed frame from runner", "error", err)
			continue
		}

		switch message.Type {
		case wire.TypePong:
			logger.Debug("pong")
		case wire.TypeJobProgress:
			var progress wire.JobProgress
			if err := message.DecodeInto(&progress); err != nil {
				logger.Warn("malformed job_progress", "error", err)
				continue
			}
			logger.Info("job progress", "job_id", progress.JobID, "event", string(progress.Event))
		case wire.TypeJobComplete:
			var complete wire.JobComplete
			if err := message.DecodeInto(&complete); err != nil {
				logger.Warn("malformed job_complete", "error", err)
				continue
			}
			logger.Info("job complete", "job_id", complete.JobID, "output", complete.Output)
			if dispatched[complete.JobID] {
				resolved[complete.JobID] = true
			}
		case wire.TypeJobFailed:
			var failed wire.JobFailed
			if err := message.DecodeInto(&failed); err != nil {
				logger.Warn("malformed job_failed", "error", err)
				continue
			}
			logger.Info("job failed", "job_id", failed.JobID, "error", failed.Error)
			if dispatched[failed.JobID] {
				resolved[failed.JobID] = true
			}
		case wire.TypeHeartbeat:
			var beat wire.Heartbeat
			if err := message.DecodeInto(&beat); err != nil {
				logger.Warn("malformed heartbeat", "error", err)
				continue
			}
			logger.Info("heartbeat",
				"active_jobs", beat.ActiveJobs,
				"uptime", beat.Uptime,
				"memory_mb", beat.Memory,
				"agents", beat.Agents,
			)
		default:
			logger.Warn("frame of unknown type", "type", message.Type)
		}

		// Keep reading after resolution: heartbeats and pongs still flow.
		if !reported && len(jobIDs) > 0 && len(resolved) == len(jobIDs) {
			logger.Info("all dispatched jobs resolved", "count", len(jobIDs))
			reported = true
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("read loop ended", "error", err)
	}
}

// runnerSession serializes writes to one runner connection; the
// dispatcher, canceller, and pinger all share it.
type runnerSession struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *runnerSession) send(messageType string, payload any) error {
	message, err := wire.NewMessage(messageType, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(message)
	if err != nil {
		return err
	}
	frame = append(frame, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = s.conn.Write(frame)
	return err
}
