// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/outpost-foundation/outpost/lib/credential"
	"github.com/outpost-foundation/outpost/lib/secret"
	"github.com/outpost-foundation/outpost/lib/wire"
)

// ConfigApplier materializes cloud-pushed configuration for the agent
// worker. Implementations must be idempotent: applying the same
// payload twice leaves the same result as applying it once.
type ConfigApplier interface {
	Apply(config map[string]json.RawMessage) (changed bool, err error)
}

// SessionConfig holds the parameters for creating a Session.
type SessionConfig struct {
	// Credentials supplies the active token for authentication and
	// stores what the handshake acknowledgement carries. Required.
	Credentials *credential.Store

	// Applier receives config payloads from handshake
	// acknowledgements. Optional.
	Applier ConfigApplier

	// Logger receives authentication and handshake messages. Required.
	Logger *slog.Logger
}

// Session authenticates connection instances and tracks whether the
// current instance has been acknowledged by the control plane.
//
// Authentication is a preflight: the channel invokes [Session.Preflight]
// on every freshly dialed socket, initial and redial alike, before the
// connection is published as connected. Nothing else can write until
// the preflight returns, so the auth frame precedes all other traffic
// on every connection instance by construction.
type Session struct {
	credentials *credential.Store
	applier     ConfigApplier
	logger      *slog.Logger

	mu         sync.Mutex
	handshaked bool
}

// NewSession validates the configuration and returns a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("session: Credentials is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("session: Logger is required")
	}
	return &Session{
		credentials: cfg.Credentials,
		applier:     cfg.Applier,
		logger:      cfg.Logger,
	}, nil
}

// Preflight writes the auth frame on a freshly dialed connection. The
// token is loaded from the store on every call rather than cached, so
// a token burned and replaced between connections is picked up
// automatically. With no credential in the store it returns
// credential.ErrNoCredential: the first Connect fails fast rather than
// opening an unauthenticated channel, and a redial counts the attempt
// as failed.
func (s *Session) Preflight(ctx context.Context, conn net.Conn) error {
	token, kind, err := s.credentials.ActiveToken(ctx)
	if err != nil {
		return fmt.Errorf("session: loading credential: %w", err)
	}
	defer token.Close()

	// The envelope is marshaled through an ordinary string, so one
	// transient heap copy of the token is unavoidable; the buffers
	// this function owns are zeroed once the frame is on the wire.
	payload, err := json.Marshal(wire.Auth{Token: token.String()})
	if err != nil {
		return fmt.Errorf("session: encoding auth payload: %w", err)
	}
	frame, err := json.Marshal(wire.Message{Type: wire.TypeAuth, Data: payload})
	if err != nil {
		secret.Zero(payload)
		return fmt.Errorf("session: encoding auth frame: %w", err)
	}
	frame = append(frame, '\n')

	_, err = conn.Write(frame)
	secret.Zero(frame)
	secret.Zero(payload)
	if err != nil {
		return fmt.Errorf("session: writing auth frame: %w", err)
	}

	s.logger.Info("authenticated",
		"credential", string(kind),
		"fingerprint", credential.Fingerprint(token.Bytes()),
	)
	return nil
}

// HandleOpen resets per-connection state when a connection instance
// opens. The handshake acknowledgement belongs to one instance; a new
// socket starts unacknowledged even though its preflight already
// authenticated it.
func (s *Session) HandleOpen(resumed bool) {
	s.mu.Lock()
	s.handshaked = false
	s.mu.Unlock()
	if resumed {
		s.logger.Info("session resumed, awaiting handshake")
	}
}

// HandleDown resets per-connection state when the connection drops.
func (s *Session) HandleDown() {
	s.mu.Lock()
	s.handshaked = false
	s.mu.Unlock()
}

// HandleHandshake applies the control plane's acknowledgement. All of
// its fields are optional and each is applied independently:
//
//   - runner_key: stored sealed, and the install token is deleted in
//     the same transaction (the burn). Deleting an absent install
//     token is a no-op, so re-applying the same acknowledgement is
//     harmless.
//   - workspace_id: stored plaintext; job rows are scoped to it.
//   - api_key: stored sealed for the worker's upstream calls.
//   - config: forwarded to the runtime config applier. A side effect
//     for the worker's benefit, not session state.
//
// Failures are logged and do not tear down the connection: a partial
// handshake application leaves the previous credential intact and the
// control plane retries on its next acknowledgement.
func (s *Session) HandleHandshake(ctx context.Context, ack wire.HandshakeComplete) {
	if ack.RunnerKey != "" {
		if err := s.credentials.UpgradeToRunnerKey(ctx, []byte(ack.RunnerKey)); err != nil {
			s.logger.Error("storing runner key", "error", err)
		}
	}
	if ack.WorkspaceID != "" {
		if err := s.credentials.Set(ctx, credential.KeyWorkspaceID, ack.WorkspaceID); err != nil {
			s.logger.Error("storing workspace id", "error", err)
		}
	}
	if ack.APIKey != "" {
		if err := s.credentials.SetSecret(ctx, credential.KeyAPIKey, []byte(ack.APIKey)); err != nil {
			s.logger.Error("storing api key", "error", err)
		}
	}
	if len(ack.Config) > 0 && s.applier != nil {
		if _, err := s.applier.Apply(ack.Config); err != nil {
			s.logger.Error("applying handshake config", "error", err)
		}
	}

	s.mu.Lock()
	s.handshaked = true
	s.mu.Unlock()

	s.logger.Info("handshake complete",
		"workspace_id", ack.WorkspaceID,
		"rotated", ack.RunnerKey != "",
	)
}

// Handshaked reports whether the current connection instance has
// received its handshake acknowledgement.
func (s *Session) Handshaked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshaked
}
