// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/outpost-foundation/outpost/bridge"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/credential"
	"github.com/outpost-foundation/outpost/lib/sealed"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/lib/wire"
)

func TestPreflightWritesAuthFrame(t *testing.T) {
	ctx := context.Background()
	credentials := newTestCredentials(t)
	if err := credentials.SetSecret(ctx, credential.KeyInstallToken, []byte("install-abc")); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	session := newTestSession(t, credentials, nil)

	auth := preflightFrame(t, session)
	if auth.Token != "install-abc" {
		t.Errorf("auth token = %q, want install token", auth.Token)
	}

	// After an upgrade, the next preflight presents the runner key.
	// The token is read from the store per connection, not cached.
	if err := credentials.UpgradeToRunnerKey(ctx, []byte("rk-live")); err != nil {
		t.Fatalf("UpgradeToRunnerKey: %v", err)
	}
	auth = preflightFrame(t, session)
	if auth.Token != "rk-live" {
		t.Errorf("auth token = %q, want runner key", auth.Token)
	}
}

func TestPreflightWithoutCredential(t *testing.T) {
	session := newTestSession(t, newTestCredentials(t), nil)

	runner, plane := net.Pipe()
	defer runner.Close()
	defer plane.Close()

	err := session.Preflight(context.Background(), runner)
	if !errors.Is(err, credential.ErrNoCredential) {
		t.Fatalf("Preflight on empty store = %v, want ErrNoCredential", err)
	}
}

func TestHandshakeAppliesAcknowledgement(t *testing.T) {
	ctx := context.Background()
	credentials := newTestCredentials(t)
	if err := credentials.SetSecret(ctx, credential.KeyInstallToken, []byte("install-abc")); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	applier := &recordingApplier{}
	session := newTestSession(t, credentials, applier)

	ack := wire.HandshakeComplete{
		RunnerKey:   "rk-minted",
		WorkspaceID: "ws-4012",
		APIKey:      "sk-outpost-123",
		Config:      map[string]json.RawMessage{"model": json.RawMessage(`"gpt-5"`)},
	}
	session.HandleHandshake(ctx, ack)

	if !session.Handshaked() {
		t.Error("Handshaked() = false after acknowledgement")
	}

	// Runner key stored, install token burned.
	token, kind, err := credentials.ActiveToken(ctx)
	if err != nil {
		t.Fatalf("ActiveToken: %v", err)
	}
	defer token.Close()
	if kind != credential.TokenRunner || string(token.Bytes()) != "rk-minted" {
		t.Errorf("active token = %q (%s), want minted runner key", token.Bytes(), kind)
	}
	if _, err := credentials.GetSecret(ctx, credential.KeyInstallToken); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("install token after handshake = %v, want ErrNotFound", err)
	}

	// Workspace scope and API key persisted.
	workspaceID, err := credentials.Get(ctx, credential.KeyWorkspaceID)
	if err != nil || workspaceID != "ws-4012" {
		t.Errorf("workspace id = %q, %v", workspaceID, err)
	}
	apiKey, err := credentials.GetSecret(ctx, credential.KeyAPIKey)
	if err != nil {
		t.Fatalf("GetSecret api_key: %v", err)
	}
	defer apiKey.Close()
	if string(apiKey.Bytes()) != "sk-outpost-123" {
		t.Errorf("api key = %q", apiKey.Bytes())
	}

	// Config forwarded to the applier.
	if got := applier.calls(); len(got) != 1 || string(got[0]["model"]) != `"gpt-5"` {
		t.Errorf("applier calls = %v", got)
	}

	// Re-applying the same acknowledgement is harmless: the burn's
	// delete is a no-op and the upserts overwrite in place.
	session.HandleHandshake(ctx, ack)
	token2, kind2, err := credentials.ActiveToken(ctx)
	if err != nil {
		t.Fatalf("ActiveToken after re-apply: %v", err)
	}
	defer token2.Close()
	if kind2 != credential.TokenRunner || string(token2.Bytes()) != "rk-minted" {
		t.Errorf("active token after re-apply = %q (%s)", token2.Bytes(), kind2)
	}
}

func TestHandshakePartialAcknowledgement(t *testing.T) {
	ctx := context.Background()
	credentials := newTestCredentials(t)
	if err := credentials.SetSecret(ctx, credential.KeyInstallToken, []byte("install-abc")); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	session := newTestSession(t, credentials, nil)

	// Only a workspace: no key rotation happens.
	session.HandleHandshake(ctx, wire.HandshakeComplete{WorkspaceID: "ws-4012"})

	if !session.Handshaked() {
		t.Error("Handshaked() = false after acknowledgement")
	}
	_, kind, err := credentials.ActiveToken(ctx)
	if err != nil {
		t.Fatalf("ActiveToken: %v", err)
	}
	if kind != credential.TokenInstall {
		t.Errorf("active token kind = %q, want install token preserved", kind)
	}
}

func TestHandshakeFlagIsPerConnection(t *testing.T) {
	ctx := context.Background()
	session := newTestSession(t, newTestCredentials(t), nil)

	if session.Handshaked() {
		t.Error("Handshaked() = true before any acknowledgement")
	}

	session.HandleHandshake(ctx, wire.HandshakeComplete{})
	if !session.Handshaked() {
		t.Error("Handshaked() = false after acknowledgement")
	}

	session.HandleDown()
	if session.Handshaked() {
		t.Error("Handshaked() = true after connection loss")
	}

	session.HandleHandshake(ctx, wire.HandshakeComplete{})
	session.HandleOpen(true)
	if session.Handshaked() {
		t.Error("Handshaked() = true on a fresh connection instance")
	}
}

// preflightFrame runs one preflight over an in-memory pipe and returns
// the auth payload the plane side received.
func preflightFrame(t *testing.T, session *bridge.Session) wire.Auth {
	t.Helper()

	runner, plane := net.Pipe()
	defer runner.Close()
	defer plane.Close()

	type readResult struct {
		message wire.Message
		err     error
	}
	results := make(chan readResult, 1)
	go func() {
		line, err := bufio.NewReader(plane).ReadString('\n')
		if err != nil {
			results <- readResult{err: err}
			return
		}
		var message wire.Message
		err = json.Unmarshal([]byte(line), &message)
		results <- readResult{message: message, err: err}
	}()

	if err := session.Preflight(context.Background(), runner); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	select {
	case result := <-results:
		if result.err != nil {
			t.Fatalf("reading auth frame: %v", result.err)
		}
		if result.message.Type != wire.TypeAuth {
			t.Fatalf("first frame type = %q, want auth", result.message.Type)
		}
		var auth wire.Auth
		if err := result.message.DecodeInto(&auth); err != nil {
			t.Fatalf("decoding auth payload: %v", err)
		}
		return auth
	case <-time.After(5 * time.Second):
		t.Fatal("auth frame never arrived")
		return wire.Auth{}
	}
}

func newTestSession(t *testing.T, credentials *credential.Store, applier bridge.ConfigApplier) *bridge.Session {
	t.Helper()
	session, err := bridge.NewSession(bridge.SessionConfig{
		Credentials: credentials,
		Applier:     applier,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session
}

func newTestCredentials(t *testing.T) *credential.Store {
	t.Helper()
	return newTestCredentialsOn(t, newTestPool(t), clock.NewFake(testEpoch))
}

func newTestCredentialsOn(t *testing.T, pool *sqlitepool.Pool, clk clock.Clock) *credential.Store {
	t.Helper()

	identity, err := sealed.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	t.Cleanup(func() { identity.Close() })

	store, err := credential.OpenStore(context.Background(), credential.Config{
		Pool:     pool,
		Identity: identity,
		Clock:    clk,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}

func newTestPool(t *testing.T) *sqlitepool.Pool {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "state.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("Open pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close pool: %v", err)
		}
	})
	return pool
}

// recordingApplier records every Apply payload.
type recordingApplier struct {
	mu      sync.Mutex
	applied []map[string]json.RawMessage
}

func (a *recordingApplier) Apply(config map[string]json.RawMessage) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make(map[string]json.RawMessage, len(config))
	for key, value := range config {
		copied[key] = value
	}
	a.applied = append(a.applied, copied)
	return true, nil
}

func (a *recordingApplier) calls() []map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]json.RawMessage(nil), a.applied...)
}
