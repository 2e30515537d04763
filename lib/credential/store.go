// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/sealed"
	"github.com/outpost-foundation/outpost/lib/secret"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
)

// Well-known credential keys. The cloud protocol names these fields in
// its handshake and config messages; the store uses the same names so a
// database dump reads like the wire traffic that produced it.
const (
	KeyInstallToken = "install_token"
	KeyRunnerKey    = "runner_key"
	KeyWorkspaceID  = "workspace_id"
	KeyAPIKey       = "api_key"
)

// TokenKind identifies which credential ActiveToken returned.
type TokenKind string

const (
	TokenInstall TokenKind = KeyInstallToken
	TokenRunner  TokenKind = KeyRunnerKey
)

var (
	// ErrNotFound reports that no row exists for the requested key.
	ErrNotFound = errors.New("credential: not found")

	// ErrNoCredential reports that the store holds neither a runner
	// key nor an install token. The runner cannot authenticate and
	// must not dial the control plane.
	ErrNoCredential = errors.New("credential: no runner key or install token")

	// ErrSealedValue reports that Get was called on a sealed row.
	// Sealed rows carry secrets and must be read with GetSecret.
	ErrSealedValue = errors.New("credential: value is sealed, use GetSecret")
)

// fingerprintKey is the domain-separation key for credential
// fingerprints. Fixed constant; changing it changes every logged
// fingerprint. ASCII, zero-padded to the 32 bytes BLAKE3 keyed mode
// requires.
var fingerprintKey = [32]byte{
	'o', 'u', 't', 'p', 'o', 's', 't', '.', 'c', 'r', 'e', 'd', 'e', 'n', 't', 'i',
	'a', 'l', '.', 'f', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	sealed     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
) STRICT;
`

// Store persists credentials in the shared state database. Secret
// writes go through SetSecret, which seals the value to the store's
// age identity; plaintext rows are for non-secret metadata only.
//
// Store is safe for concurrent use.
type Store struct {
	pool     *sqlitepool.Pool
	identity *sealed.Identity
	clock    clock.Clock
	logger   *slog.Logger
}

// Config holds the parameters for opening a credential store.
type Config struct {
	// Pool is the shared state database pool. Required. The store
	// creates its own table on open; other stores sharing the pool
	// own their own tables.
	Pool *sqlitepool.Pool

	// Identity is the runner's age identity, used to seal secret
	// values at rest. Required.
	Identity *sealed.Identity

	// Clock provides timestamps for updated_at. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// OpenStore validates the configuration and ensures the credentials
// table exists. The store borrows connections from cfg.Pool per call
// and does not own the pool's lifecycle.
func OpenStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("credential store: Pool is required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("credential store: Identity is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("credential store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("credential store: Logger is required")
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("credential store: creating schema: %w", err)
	}

	return &Store{
		pool:     cfg.Pool,
		identity: cfg.Identity,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Get returns the plaintext value for key. Returns ErrNotFound if no
// row exists and ErrSealedValue if the row holds a sealed secret.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, isSealed, err := s.fetch(ctx, key)
	if err != nil {
		return "", err
	}
	if isSealed {
		return "", fmt.Errorf("%w: %s", ErrSealedValue, key)
	}
	return value, nil
}

// GetSecret returns the value for key in a locked buffer, unsealing it
// when the row was written by SetSecret. The caller owns the buffer
// and must Close it.
func (s *Store) GetSecret(ctx context.Context, key string) (*secret.Buffer, error) {
	value, isSealed, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !isSealed {
		// Plaintext row read through the secret path. Wrap it anyway
		// so the caller handles both kinds uniformly.
		return secret.NewFromBytes([]byte(value))
	}
	buffer, err := s.identity.Unseal(value)
	if err != nil {
		return nil, fmt.Errorf("credential store: unsealing %s: %w", key, err)
	}
	return buffer, nil
}

// Set upserts a plaintext value. Use only for non-secret metadata such
// as the workspace ID.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.upsert(ctx, key, value, false)
}

// SetSecret seals value to the store's identity and upserts it. The
// caller keeps ownership of value and should zero it afterwards.
func (s *Store) SetSecret(ctx context.Context, key string, value []byte) error {
	ciphertext, err := sealed.Seal(value, s.identity.Recipient)
	if err != nil {
		return fmt.Errorf("credential store: sealing %s: %w", key, err)
	}
	return s.upsert(ctx, key, ciphertext, true)
}

// Delete removes the row for key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("credential store: delete %s: %w", key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM credentials WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
	})
	if err != nil {
		return fmt.Errorf("credential store: delete %s: %w", key, err)
	}
	return nil
}

// ActiveToken returns the credential the runner should authenticate
// with: the runner key when one exists, otherwise the install token.
// Returns ErrNoCredential when the store holds neither.
func (s *Store) ActiveToken(ctx context.Context) (*secret.Buffer, TokenKind, error) {
	token, err := s.GetSecret(ctx, KeyRunnerKey)
	if err == nil {
		return token, TokenRunner, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	token, err = s.GetSecret(ctx, KeyInstallToken)
	if err == nil {
		return token, TokenInstall, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	return nil, "", ErrNoCredential
}

// UpgradeToRunnerKey stores the runner key and deletes the install
// token in one transaction. The install token is single-use on the
// cloud side; burning it here keeps a crashed runner from presenting a
// token the control plane already invalidated.
func (s *Store) UpgradeToRunnerKey(ctx context.Context, runnerKey []byte) (err error) {
	ciphertext, err := sealed.Seal(runnerKey, s.identity.Recipient)
	if err != nil {
		return fmt.Errorf("credential store: sealing runner key: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("credential store: upgrade: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("credential store: begin upgrade transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO credentials (key, value, sealed, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{KeyRunnerKey, ciphertext, s.clock.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("credential store: storing runner key: %w", err)
	}

	err = sqlitex.Execute(conn, "DELETE FROM credentials WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{KeyInstallToken},
	})
	if err != nil {
		return fmt.Errorf("credential store: burning install token: %w", err)
	}

	s.logger.Info("credential upgraded to runner key",
		"fingerprint", Fingerprint(runnerKey),
	)
	return nil
}

// Entry describes one stored row for inspection tooling. It carries no
// value: plaintext rows are read with Get, and sealed rows only ever
// leave the store through GetSecret.
type Entry struct {
	Key       string
	Sealed    bool
	UpdatedAt time.Time
}

// List returns all stored rows ordered by key.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, "SELECT key, sealed, updated_at FROM credentials ORDER BY key", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, Entry{
				Key:       stmt.ColumnText(0),
				Sealed:    stmt.ColumnInt(1) != 0,
				UpdatedAt: time.Unix(stmt.ColumnInt64(2), 0).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("credential store: list: %w", err)
	}
	return entries, nil
}

// fetch returns the raw stored value and whether it is sealed.
func (s *Store) fetch(ctx context.Context, key string) (value string, isSealed bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("credential store: get %s: %w", key, err)
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, "SELECT value, sealed FROM credentials WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			value = stmt.ColumnText(0)
			isSealed = stmt.ColumnInt(1) != 0
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("credential store: get %s: %w", key, err)
	}
	if !found {
		return "", false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, isSealed, nil
}

// upsert writes a row, replacing any existing value for key.
func (s *Store) upsert(ctx context.Context, key, value string, isSealed bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("credential store: set %s: %w", key, err)
	}
	defer s.pool.Put(conn)

	sealedFlag := 0
	if isSealed {
		sealedFlag = 1
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO credentials (key, value, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{key, value, sealedFlag, s.clock.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("credential store: set %s: %w", key, err)
	}
	return nil
}

// Fingerprint returns a short identifier for a secret that is safe to
// log: the first six bytes of a domain-keyed BLAKE3 hash, hex encoded.
// Twelve hex characters is plenty to distinguish the handful of
// credentials a runner ever holds, and far too short to invert.
func Fingerprint(value []byte) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("credential: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(value)
	return hex.EncodeToString(hasher.Sum(nil)[:6])
}
