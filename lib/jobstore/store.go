// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobstore persists job lifecycle state in the shared state
// database. A job row is created when the cloud dispatches work and
// receives exactly one terminal transition: complete, failed, or
// cancelled. The guard lives in SQL, so a late executor result cannot
// overwrite a cancellation even if two goroutines race to finish the
// same job.
//
// Large outputs are compressed before they touch disk and verified
// against a keyed BLAKE3 digest on the way back out.
package jobstore

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
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is final. Terminal rows never
// change again.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrJobExists reports a CreateJob for an ID that already has a
	// row. Duplicate dispatches hit this.
	ErrJobExists = errors.New("jobstore: job already exists")

	// ErrJobNotFound reports an operation on an ID with no row.
	ErrJobNotFound = errors.New("jobstore: job not found")

	// ErrAlreadyTerminal reports a Finish on a job that already has a
	// terminal status. The first terminal transition wins; later ones
	// are rejected, not merged.
	ErrAlreadyTerminal = errors.New("jobstore: job already terminal")

	// ErrOutputCorrupt reports a digest mismatch when reading a
	// stored output back.
	ErrOutputCorrupt = errors.New("jobstore: output digest mismatch")
)

// digestKey is the domain-separation key for output digests. ASCII,
// zero-padded to the 32 bytes BLAKE3 keyed mode requires.
var digestKey = [32]byte{
	'o', 'u', 't', 'p', 'o', 's', 't', '.', 'j', 'o', 'b', '.', 'o', 'u', 't', 'p',
	'u', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	agent_slug   TEXT NOT NULL,
	input        TEXT NOT NULL,
	status       TEXT NOT NULL,
	output       BLOB,
	output_size  INTEGER NOT NULL DEFAULT 0,
	compression  INTEGER NOT NULL DEFAULT 0,
	digest       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
) STRICT;

CREATE INDEX IF NOT EXISTS jobs_by_status ON jobs (status);
`

// Job is a fully hydrated job row. Output is the decompressed,
// digest-verified payload.
type Job struct {
	ID          string
	WorkspaceID string
	AgentSlug   string
	Input       string
	Status      Status
	Output      string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists jobs in the shared state database. Safe for
// concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a job store.
type Config struct {
	// Pool is the shared state database pool. Required.
	Pool *sqlitepool.Pool

	// Clock provides row timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// OpenStore validates the configuration and ensures the jobs table
// exists. The store borrows connections from cfg.Pool per call and
// does not own the pool's lifecycle.
func OpenStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("jobstore: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("jobstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("jobstore: Logger is required")
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("jobstore: creating schema: %w", err)
	}

	return &Store{
		pool:   cfg.Pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// CreateJob inserts a new row with status running. Returns
// ErrJobExists when a row for id is already present, regardless of its
// status. The workspace ID may be empty when the control plane has not
// scoped the runner yet.
func (s *Store) CreateJob(ctx context.Context, id, workspaceID, agentSlug, input string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: create %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().Unix()
	err = sqlitex.Execute(conn, `
		INSERT INTO jobs (id, workspace_id, agent_slug, input, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, &sqlitex.ExecOptions{
		Args: []any{id, workspaceID, agentSlug, input, string(StatusRunning), now, now},
	})
	if err != nil {
		return fmt.Errorf("jobstore: create %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	return nil
}

// Finish applies the job's single terminal transition. The update only
// touches rows still in running state: a job that already reached a
// terminal status stays exactly as it was and Finish returns
// ErrAlreadyTerminal. Output is compressed and digested before the
// write.
func (s *Store) Finish(ctx context.Context, id string, status Status, output, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("jobstore: finish %s: %q is not a terminal status", id, status)
	}

	stored, tag := compressOutput([]byte(output))
	digest := outputDigest([]byte(output))

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: finish %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE jobs
		SET status = ?, output = ?, output_size = ?, compression = ?,
		    digest = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, &sqlitex.ExecOptions{
		Args: []any{
			string(status), stored, len(output), int(tag),
			digest, errorMessage, s.clock.Now().Unix(),
			id, string(StatusRunning),
		},
	})
	if err != nil {
		return fmt.Errorf("jobstore: finish %s: %w", id, err)
	}
	if conn.Changes() > 0 {
		return nil
	}

	// Nothing updated: either the row is missing or it is already
	// terminal. Distinguish for the caller.
	exists := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM jobs WHERE id = ?", &sqlitex.ExecOptions{
		Args:       []any{id},
		ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
	})
	if err != nil {
		return fmt.Errorf("jobstore: finish %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
}

// GetJob reads a row, decompressing and digest-checking the stored
// output. Returns ErrJobNotFound when no row exists and
// ErrOutputCorrupt when the stored output fails verification.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var (
		job        Job
		found      bool
		stored     []byte
		outputSize int
		tag        Compression
		digest     string
	)
	err = sqlitex.Execute(conn, `
		SELECT id, workspace_id, agent_slug, input, status, output,
		       output_size, compression, digest, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			job.ID = stmt.ColumnText(0)
			job.WorkspaceID = stmt.ColumnText(1)
			job.AgentSlug = stmt.ColumnText(2)
			job.Input = stmt.ColumnText(3)
			job.Status = Status(stmt.ColumnText(4))
			stored = make([]byte, stmt.ColumnLen(5))
			stmt.ColumnBytes(5, stored)
			outputSize = stmt.ColumnInt(6)
			tag = Compression(stmt.ColumnInt(7))
			digest = stmt.ColumnText(8)
			job.Error = stmt.ColumnText(9)
			job.CreatedAt = time.Unix(stmt.ColumnInt64(10), 0).UTC()
			job.UpdatedAt = time.Unix(stmt.ColumnInt64(11), 0).UTC()
			return nil
		},
	})
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	if !found {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	output, err := decompressOutput(stored, tag, outputSize)
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	if digest != "" && outputDigest(output) != digest {
		return Job{}, fmt.Errorf("%w: %s", ErrOutputCorrupt, id)
	}
	job.Output = string(output)
	return job, nil
}

// ListRunning returns the IDs of all rows still in running state,
// oldest first. After a restart these are the jobs the previous
// process never finished.
func (s *Store) ListRunning(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list running: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, `
		SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id
	`, &sqlitex.ExecOptions{
		Args: []any{string(StatusRunning)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: list running: %w", err)
	}
	return ids, nil
}

// outputDigest returns the hex-encoded keyed BLAKE3 digest of an
// uncompressed output. Empty outputs digest to the empty string so
// rows written before an output existed verify cleanly.
func outputDigest(output []byte) string {
	if len(output) == 0 {
		return ""
	}
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("jobstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(output)
	return hex.EncodeToString(hasher.Sum(nil))
}
