// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile provides atomic snapshot files describing the
// runner's health. The runner rewrites its state file on every
// heartbeat tick; health checks and operators read it without talking
// to the runner process.
//
// The file is written atomically (write to temporary file, fsync,
// rename) so readers never see a partial or corrupt snapshot.
// Freshness checking via Check prevents acting on a file left behind
// by a dead runner.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is a point-in-time snapshot of the runner.
type State struct {
	// UpdatedAt is when the snapshot was written. Check uses it to
	// reject stale files.
	UpdatedAt time.Time `json:"updated_at"`

	// Connected reports whether the cloud channel was open at write
	// time.
	Connected bool `json:"connected"`

	// Authenticated reports whether the handshake for the current
	// connection completed.
	Authenticated bool `json:"authenticated"`

	// ActiveJobs is the number of jobs executing at write time.
	ActiveJobs int `json:"active_jobs"`

	// UptimeSeconds is how long the runner process has been up.
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Write atomically writes a state file. The content lands in a
// temporary file in the same directory, is fsynced, and renamed into
// place. The file is created with mode 0600; the parent directory must
// already exist.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling runner state: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary state file: %w", err)
	}

	// Write, sync, close, in that order. On any failure remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary state file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming state file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses a state file. When the file does not exist,
// the returned error wraps os.ErrNotExist (testable with errors.Is).
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	return state, nil
}

// Check reads a state file and verifies it is fresh. Returns the state
// and true when the file exists and UpdatedAt is within maxAge of now.
// Returns a zero State and false when the file does not exist or is
// stale. Any other error (permission denied, corrupt JSON) is returned
// as-is so the caller can distinguish "no state" from "state exists
// but unreadable".
func Check(path string, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if time.Since(state.UpdatedAt) > maxAge {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes a state file. Idempotent: returns nil when the file
// does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}
