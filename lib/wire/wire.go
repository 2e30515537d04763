// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the message envelope and typed payloads exchanged
// between a runner and the control plane.
//
// Every frame on the wire is one JSON document, newline-delimited:
//
//	{"type": "job_dispatch", "data": {"job_id": "...", ...}}
//
// The envelope's data field is optional; an absent or null data field
// decodes as an empty object. The set of message types is closed: the
// engine dispatches over the constants below and drops anything else.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message types sent by the control plane.
const (
	TypeHandshakeComplete = "handshake_complete"
	TypeJobDispatch       = "job_dispatch"
	TypeJobCancel         = "job_cancel"
	TypeConfigSync        = "config_sync"
	TypePing              = "ping"
)

// Message types sent by the runner.
const (
	TypeAuth        = "auth"
	TypePong        = "pong"
	TypeJobProgress = "job_progress"
	TypeJobComplete = "job_complete"
	TypeJobFailed   = "job_failed"
	TypeHeartbeat   = "heartbeat"
)

// MaxFrameSize bounds a single frame in either direction. Frames larger
// than this are treated as protocol errors and the connection dropped.
const MaxFrameSize = 1 << 20

// Message is the wire envelope.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope around the given payload.
func NewMessage(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("wire: encoding %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Data: data}, nil
}

// DecodeInto unmarshals the envelope's data into v. An absent or null
// data field is treated as an empty object, so payload structs with
// only optional fields decode to their zero values.
func (m Message) DecodeInto(v any) error {
	data := []byte(m.Data)
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// Auth carries the runner's credential, sent first on every connection.
type Auth struct {
	Token string `json:"token"`
}

// HandshakeComplete is the control plane's acknowledgement of auth. All
// fields are optional: a runner key upgrades (burns) an install token,
// a workspace ID and API key scope the session, and config carries
// settings for the runtime configuration applier.
type HandshakeComplete struct {
	RunnerKey   string                     `json:"runner_key,omitempty"`
	WorkspaceID string                     `json:"workspace_id,omitempty"`
	APIKey      string                     `json:"api_key,omitempty"`
	Config      map[string]json.RawMessage `json:"config,omitempty"`
}

// JobDispatch asks the runner to execute one unit of work. JobID is
// unique per dispatch; redeliveries reuse it.
type JobDispatch struct {
	JobID     string          `json:"job_id"`
	AgentSlug string          `json:"agent_slug"`
	Input     string          `json:"input"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// JobCancel requests cooperative cancellation of an active job.
type JobCancel struct {
	JobID string `json:"job_id"`
}

// ConfigSync pushes key/value settings outside of a handshake.
type ConfigSync struct {
	Config map[string]json.RawMessage `json:"config"`
}

// JobProgress streams an intermediate executor event upstream.
type JobProgress struct {
	JobID string          `json:"job_id"`
	Event json.RawMessage `json:"event"`
}

// JobComplete reports a successful terminal outcome.
type JobComplete struct {
	JobID  string `json:"job_id"`
	Output string `json:"output"`
}

// JobFailed reports a failed terminal outcome.
type JobFailed struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// Heartbeat is the periodic liveness and load report. Uptime is whole
// seconds since the engine started; Memory is used system memory in MB.
type Heartbeat struct {
	ActiveJobs int      `json:"active_jobs"`
	Uptime     int64    `json:"uptime"`
	Memory     int      `json:"memory"`
	Agents     []string `json:"agents"`
}
