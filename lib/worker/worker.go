// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the CBOR protocol between the runner and
// the agent worker over a Unix socket.
//
// Each job execution uses one connection. The client writes a single
// [Request], then reads frames: zero or more progress frames followed
// by exactly one result frame. Progress payloads are opaque JSON
// produced by the agent and forwarded to the control plane verbatim.
//
// Cancellation rides on the connection itself: when the runner no
// longer wants the result (job cancelled, execution timeout, runner
// shutdown) it closes the connection, and the server cancels the
// handler's context. There is no separate cancel message.
package worker

import "encoding/json"

// Request describes one job execution.
type Request struct {
	// JobID is the cloud-assigned job identifier.
	JobID string `cbor:"job_id"`

	// AgentSlug names the agent configuration to execute.
	AgentSlug string `cbor:"agent_slug"`

	// Input is the task prompt.
	Input string `cbor:"input"`

	// Context is optional JSON context from the dispatch, passed
	// through untouched.
	Context []byte `cbor:"context,omitempty"`
}

// Result is the terminal outcome of one execution. A failed execution
// is still a Result (Success false, Error set); transport problems are
// returned as Go errors instead.
type Result struct {
	Success bool   `cbor:"success"`
	Output  string `cbor:"output,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// ProgressFunc receives progress events during execution. The event is
// the agent's JSON payload, forwarded without interpretation. Called
// from the transport goroutine; implementations must not block for
// long.
type ProgressFunc func(event json.RawMessage)

// Frame kinds on the server-to-client stream.
const (
	frameProgress = "progress"
	frameResult   = "result"
)

// frame is the wire envelope for server-to-client messages. Event
// holds JSON bytes; the CBOR layer treats them as an opaque byte
// string.
type frame struct {
	Kind   string  `cbor:"kind"`
	Event  []byte  `cbor:"event,omitempty"`
	Result *Result `cbor:"result,omitempty"`
}

// maxRequestSize bounds a single execution request. Inputs are task
// prompts plus bounded context, far below this.
const maxRequestSize = 1024 * 1024
