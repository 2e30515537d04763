// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the cloud bridge protocol engine: the
// runner's single persistent connection to the control plane and
// everything that rides on it.
//
// The engine is assembled from four components:
//
//   - [Channel] owns the one physical connection. It frames outbound
//     messages, parses inbound frames into typed events, and reconnects
//     with exponential backoff when the socket drops. It never
//     reconnects after an explicit Close.
//
//   - [Session] authenticates every connection instance. Its Preflight
//     hook runs on each freshly dialed socket before the channel
//     publishes it as connected, so the auth frame structurally
//     precedes all other traffic. It also applies the handshake
//     acknowledgement: runner key upgrade (install token burn),
//     workspace scoping, and cloud configuration forwarding.
//
//   - [Coordinator] owns the in-memory table of active jobs and the
//     per-job state machine: running, then exactly one of complete,
//     failed, or cancelled. It invokes the executor, streams progress
//     upstream, enforces the execution timeout, and reconciles jobs a
//     previous process left behind.
//
//   - [Heartbeat] periodically reports liveness and load while the
//     channel is connected, and keeps the local runner state file
//     fresh either way.
//
// [Engine] wires the four together: it consumes the channel's event
// stream and dispatches each inbound message over a closed switch of
// the wire types. Unknown types are logged and dropped; there is no
// dynamic handler registration.
//
// A dropped connection never loses job state: executions continue
// across reconnects, terminal transitions are persisted locally even
// when the send is impossible, and the control plane's redeliveries
// are deduplicated by job ID.
package bridge
