// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the dialers the bridge uses to reach the
// control plane. The bridge depends only on the [Dialer] interface:
// production wires a TCP or TLS dialer, tests substitute in-memory
// pipes.
package transport

import (
	"context"
	"net"
)

// Dialer opens one connection to a control plane endpoint.
// Implementations must honor context cancellation and deadlines; the
// bridge applies its handshake timeout through the context.
type Dialer interface {
	// DialContext opens a connection to address (host:port).
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// Listener accepts inbound runner connections. The runner itself never
// listens; this side of the protocol exists for the mock control plane
// and for tests that need a real socket.
type Listener interface {
	// Serve accepts connections until ctx is cancelled or Close is
	// called, running handle on its own goroutine per connection.
	// On shutdown Serve waits for in-flight handlers before
	// returning; a non-shutdown accept failure is returned
	// immediately.
	Serve(ctx context.Context, handle func(ctx context.Context, conn net.Conn)) error

	// Address returns the bound address in host:port form.
	Address() string

	// Close stops accepting and unblocks Serve.
	Close() error
}
