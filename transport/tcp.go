// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Dialer   = (*TCPDialer)(nil)
	_ Listener = (*TCPListener)(nil)
)

// keepAlivePeriod is applied to outbound TCP connections so half-dead
// NAT paths surface as read errors between heartbeats instead of
// hanging forever.
const keepAlivePeriod = 30 * time.Second

// TCPDialer opens plain TCP connections. This is the development
// transport for running against a local control plane mock; production
// uses [TLSDialer].
type TCPDialer struct {
	// Timeout is the maximum time to establish the connection. Zero
	// means only the context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address.
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: keepAlivePeriod,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TCPListener accepts plain TCP connections. Use ":0" as the address to
// bind a random free port.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener binds address and returns a listener ready to Serve.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", address, err)
	}
	return &TCPListener{listener: listener}, nil
}

// Serve accepts connections and dispatches each to handle on its own
// goroutine, passing ctx through for per-connection shutdown.
func (l *TCPListener) Serve(ctx context.Context, handle func(ctx context.Context, conn net.Conn)) error {
	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	var handlers sync.WaitGroup
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handle(ctx, conn)
		}()
	}

	handlers.Wait()
	return nil
}

// Address returns the bound address in host:port form.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting and unblocks Serve.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}
