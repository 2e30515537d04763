// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Compile-time interface check.
var _ Dialer = (*TLSDialer)(nil)

// TLSDialer opens TLS connections verified against the system roots.
type TLSDialer struct {
	// Timeout is the maximum time to establish the connection,
	// including the TLS handshake. Zero means only the context
	// deadline applies.
	Timeout time.Duration

	// ServerName overrides the name used for certificate
	// verification. Empty means the host part of the dialed address.
	ServerName string

	// Config replaces the entire TLS configuration when set. Used by
	// tests that run their own certificate authority. ServerName is
	// still filled in when the provided config leaves it empty.
	Config *tls.Config
}

// DialContext opens a TLS connection to address and completes the
// handshake before returning.
func (d *TLSDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	config := &tls.Config{
		ServerName: d.ServerName,
		MinVersion: tls.VersionTLS12,
	}
	if d.Config != nil {
		config = d.Config.Clone()
	}
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		config.ServerName = host
	}

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout:   d.Timeout,
			KeepAlive: keepAlivePeriod,
		},
		Config: config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}
