// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential stores the runner's cloud credentials in the
// shared state database. Secret values (install token, runner key,
// workspace API key) are sealed to the runner's age identity before
// they touch disk; non-secret values (workspace ID) are stored as
// plaintext rows in the same table.
//
// The credential lifecycle mirrors enrollment: a fresh install carries
// only an install token. The first successful handshake may return a
// long-lived runner key, at which point UpgradeToRunnerKey stores the
// key and burns the install token in one transaction. From then on
// ActiveToken returns the runner key.
//
// Secret values never appear in logs. Fingerprint produces a short
// keyed-hash identifier that is safe to log and stable across restarts.
package credential
