// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for at-rest protection of runner
// credentials. The credential store seals secret values (install token,
// runner key, workspace API key) to the machine identity before they
// touch SQLite, so a copied database file leaks nothing without the
// identity file.
//
// Ciphertext is base64-encoded for storage in TEXT columns. Private key
// material and unsealed plaintext live in secret.Buffer guarded memory.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/outpost-foundation/outpost/lib/secret"
)

// Identity is an age x25519 identity: the machine's sealing key. The
// private half stays in guarded memory; the Recipient string is public.
// Close releases the private key.
type Identity struct {
	private *secret.Buffer

	// Recipient is the public key in age1... form, safe to log.
	Recipient string
}

// GenerateIdentity creates a fresh identity with the private key moved
// into guarded memory.
func GenerateIdentity() (*Identity, error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}

	// The string returned by the age library is heap-allocated and
	// will be collected; the guarded buffer is the durable copy.
	private, err := secret.NewFromBytes([]byte(generated.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}

	return &Identity{
		private:   private,
		Recipient: generated.Recipient().String(),
	}, nil
}

// LoadIdentity reads an identity file written by Save. The raw bytes
// are zeroed once the key is in guarded memory.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity %s: %w", path, err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		secret.Zero(raw)
		return nil, fmt.Errorf("sealed: identity file %s is empty", path)
	}

	parsed, err := age.ParseX25519Identity(string(trimmed))
	if err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("sealed: parsing identity %s: %w", path, err)
	}

	private, err := secret.NewFromBytes(trimmed)
	secret.Zero(raw)
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}

	return &Identity{
		private:   private,
		Recipient: parsed.Recipient().String(),
	}, nil
}

// LoadOrCreateIdentity loads the identity at path, generating and
// saving a new one (mode 0600) if the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	identity, err := LoadIdentity(path)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := identity.Save(path); err != nil {
		identity.Close()
		return nil, err
	}
	return identity, nil
}

// Save writes the private key to path with 0600 permissions.
func (id *Identity) Save(path string) error {
	key := id.private.Bytes()
	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("sealed: writing identity %s: %w", path, err)
	}
	return nil
}

// Close releases the private key memory. Idempotent.
func (id *Identity) Close() error {
	if id.private != nil {
		return id.private.Close()
	}
	return nil
}

// Seal encrypts plaintext to one or more age recipients and returns
// base64 ciphertext.
func Seal(plaintext []byte, recipients ...string) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("sealed: at least one recipient is required")
	}

	parsed := make([]age.Recipient, 0, len(recipients))
	for _, key := range recipients {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		parsed = append(parsed, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, parsed...)
	if err != nil {
		return "", fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Unseal decrypts base64 ciphertext produced by Seal. The plaintext is
// returned in guarded memory; the caller must Close it.
func (id *Identity) Unseal(ciphertext string) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(id.private.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), parsed)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: ciphertext unsealed to empty plaintext")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// ValidateRecipient reports whether key is a well-formed age public key.
func ValidateRecipient(key string) error {
	if _, err := age.ParseX25519Recipient(strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("sealed: invalid recipient: %w", err)
	}
	return nil
}
