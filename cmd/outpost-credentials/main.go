// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-credentials manages the runner's credential store for
// operator bootstrap and recovery. It opens the same state database
// and age identity as the runner, so anything it stores is readable by
// the next runner start.
//
// Subcommands: set-token (provision an install token), show (list keys
// with seal state and fingerprints, never values), delete.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/config"
	"github.com/outpost-foundation/outpost/lib/credential"
	"github.com/outpost-foundation/outpost/lib/sealed"
	"github.com/outpost-foundation/outpost/lib/secret"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
	"github.com/outpost-foundation/outpost/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "set-token":
		return runSetToken(os.Args[2:])
	case "show":
		return runShow(os.Args[2:])
	case "delete":
		return runDelete(os.Args[2:])
	case "version", "--version":
		fmt.Printf("outpost-credentials %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: outpost-credentials <subcommand> [flags]

Subcommands:
  set-token   Store an install token (prompted without echo, or piped)
  show        List stored keys, seal state, and fingerprints
  delete      Remove a key from the store
  version     Print version information

All subcommands take --config; without it the OUTPOST_CONFIG
environment variable locates the configuration file.
`)
}

// runSetToken stores an install token for the next runner start. The
// token is read without echo on a terminal, or from stdin when piped.
func runSetToken(args []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("set-token", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to outpost.yaml (default: $OUTPOST_CONFIG)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	token, err := readToken()
	if err != nil {
		return err
	}
	defer secret.Zero(token)

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	// A runner key outranks the install token at authentication time;
	// storing a token while one exists does nothing until the key is
	// deleted.
	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Key == credential.KeyRunnerKey {
			fmt.Fprintf(os.Stderr, "note: a runner key is present and takes precedence; "+
				"delete it with 'outpost-credentials delete %s' to force re-enrollment\n",
				credential.KeyRunnerKey)
		}
	}

	if err := store.SetSecret(ctx, credential.KeyInstallToken, token); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "install token stored (fingerprint %s)\n", credential.Fingerprint(token))
	return nil
}

// readToken reads the install token without echo when stdin is a
// terminal, or as the whole of stdin when piped.
func readToken() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Install token: ")
		token, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		token = bytes.TrimSpace(token)
		if len(token) == 0 {
			return nil, fmt.Errorf("empty token")
		}
		return token, nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading token from stdin: %w", err)
	}
	token := bytes.TrimSpace(data)
	if len(token) == 0 {
		return nil, fmt.Errorf("empty token")
	}
	return token, nil
}

// runShow lists the store's keys with seal state, update time, and
// fingerprint. Values never appear; sealed entries are unsealed into
// guarded memory just long enough to hash.
func runShow(args []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to outpost.yaml (default: $OUTPOST_CONFIG)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("credential store is empty")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "KEY\tSEALED\tUPDATED\tFINGERPRINT")
	for _, entry := range entries {
		fp, err := fingerprint(ctx, store, entry)
		if err != nil {
			return fmt.Errorf("fingerprinting %s: %w", entry.Key, err)
		}
		fmt.Fprintf(writer, "%s\t%v\t%s\t%s\n",
			entry.Key, entry.Sealed, entry.UpdatedAt.Format(time.RFC3339), fp)
	}
	return writer.Flush()
}

func fingerprint(ctx context.Context, store *credential.Store, entry credential.Entry) (string, error) {
	if entry.Sealed {
		buffer, err := store.GetSecret(ctx, entry.Key)
		if err != nil {
			return "", err
		}
		defer buffer.Close()
		return credential.Fingerprint(buffer.Bytes()), nil
	}
	value, err := store.Get(ctx, entry.Key)
	if err != nil {
		return "", err
	}
	return credential.Fingerprint([]byte(value)), nil
}

// runDelete removes one key. Deleting a missing key is not an error.
func runDelete(args []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to outpost.yaml (default: $OUTPOST_CONFIG)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: outpost-credentials delete <key>")
	}
	key := flagSet.Arg(0)

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.Delete(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "deleted %s\n", key)
	return nil
}

// openStore opens the runner's credential store using the same
// configuration, identity, and database the daemon uses.
func openStore(ctx context.Context, configPath string) (*credential.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	identity, err := sealed.LoadOrCreateIdentity(filepath.Join(cfg.Paths.State, "identity.age"))
	if err != nil {
		return nil, nil, fmt.Errorf("loading identity: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(cfg.Paths.State, "outpost.db"),
		Logger: logger,
	})
	if err != nil {
		identity.Close()
		return nil, nil, fmt.Errorf("opening state database: %w", err)
	}

	store, err := credential.OpenStore(ctx, credential.Config{
		Pool:     pool,
		Identity: identity,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		pool.Close()
		identity.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		identity.Close()
	}
	return store, cleanup, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
