// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtimecfg materializes cloud-pushed configuration for the
// agent worker. The control plane sends configuration fragments in
// handshake and config_sync messages; the applier overlays them on an
// optional local preset file and writes the merged result where the
// worker reads it.
//
// Presets are authored as JSONC (JSON with comments and trailing
// commas). The written file is plain JSON with sorted keys, so
// applying the same configuration twice produces byte-identical output
// and the second apply is a no-op.
package runtimecfg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/jsonc"
)

// Applier merges cloud configuration over local presets and writes the
// worker's runtime config file.
type Applier struct {
	presetPath string
	outputPath string
	logger     *slog.Logger
}

// ApplierConfig holds the parameters for creating an Applier.
type ApplierConfig struct {
	// PresetPath is an optional JSONC file of local defaults. Cloud
	// values win on key conflicts. A missing file is treated as an
	// empty preset; a malformed one is an error on every Apply.
	PresetPath string

	// OutputPath is where the merged JSON is written. Required. The
	// parent directory must exist.
	OutputPath string

	// Logger receives apply/skip messages. Required.
	Logger *slog.Logger
}

// NewApplier validates the configuration and returns an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("runtimecfg: OutputPath is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("runtimecfg: Logger is required")
	}
	return &Applier{
		presetPath: cfg.PresetPath,
		outputPath: cfg.OutputPath,
		logger:     cfg.Logger,
	}, nil
}

// Apply merges config over the preset and writes the result. Returns
// true when the output file changed. Applying the same configuration
// again is a no-op: the merged document is canonical JSON, so an
// unchanged configuration produces unchanged bytes.
func (a *Applier) Apply(config map[string]json.RawMessage) (bool, error) {
	merged, err := a.loadPreset()
	if err != nil {
		return false, err
	}

	for key, raw := range config {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return false, fmt.Errorf("runtimecfg: config key %q: %w", key, err)
		}
		merged[key] = value
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return false, fmt.Errorf("runtimecfg: encoding merged config: %w", err)
	}
	data = append(data, '\n')

	existing, err := os.ReadFile(a.outputPath)
	if err == nil && bytes.Equal(existing, data) {
		a.logger.Debug("runtime config unchanged", "path", a.outputPath)
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("runtimecfg: reading existing config: %w", err)
	}

	if err := writeAtomic(a.outputPath, data); err != nil {
		return false, err
	}

	a.logger.Info("runtime config applied",
		"path", a.outputPath,
		"keys", sortedKeys(config),
	)
	return true, nil
}

// loadPreset reads and parses the preset file. A missing file yields
// an empty document.
func (a *Applier) loadPreset() (map[string]any, error) {
	merged := make(map[string]any)
	if a.presetPath == "" {
		return merged, nil
	}

	data, err := os.ReadFile(a.presetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return merged, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runtimecfg: reading preset %s: %w", a.presetPath, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), &merged); err != nil {
		return nil, fmt.Errorf("runtimecfg: parsing preset %s: %w", a.presetPath, err)
	}
	return merged, nil
}

// writeAtomic writes data via a temporary file and rename so the
// worker never reads a partial config.
func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("runtimecfg: creating temporary config: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("runtimecfg: writing temporary config: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("runtimecfg: syncing temporary config: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("runtimecfg: closing temporary config: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("runtimecfg: renaming config into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

func sortedKeys(config map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
