// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the marginalia CLI configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.marginalia/marginalia.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".marginalia", "marginalia.yaml"), nil
}

// Load reads the config at path, creating it with defaults first when it
// does not exist. Fields missing from the file keep their default values.
//
// # Inputs
//
//   - path: Config file; empty selects DefaultPath.
//   - notice: Receives a one-line message when a file is created. May be nil.
func Load(path string, notice io.Writer) (MarginaliaConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return MarginaliaConfig{}, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if notice != nil {
			fmt.Fprintf(notice, "First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return MarginaliaConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return MarginaliaConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MarginaliaConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return MarginaliaConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.Prefs.Path = ExpandHome(cfg.Prefs.Path)
	cfg.Logging.Dir = ExpandHome(cfg.Logging.Dir)
	cfg.DevServer.Glossary = ExpandHome(cfg.DevServer.Glossary)
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
