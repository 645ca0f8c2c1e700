// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/input"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/prefs"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// MarginaliaConfig is the on-disk CLI configuration.
type MarginaliaConfig struct {
	Version   string          `yaml:"version"`
	Backend   BackendConfig   `yaml:"backend"`
	Selection SelectionConfig `yaml:"selection"`
	Prefs     PrefsConfig     `yaml:"prefs"`
	Logging   LoggingConfig   `yaml:"logging"`
	DevServer DevServerConfig `yaml:"devserver"`
}

// BackendConfig locates the explanation backend.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	ExplainPath    string        `yaml:"explain_path,omitempty"`
	SimplifyPath   string        `yaml:"simplify_path,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SelectionConfig tunes which selections are accepted.
type SelectionConfig struct {
	MinPhraseWords  int      `yaml:"min_phrase_words"`
	ContextTokens   int      `yaml:"context_tokens"`
	ExcludedRegions []string `yaml:"excluded_regions"`
	Language        string   `yaml:"language,omitempty"`
}

// PrefsConfig locates the preference database. An empty Path keeps
// preferences in memory for the life of the process.
type PrefsConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig maps onto logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DevServerConfig maps onto devserver.Config.
type DevServerConfig struct {
	Addr          string        `yaml:"addr"`
	Glossary      string        `yaml:"glossary,omitempty"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	ChunkDelay    time.Duration `yaml:"chunk_delay"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() MarginaliaConfig {
	return MarginaliaConfig{
		Version: CurrentConfigVersion,
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8089",
			ExplainPath:    client.DefaultExplainPath,
			SimplifyPath:   client.DefaultSimplifyPath,
			ConnectTimeout: 10 * time.Second,
		},
		Selection: SelectionConfig{
			MinPhraseWords:  input.DefaultMinPhraseWords,
			ContextTokens:   position.DefaultContextTokens,
			ExcludedRegions: append([]string(nil), input.DefaultExcludedRegions...),
			Language:        prefs.DefaultLanguage,
		},
		Prefs: PrefsConfig{Path: "~/.marginalia/prefs"},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.marginalia/logs",
		},
		DevServer: DevServerConfig{
			Addr:          ":8089",
			RatePerSecond: 5,
			Burst:         10,
			ChunkDelay:    40 * time.Millisecond,
		},
	}
}

// Validate reports the first unusable setting.
func (c MarginaliaConfig) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Selection.MinPhraseWords < 0 {
		return fmt.Errorf("selection.min_phrase_words must not be negative")
	}
	if c.Selection.ContextTokens < 0 {
		return fmt.Errorf("selection.context_tokens must not be negative")
	}
	if c.DevServer.RatePerSecond < 0 {
		return fmt.Errorf("devserver.rate_per_second must not be negative")
	}
	if c.Selection.Language != "" {
		if _, err := prefs.Normalize(prefs.KeyLanguage, c.Selection.Language); err != nil {
			return fmt.Errorf("selection.language: %w", err)
		}
	}
	return nil
}
