// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prefs stores the user preferences the annotator reads at startup:
// whether annotation is enabled and the preferred explanation language.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Preference keys.
const (
	KeyEnabled  = "enabled"
	KeyLanguage = "explanation_language"
)

// DefaultLanguage is used when no language preference is stored.
const DefaultLanguage = "en"

var (
	// ErrUnknownKey is returned by Set for keys outside Keys().
	ErrUnknownKey = errors.New("prefs: unknown key")

	// ErrInvalidValue is returned by Set for values that do not parse.
	ErrInvalidValue = errors.New("prefs: invalid value")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("prefs: store closed")
)

// Store is a string key/value preference store. Implementations are safe
// for concurrent use.
type Store interface {
	// Get returns the stored value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value. Callers should run it through Normalize first.
	Set(ctx context.Context, key, value string) error
}

// Keys lists the known preference keys.
func Keys() []string {
	return []string{KeyEnabled, KeyLanguage}
}

// Normalize validates value for key and returns its canonical form.
//
// # Description
//
// "enabled" accepts anything strconv.ParseBool does and is stored as
// "true" or "false". "explanation_language" must be a BCP 47 tag and is
// stored in its canonical spelling.
func Normalize(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case KeyEnabled:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
		}
		return strconv.FormatBool(b), nil
	case KeyLanguage:
		tag, err := language.Parse(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, value, err)
		}
		return tag.String(), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// Enabled reports whether annotation is enabled. A nil store, a missing
// key, a read error or an unparsable value all mean enabled.
func Enabled(ctx context.Context, s Store) bool {
	if s == nil {
		return true
	}
	v, ok, err := s.Get(ctx, KeyEnabled)
	if err != nil || !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Language returns the preferred explanation language, DefaultLanguage
// when unset.
func Language(ctx context.Context, s Store) string {
	if s == nil {
		return DefaultLanguage
	}
	v, ok, err := s.Get(ctx, KeyLanguage)
	if err != nil || !ok || v == "" {
		return DefaultLanguage
	}
	return v
}
