// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prefs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func (failingStore) Set(context.Context, string, string) error { return errors.New("disk on fire") }

func TestEnabled_Defaults(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Enabled(ctx, nil))
	assert.True(t, Enabled(ctx, NewMemoryStore(nil)))
	assert.True(t, Enabled(ctx, failingStore{}))
	assert.True(t, Enabled(ctx, NewMemoryStore(map[string]string{KeyEnabled: "maybe"})))
	assert.False(t, Enabled(ctx, NewMemoryStore(map[string]string{KeyEnabled: "false"})))
}

func TestLanguage_Defaults(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DefaultLanguage, Language(ctx, nil))
	assert.Equal(t, DefaultLanguage, Language(ctx, failingStore{}))
	assert.Equal(t, "de", Language(ctx, NewMemoryStore(map[string]string{KeyLanguage: "de"})))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		key, value, want string
		err              error
	}{
		{KeyEnabled, " 0 ", "false", nil},
		{KeyEnabled, "TRUE", "true", nil},
		{KeyEnabled, "nah", "", ErrInvalidValue},
		{KeyLanguage, "pt-br", "pt-BR", nil},
		{KeyLanguage, "not a language", "", ErrInvalidValue},
		{"theme", "dark", "", ErrUnknownKey},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := Normalize(tt.key, tt.value)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBadgerStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(ctx, KeyEnabled)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeyEnabled, "false"))
	assert.False(t, Enabled(ctx, s))
}

func TestBadgerStore_Persists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyLanguage, "fr"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(ctx, KeyLanguage)
	assert.ErrorIs(t, err, ErrClosed)

	s2, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "fr", Language(ctx, s2))
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}
