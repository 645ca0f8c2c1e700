// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Entry explains one word.
type Entry struct {
	Meaning     string   `yaml:"meaning"`
	Examples    []string `yaml:"examples"`
	Suggestions []string `yaml:"suggestions"`
}

// Glossary is the canned content served by the development backend.
//
// Example file:
//
//	words:
//	  serendipity:
//	    meaning: finding something good without looking for it
//	    examples: ["Meeting her was pure serendipity."]
//	phrases:
//	  the quick brown fox:
//	    - the fast brown fox
//	    - a speedy fox
type Glossary struct {
	Words   map[string]Entry    `yaml:"words"`
	Phrases map[string][]string `yaml:"phrases"`
}

// ParseGlossary decodes a YAML glossary. Keys are matched case-insensitively.
func ParseGlossary(data []byte) (*Glossary, error) {
	var raw Glossary
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse glossary: %w", err)
	}
	g := &Glossary{Words: make(map[string]Entry), Phrases: make(map[string][]string)}
	for k, v := range raw.Words {
		g.Words[foldKey(k)] = v
	}
	for k, v := range raw.Phrases {
		g.Phrases[foldKey(k)] = v
	}
	return g, nil
}

func foldKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Explain returns the explanation of word. Unknown words get a generic
// placeholder so every request produces a stream.
func (g *Glossary) Explain(word string) stream.Explanation {
	if e, ok := g.Words[foldKey(word)]; ok {
		return stream.Explanation{Word: word, Meaning: e.Meaning, Examples: e.Examples, Suggestions: e.Suggestions}
	}
	return stream.Explanation{Word: word, Meaning: fmt.Sprintf("No glossary entry for %q.", word)}
}

// Simplify returns the first rewrite of text not already in previous.
// The second result is false when every rewrite has been served.
func (g *Glossary) Simplify(text string, previous []string) (stream.Simplification, bool) {
	rewrites, ok := g.Phrases[foldKey(text)]
	if !ok {
		rewrites = []string{strings.Join(strings.Fields(text), " ")}
	}
	for i, r := range rewrites {
		if slices.Contains(previous, r) {
			continue
		}
		rest := slices.DeleteFunc(slices.Clone(rewrites[i+1:]), func(s string) bool { return slices.Contains(previous, s) })
		return stream.Simplification{SimplifiedText: r, Suggestions: rest}, true
	}
	return stream.Simplification{}, false
}

// =============================================================================
// Hot Reload
// =============================================================================

// GlossaryStore holds the current glossary and reloads it when its file
// changes.
type GlossaryStore struct {
	path     string
	current  atomic.Pointer[Glossary]
	debounce time.Duration
	logger   *slog.Logger
}

// LoadGlossary reads path. An empty path yields an empty glossary that is
// never reloaded.
func LoadGlossary(path string, logger *slog.Logger) (*GlossaryStore, error) {
	s := &GlossaryStore{path: path, debounce: 100 * time.Millisecond, logger: logger}
	if path == "" {
		s.current.Store(&Glossary{Words: map[string]Entry{}, Phrases: map[string][]string{}})
		return s, nil
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active glossary.
func (s *GlossaryStore) Current() *Glossary {
	return s.current.Load()
}

func (s *GlossaryStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read glossary %s: %w", s.path, err)
	}
	g, err := ParseGlossary(data)
	if err != nil {
		return err
	}
	s.current.Store(g)
	s.logger.Info("glossary loaded", "path", s.path, "words", len(g.Words), "phrases", len(g.Phrases))
	return nil
}

// Watch reloads the glossary on every change to its file until ctx ends.
//
// # Description
//
// The parent directory is watched so that editors replacing the file by
// rename are handled. Bursts of events are collapsed into one reload after
// the debounce window. A file that fails to parse leaves the previous
// glossary in place.
func (s *GlossaryStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create glossary watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(s.debounce)
			}
		case <-pending:
			pending = nil
			if err := s.reload(); err != nil {
				s.logger.Warn("glossary reload failed, keeping previous", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("glossary watcher error", "error", err)
		}
	}
}
