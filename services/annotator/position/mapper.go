// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package position maps live ranges to stable logical text positions.
//
// All positions are rune offsets into the flattened projection of the
// document body (see dom.Projection). The mapper never caches a projection:
// every call re-projects so that wrap/unwrap between calls is harmless.
package position

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/marginalia/services/annotator/dom"
)

// DefaultContextTokens is the number of whitespace tokens kept on each
// side of a word in its request context.
const DefaultContextTokens = 15

var (
	// ErrEmptySelection is returned when a range covers only whitespace.
	ErrEmptySelection = errors.New("position: selection is empty")

	// ErrPositionStale is returned when a word or position can no longer be
	// located in the current projection.
	ErrPositionStale = errors.New("position: text no longer at recorded position")
)

// Position is a span of the projection captured at creation time.
type Position struct {
	StartOffset int
	Length      int
	SourceText  string
}

// End returns the exclusive end offset.
func (p Position) End() int { return p.StartOffset + p.Length }

// WordContext is the bounded window of text sent with a word request.
type WordContext struct {
	// Text is the window tokens joined by single spaces.
	Text string

	// StartOffset is the projection offset of the first window token.
	StartOffset int

	// WordIndex is the rune offset of the word inside Text.
	WordIndex int

	// TokenIndex is the index of the token holding the word.
	TokenIndex int

	// Occurrence is the projection offset of the word.
	Occurrence int
}

// Mapper converts between live ranges and projection positions.
type Mapper struct {
	doc           *dom.Document
	contextTokens int
}

// NewMapper creates a mapper over doc. contextTokens <= 0 selects
// DefaultContextTokens.
func NewMapper(doc *dom.Document, contextTokens int) *Mapper {
	if contextTokens <= 0 {
		contextTokens = DefaultContextTokens
	}
	return &Mapper{doc: doc, contextTokens: contextTokens}
}

// ContextTokens returns the per-side window size used by Context.
func (m *Mapper) ContextTokens() int {
	return m.contextTokens
}

// Projection returns a fresh projection of the document.
func (m *Mapper) Projection() *dom.Projection {
	return m.doc.Project()
}

// Map converts rng into a position with surrounding whitespace trimmed.
func (m *Mapper) Map(rng dom.Range) (Position, error) {
	if err := rng.Validate(); err != nil {
		return Position{}, fmt.Errorf("map range: %w", err)
	}
	proj := m.doc.Project()
	start := proj.OffsetOf(rng.Start)
	end := proj.OffsetOf(rng.End)

	text := proj.Runes()
	for start < end && unicode.IsSpace(text[start]) {
		start++
	}
	for end > start && unicode.IsSpace(text[end-1]) {
		end--
	}
	if end <= start {
		return Position{}, ErrEmptySelection
	}
	return Position{
		StartOffset: start,
		Length:      end - start,
		SourceText:  string(text[start:end]),
	}, nil
}

// Range rebuilds a live range for pos. It fails with ErrPositionStale when
// the projection no longer holds SourceText at StartOffset.
func (m *Mapper) Range(pos Position) (dom.Range, error) {
	proj := m.doc.Project()
	if proj.Slice(pos.StartOffset, pos.End()) != pos.SourceText {
		return dom.Range{}, fmt.Errorf("%w: %d+%d", ErrPositionStale, pos.StartOffset, pos.Length)
	}
	rng, err := proj.Range(pos.StartOffset, pos.End())
	if err != nil {
		return dom.Range{}, fmt.Errorf("%w: %v", ErrPositionStale, err)
	}
	return rng, nil
}

// Locate checks that pos is still valid against the current projection.
func (m *Mapper) Locate(pos Position) error {
	_, err := m.Range(pos)
	return err
}

// FindOccurrences returns every whole-word, case-insensitive occurrence of
// word in the projection, in ascending order.
func (m *Mapper) FindOccurrences(word string) []int {
	return FindOccurrences(m.doc.Project().Runes(), word)
}

// Context extracts the request window around the first occurrence of word.
func (m *Mapper) Context(word string) (WordContext, error) {
	text := m.doc.Project().Runes()
	occ := FindOccurrences(text, word)
	if len(occ) == 0 {
		return WordContext{}, fmt.Errorf("%w: %q", ErrPositionStale, word)
	}
	return BuildContext(text, occ[0], m.contextTokens)
}

// =============================================================================
// Pure Helpers
// =============================================================================

// IsWordRune reports whether r counts as part of a word.
func IsWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// FindOccurrences scans text for whole-word, case-insensitive matches of
// word. A match needs a non-word rune or the text edge on both sides.
func FindOccurrences(text []rune, word string) []int {
	needle := []rune(strings.TrimSpace(word))
	if len(needle) == 0 || len(needle) > len(text) {
		return nil
	}
	for i, r := range needle {
		needle[i] = unicode.ToLower(r)
	}

	var out []int
	for i := 0; i+len(needle) <= len(text); i++ {
		if i > 0 && IsWordRune(text[i-1]) {
			continue
		}
		end := i + len(needle)
		if end < len(text) && IsWordRune(text[end]) {
			continue
		}
		match := true
		for j, r := range needle {
			if unicode.ToLower(text[i+j]) != r {
				match = false
				break
			}
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

// token is a whitespace-delimited run inside the projection.
type token struct {
	start, end int
}

func tokenize(text []rune) []token {
	var toks []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				toks = append(toks, token{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, token{start, len(text)})
	}
	return toks
}

// BuildContext returns up to window tokens on each side of the token that
// holds offset.
func BuildContext(text []rune, offset, window int) (WordContext, error) {
	toks := tokenize(text)
	target := -1
	for i, tk := range toks {
		if offset >= tk.start && offset < tk.end {
			target = i
			break
		}
	}
	if target < 0 {
		return WordContext{}, fmt.Errorf("%w: offset %d is not inside a token", ErrPositionStale, offset)
	}

	first := max(target-window, 0)
	last := min(target+window, len(toks)-1)

	var b strings.Builder
	wordIndex := 0
	runes := 0
	for i := first; i <= last; i++ {
		if i > first {
			b.WriteByte(' ')
			runes++
		}
		if i == target {
			wordIndex = runes + (offset - toks[i].start)
		}
		part := text[toks[i].start:toks[i].end]
		b.WriteString(string(part))
		runes += len(part)
	}

	return WordContext{
		Text:        b.String(),
		StartOffset: toks[first].start,
		WordIndex:   wordIndex,
		TokenIndex:  target - first,
		Occurrence:  offset,
	}, nil
}

// CountTokens returns the number of whitespace-separated tokens in s.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}
