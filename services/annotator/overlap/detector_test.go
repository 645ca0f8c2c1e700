// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package overlap

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/marker"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type interval struct{ start, end int }

func setup(t *testing.T, src string, spans ...interval) (*dom.Document, *Detector, []*registry.PhraseAnnotation) {
	t.Helper()
	doc, err := dom.ParseString(src)
	require.NoError(t, err)
	w := marker.NewWrapper(doc, nil)

	var phrases []*registry.PhraseAnnotation
	for i, s := range spans {
		rng, err := doc.Project().Range(s.start, s.end)
		require.NoError(t, err)
		ref := registry.MarkerRef(fmt.Sprintf("p%d", i))
		key := fmt.Sprintf("phrase:%d:%d", s.start, s.end-s.start)
		_, err = w.Wrap(rng, marker.Identity{Ref: ref, Key: key, Kind: registry.KindPhrase})
		require.NoError(t, err)
		phrases = append(phrases, registry.NewPhrase(key, position.Position{StartOffset: s.start, Length: s.end - s.start}, ref))
	}
	return doc, NewDetector(w, nil), phrases
}

func candidate(t *testing.T, doc *dom.Document, start, end int) dom.Range {
	t.Helper()
	rng, err := doc.Project().Range(start, end)
	require.NoError(t, err)
	return rng
}

// =============================================================================
// Detector Tests
// =============================================================================

func TestOverlaps_Basic(t *testing.T) {
	// "the quick brown fox jumps over the lazy dog"
	//  0   4     10    16  20    26   31  35   40
	doc, d, phrases := setup(t, `<p>the quick <b>brown fox</b> jumps over the lazy dog</p>`, interval{4, 19})

	tests := []struct {
		name       string
		start, end int
		want       bool
	}{
		{"disjoint after", 20, 30, false},
		{"touching end", 19, 25, false},
		{"touching start", 0, 4, false},
		{"crosses start", 0, 9, true},
		{"crosses end", 16, 25, true},
		{"inside", 10, 15, true},
		{"around", 0, 25, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Overlaps(candidate(t, doc, tt.start, tt.end), phrases))
		})
	}
}

func TestStraddles(t *testing.T) {
	doc, d, phrases := setup(t, `<p>the quick brown fox jumps over the lazy dog</p>`, interval{4, 19})

	assert.False(t, d.Straddles(candidate(t, doc, 10, 15), phrases), "word inside phrase")
	assert.True(t, d.Straddles(candidate(t, doc, 0, 9), phrases))
	assert.False(t, d.Straddles(candidate(t, doc, 20, 25), phrases))
	assert.False(t, d.Straddles(candidate(t, doc, 0, 25), phrases), "candidate encloses phrase")
}

func TestConflicts_ReportsKeys(t *testing.T) {
	doc, d, phrases := setup(t, `<p>one two three four five six seven</p>`, interval{0, 7}, interval{14, 23})
	keys := d.Conflicts(candidate(t, doc, 4, 18), phrases)
	assert.Equal(t, []string{"phrase:0:7", "phrase:14:9"}, keys)
}

func TestOverlaps_MissingMarkerIgnored(t *testing.T) {
	doc, d, _ := setup(t, `<p>one two three</p>`)
	ghost := registry.NewPhrase("phrase:0:3", position.Position{Length: 3}, "gone")
	assert.False(t, d.Overlaps(candidate(t, doc, 0, 3), []*registry.PhraseAnnotation{ghost}))
}

func TestRangesOverlap_Symmetric(t *testing.T) {
	doc, err := dom.ParseString(`<p>abcdef</p>`)
	require.NoError(t, err)
	a := candidate(t, doc, 0, 3)
	b := candidate(t, doc, 2, 5)
	c := candidate(t, doc, 3, 6)
	assert.True(t, RangesOverlap(a, b))
	assert.True(t, RangesOverlap(b, a))
	assert.False(t, RangesOverlap(a, c))
	assert.False(t, RangesOverlap(c, a))
}

// Property: with phrase markers on disjoint word spans, the detector
// agrees with plain interval arithmetic on projection offsets.
func TestOverlaps_MatchesIntervalArithmetic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	words := make([]string, 14)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	text := strings.Join(words, " ")
	offset := func(word int) int { return word * 4 }

	for iter := 0; iter < 60; iter++ {
		var spans []interval
		next := 0
		for len(spans) < 3 && next < len(words)-1 {
			first := next + rng.Intn(3)
			last := first + 2 + rng.Intn(2)
			if last >= len(words) {
				break
			}
			spans = append(spans, interval{offset(first), offset(last) + 3})
			next = last + 1
		}
		doc, d, phrases := setup(t, "<p>"+text+"</p>", spans...)

		for c := 0; c < 40; c++ {
			s := rng.Intn(len(text) - 1)
			e := s + 1 + rng.Intn(len(text)-s)
			want := false
			for _, sp := range spans {
				if s < sp.end && sp.start < e {
					want = true
				}
			}
			require.Equal(t, want, d.Overlaps(candidate(t, doc, s, e), phrases),
				"spans %v candidate [%d,%d)", spans, s, e)
		}
	}
}
