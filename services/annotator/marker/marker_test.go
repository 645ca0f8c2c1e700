// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package marker

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fixture struct {
	t   *testing.T
	doc *dom.Document
	w   *Wrapper
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	doc, err := dom.ParseString(body)
	require.NoError(t, err)
	return &fixture{t: t, doc: doc, w: NewWrapper(doc, nil)}
}

func (f *fixture) body() string {
	f.t.Helper()
	s, err := f.doc.RenderBody()
	require.NoError(f.t, err)
	return s
}

func (f *fixture) rangeAt(start, end int) dom.Range {
	f.t.Helper()
	rng, err := f.doc.Project().Range(start, end)
	require.NoError(f.t, err)
	return rng
}

func (f *fixture) wrap(start, end int, ref string, kind registry.Kind) {
	f.t.Helper()
	_, err := f.w.Wrap(f.rangeAt(start, end), Identity{Ref: registry.MarkerRef(ref), Key: "k-" + ref, Kind: kind})
	require.NoError(f.t, err)
}

// =============================================================================
// Wrap Tests
// =============================================================================

func TestWrap_InPlace(t *testing.T) {
	f := newFixture(t, `<p>The cat sat.</p>`)
	original := f.body()

	m, err := f.w.Wrap(f.rangeAt(4, 7), Identity{Ref: "r1", Key: "cat", Kind: registry.KindWord})
	require.NoError(t, err)
	assert.True(t, IsMarker(m))
	assert.Equal(t,
		`<p>The <span class="mg-marker mg-word mg-pending" data-mg-id="r1" data-mg-key="cat" data-mg-kind="word">cat</span> sat.</p>`,
		f.body())
	assert.Equal(t, "The cat sat.\n", f.doc.Project().String())

	require.NoError(t, f.w.Unwrap("r1"))
	assert.Equal(t, original, f.body())
	assert.Equal(t, 1, dom.ChildCount(m.Parent), "text must be merged back")
}

func TestWrap_AcrossFormatting(t *testing.T) {
	f := newFixture(t, `<p>Hello <b>brave new</b> world</p>`)
	original := f.body()

	f.wrap(12, 18, "r1", registry.KindPhrase)
	assert.Equal(t,
		`<p>Hello <b>brave </b><span class="mg-marker mg-phrase mg-pending" data-mg-id="r1" data-mg-key="k-r1" data-mg-kind="phrase" style="font-weight: bold">`+
			`<b data-mg-split="r1">new</b> wo</span>rld</p>`,
		f.body())
	assert.Equal(t, "Hello brave new world\n", f.doc.Project().String())

	require.NoError(t, f.w.Unwrap("r1"))
	assert.Equal(t, original, f.body())
}

func TestWrap_NestedPartialSelection(t *testing.T) {
	f := newFixture(t, `<p><i>a<b>bc</b>d</i>e<u>fg</u>h</p>`)
	original := f.body()
	before := f.doc.Project().String()

	// "c d e f"
	f.wrap(2, 6, "r1", registry.KindPhrase)
	assert.Equal(t, before, f.doc.Project().String())
	assert.Contains(t, f.body(), `<i data-mg-split="r1"><b data-mg-split="r1">c</b>d</i>e<u>f</u></span><u data-mg-split="r1">g</u>`)

	require.NoError(t, f.w.Unwrap("r1"))
	assert.Equal(t, original, f.body())
}

func TestWrap_CapturesPresentation(t *testing.T) {
	f := newFixture(t, `<div dir="rtl" style="font-family: Georgia"><p>שלום <em>עולם</em></p></div>`)
	m, err := f.w.Wrap(f.rangeAt(5, 9), Identity{Ref: "r1", Key: "עולם", Kind: registry.KindWord})
	require.NoError(t, err)

	style, ok := dom.Attr(m, "style")
	require.True(t, ok)
	assert.Equal(t, "font-family: Georgia; font-style: italic; direction: rtl", style)
}

func TestWrap_Errors(t *testing.T) {
	f := newFixture(t, `<p>abc</p>`)
	text := f.rangeAt(0, 3).Start.Node

	_, err := f.w.Wrap(dom.NewRange(text, 1, text, 1), Identity{Ref: "r"})
	assert.ErrorIs(t, err, ErrEmptyRange)
	_, err = f.w.Wrap(dom.NewRange(text, 2, text, 1), Identity{Ref: "r"})
	assert.ErrorIs(t, err, dom.ErrReversed)
	assert.Empty(t, f.w.Markers())
}

func TestWrap_RefusesToSplitMarker(t *testing.T) {
	f := newFixture(t, `<p>What a serendipity today</p>`)
	f.wrap(7, 18, "w", registry.KindWord)
	require.NoError(t, f.w.Restyle("w", registry.StateLoading, true))
	before := f.body()

	// "What a seren" ends inside the word marker.
	_, err := f.w.Wrap(f.rangeAt(0, 12), Identity{Ref: "p", Key: "p", Kind: registry.KindPhrase})
	assert.ErrorIs(t, err, ErrSplitMarker)
	assert.Equal(t, before, f.body(), "a refused wrap leaves the tree alone")
	assert.Len(t, f.w.Markers(), 1)

	// Around the whole marker is fine.
	m, err := f.w.Find("w")
	require.NoError(t, err)
	_, err = f.w.Wrap(dom.NewRange(m.Parent, 0, m.Parent, dom.ChildIndex(m)+1), Identity{Ref: "p", Key: "p", Kind: registry.KindPhrase})
	require.NoError(t, err)
	require.NoError(t, f.w.Unwrap("w"))
	require.NoError(t, f.w.Unwrap("p"))
	assert.Equal(t, `<p>What a serendipity today</p>`, f.body())
}

func TestGuard_RecoversPanics(t *testing.T) {
	err := guard(func() error { panic("html: InsertBefore called for an attached child Node") })
	assert.ErrorIs(t, err, ErrMutation)
	assert.NoError(t, guard(func() error { return nil }))
	sentinel := errors.New("x")
	assert.ErrorIs(t, guard(func() error { return sentinel }), sentinel)
}

// =============================================================================
// Restyle and Lookup Tests
// =============================================================================

func TestRestyle_Controls(t *testing.T) {
	f := newFixture(t, `<p>The cat sat.</p>`)
	original := f.body()
	f.wrap(4, 7, "r1", registry.KindWord)

	require.NoError(t, f.w.Restyle("r1", registry.StateLoading, true))
	assert.Contains(t, f.body(),
		`class="mg-marker mg-word mg-loading"`)
	assert.Contains(t, f.body(),
		`cat<button type="button" data-mg-ignore="" data-mg-control="cancel" data-mg-for="r1" aria-label="Cancel">×</button></span>`)
	assert.Equal(t, "The cat sat.\n", f.doc.Project().String(), "controls are not text")

	require.NoError(t, f.w.Restyle("r1", registry.StateResolved, true))
	assert.Equal(t, 1, strings.Count(f.body(), "<button"))
	assert.Contains(t, f.body(), `data-mg-control="remove"`)

	require.NoError(t, f.w.Restyle("r1", registry.StateResolved, false))
	assert.NotContains(t, f.body(), "<button")

	require.NoError(t, f.w.Restyle("r1", registry.StateLoading, true))
	require.NoError(t, f.w.Unwrap("r1"))
	assert.Equal(t, original, f.body())
}

func TestLookup(t *testing.T) {
	f := newFixture(t, `<p>one two three</p>`)
	f.wrap(0, 3, "a", registry.KindWord)
	f.wrap(8, 13, "b", registry.KindWord)

	markers := f.w.Markers()
	require.Len(t, markers, 2)
	id, ok := IdentityOf(markers[1])
	require.True(t, ok)
	assert.Equal(t, Identity{Ref: "b", Key: "k-b", Kind: registry.KindWord}, id)
	assert.Same(t, markers[0], Enclosing(markers[0].FirstChild))

	require.NoError(t, f.w.Restyle("a", registry.StateLoading, true))
	ref, action, ok := ControlTarget(markers[0].LastChild)
	assert.True(t, ok)
	assert.Equal(t, registry.MarkerRef("a"), ref)
	assert.Equal(t, ControlCancel, action)

	_, err := f.w.Find("missing")
	assert.ErrorIs(t, err, ErrMarkerNotFound)
	assert.ErrorIs(t, f.w.Unwrap("missing"), ErrMarkerNotFound)
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, "'abc'", xpathLiteral("abc"))
	assert.Equal(t, `"it's"`, xpathLiteral("it's"))
	assert.Equal(t, `concat('a', "'", 'b"c')`, xpathLiteral(`a'b"c`))
}

// =============================================================================
// Round-Trip Tests
// =============================================================================

func TestUnwrap_TwoMarkersAnyOrder(t *testing.T) {
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		t.Run(strings.Join(order, "-"), func(t *testing.T) {
			f := newFixture(t, `<p>Alpha <b>beta gamma</b> delta <i>epsilon zeta</i></p>`)
			original := f.body()

			// "gamma delta" and "psilon"
			f.wrap(11, 22, "a", registry.KindPhrase)
			f.wrap(24, 30, "b", registry.KindWord)

			for _, ref := range order {
				require.NoError(t, f.w.Unwrap(registry.MarkerRef(ref)))
			}
			assert.Equal(t, original, f.body())
		})
	}
}

var inlineTags = []string{"b", "i", "em", "span", "u"}

func randomInline(rng *rand.Rand, depth int) string {
	var b strings.Builder
	parts := 1 + rng.Intn(4)
	for i := 0; i < parts; i++ {
		if depth > 0 && rng.Intn(3) == 0 {
			tag := inlineTags[rng.Intn(len(inlineTags))]
			fmt.Fprintf(&b, "<%s>%s</%s>", tag, randomInline(rng, depth-1), tag)
			continue
		}
		words := 1 + rng.Intn(3)
		for j := 0; j < words; j++ {
			if j > 0 || rng.Intn(2) == 0 {
				b.WriteByte(' ')
			}
			b.WriteString([]string{"ab", "c", "déf", "gh"}[rng.Intn(4)])
		}
	}
	return b.String()
}

// Property: wrapping any range of inline content leaves the projection
// unchanged, and unwrapping restores byte-identical HTML.
func TestWrapUnwrap_RoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 300; iter++ {
		src := "<p>" + randomInline(rng, 3) + "</p>"
		f := newFixture(t, src)
		original := f.body()
		proj := f.doc.Project()
		text := strings.TrimSuffix(proj.String(), "\n")
		n := len([]rune(text))
		if n < 2 {
			continue
		}
		start := rng.Intn(n - 1)
		end := start + 1 + rng.Intn(n-start)

		r, err := proj.Range(start, end)
		require.NoError(t, err, "src %s [%d,%d)", src, start, end)
		_, err = f.w.Wrap(r, Identity{Ref: "p", Key: "k", Kind: registry.KindPhrase})
		require.NoError(t, err, "src %s [%d,%d)", src, start, end)
		require.Equal(t, proj.String(), f.doc.Project().String(), "src %s [%d,%d)", src, start, end)

		require.NoError(t, f.w.Unwrap("p"))
		require.Equal(t, original, f.body(), "src %s [%d,%d)", src, start, end)
	}
}
