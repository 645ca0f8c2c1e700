// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/input"
	"github.com/AleutianAI/marginalia/services/annotator/marker"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ScopeAttr marks a region whose words are keyed separately from the rest
// of the document, e.g. a quoted foreign-language passage.
const ScopeAttr = "data-mg-scope"

var lower = cases.Lower(language.Und)

// normalizeWord returns the key form of a word: trimmed, NFC, lower-case.
func normalizeWord(s string) string {
	return lower.String(norm.NFC.String(strings.TrimSpace(s)))
}

// collapseSpace joins the whitespace-separated fields of s with one space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// WordKey returns the registry key for word inside scope. An empty scope
// is the whole document.
func WordKey(scope, word string) string {
	w := normalizeWord(word)
	if scope == "" {
		return w
	}
	return scope + "::" + w
}

// scopeOf returns the nearest scope element containing n and its name.
func scopeOf(n *html.Node) (*html.Node, string) {
	var (
		el   *html.Node
		name string
	)
	dom.Ancestors(n, func(a *html.Node) bool {
		if v, ok := dom.Attr(a, ScopeAttr); ok && a.Type == html.ElementNode {
			el, name = a, v
			return false
		}
		return true
	})
	return el, name
}

// selectWord marks every occurrence of the selected word and requests its
// explanation.
//
// # Description
//
// Occurrences are found on one projection and wrapped last-to-first, so
// splitting text for a later occurrence never moves an earlier one. The
// request context is taken around the first marked occurrence.
// Occurrences inside excluded regions, in another scope, already inside a
// word marker, or crossing the edge of a phrase marker are skipped.
func (s *Session) selectWord(d input.Decision, rng dom.Range) (string, error) {
	if _, err := s.mapper.Map(rng); err != nil {
		return "", s.rejected(input.Reject(input.ReasonEmpty, "nothing is selected"))
	}
	scopeEl, scope := scopeOf(rng.CommonAncestor())
	word := normalizeWord(d.Text)
	key := WordKey(scope, d.Text)
	if s.reg.Has(key) {
		return "", s.rejected(input.Reject(input.ReasonDuplicate, fmt.Sprintf("%q is already annotated", d.Text)))
	}

	proj := s.mapper.Projection()
	text := proj.Runes()
	size := len([]rune(d.Text))
	exclusions := s.classifier.Exclusions(s.doc)
	phrases := s.reg.Phrases()

	found := position.FindOccurrences(text, d.Text)
	if len(found) == 0 {
		// The selection is not a whole word of the current text.
		err := fmt.Errorf("select %q: %w", d.Text, position.ErrPositionStale)
		s.logger.Warn("word not found in projection", "word", d.Text, "error", err)
		return "", err
	}

	var (
		occurrences []int
		ranges      []dom.Range
	)
	for _, off := range found {
		occ, err := proj.Range(off, off+size)
		if err != nil {
			continue
		}
		ca := occ.CommonAncestor()
		if el, _ := scopeOf(ca); el != scopeEl {
			continue
		}
		if exclusions.Contains(ca) || s.detector.Straddles(occ, phrases) {
			continue
		}
		if m := marker.Enclosing(ca); m != nil {
			if id, _ := marker.IdentityOf(m); id.Kind == registry.KindWord {
				continue
			}
		}
		occurrences = append(occurrences, off)
		ranges = append(ranges, occ)
	}
	if len(ranges) == 0 {
		return "", s.rejected(input.Reject(input.ReasonOverlap, "selection crosses an existing phrase"))
	}

	refs := make([]registry.MarkerRef, 0, len(ranges))
	kept := make([]int, 0, len(ranges))
	for i := len(ranges) - 1; i >= 0; i-- {
		ref := registry.NewMarkerRef()
		if _, err := s.wrapper.Wrap(ranges[i], marker.Identity{Ref: ref, Key: key, Kind: registry.KindWord}); err != nil {
			s.logger.Warn("word occurrence not wrapped", "key", key, "offset", occurrences[i], "error", err)
			continue
		}
		refs = append(refs, ref)
		kept = append(kept, occurrences[i])
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("select %q: %w", d.Text, marker.ErrMutation)
	}
	slices.Reverse(refs)
	slices.Reverse(kept)

	// The window is taken around the first marked occurrence, whichever one
	// was selected.
	wctx, err := position.BuildContext(text, kept[0], s.mapper.ContextTokens())
	if err != nil {
		s.logger.Warn("word context unavailable", "key", key, "error", err)
		s.unwrapAll(refs)
		return "", err
	}

	a := registry.NewWord(key, word, refs, kept)
	a.Text = d.Text
	a.Context = wctx
	if err := s.reg.Create(a); err != nil {
		s.unwrapAll(refs)
		if errors.Is(err, registry.ErrDuplicate) {
			return "", s.rejected(input.Reject(input.ReasonDuplicate, fmt.Sprintf("%q is already annotated", d.Text)))
		}
		return "", err
	}
	s.logger.Info("word selected", "key", key, "occurrences", len(refs))
	s.cb.selected(d.Text, key)

	if err := s.dispatch(a, registry.EventDispatch); err != nil {
		return key, err
	}
	return key, nil
}

// wordRequest builds the request for a word annotation from its context.
func (s *Session) wordRequest(a *registry.WordAnnotation) client.WordRequest {
	ctx := a.Context
	size := len([]rune(a.Text))
	return client.WordRequest{
		TextStartIndex: ctx.StartOffset,
		Text:           ctx.Text,
		WordLocations: []client.WordLocation{{
			Word:   dom.SliceRunes(ctx.Text, ctx.WordIndex, ctx.WordIndex+size),
			Index:  ctx.WordIndex,
			Length: size,
		}},
		Language: s.language,
	}
}

func (s *Session) unwrapAll(refs []registry.MarkerRef) {
	for _, ref := range refs {
		if err := s.wrapper.Unwrap(ref); err != nil {
			s.logger.Warn("rollback unwrap failed", "marker", string(ref), "error", err)
		}
	}
}
