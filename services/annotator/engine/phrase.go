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

	"github.com/AleutianAI/marginalia/services/annotator/client"
	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/input"
	"github.com/AleutianAI/marginalia/services/annotator/marker"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"golang.org/x/net/html"
)

// PhraseKey returns the registry key of a phrase at pos.
func PhraseKey(pos position.Position) string {
	return fmt.Sprintf("phrase:%d:%d", pos.StartOffset, pos.Length)
}

// selectPhrase wraps a validated drag selection and requests a rewrite.
// Overlapping an existing phrase is refused outright; the candidate is
// never truncated or merged. An end that falls inside a word marker is
// widened to cover that marker.
func (s *Session) selectPhrase(d input.Decision, rng dom.Range) (string, error) {
	if conflicts := s.detector.Conflicts(rng, s.reg.Phrases()); len(conflicts) > 0 {
		s.logger.Debug("phrase overlaps", "conflicts", conflicts)
		return "", s.rejected(input.Reject(input.ReasonOverlap, "selection overlaps an existing annotation"))
	}

	pos, err := s.mapper.Map(rng)
	if errors.Is(err, position.ErrEmptySelection) {
		return "", s.rejected(input.Reject(input.ReasonEmpty, "nothing is selected"))
	}
	if err != nil {
		return "", err
	}

	// Wrap the whitespace-trimmed span rather than the raw selection.
	trimmed, err := s.mapper.Range(pos)
	if err != nil {
		s.logger.Warn("phrase position stale before wrap", "start", pos.StartOffset, "error", err)
		return "", err
	}
	trimmed, snapped, err := snapToWords(trimmed)
	if err != nil {
		return "", s.rejected(input.Reject(input.ReasonOverlap, "selection lies inside an annotated word"))
	}
	if snapped {
		if pos, err = s.mapper.Map(trimmed); err != nil {
			return "", err
		}
		s.logger.Debug("phrase widened to whole words", "start", pos.StartOffset, "length", pos.Length)
	}

	key := PhraseKey(pos)
	if s.reg.Has(key) {
		return "", s.rejected(input.Reject(input.ReasonDuplicate, "this phrase is already annotated"))
	}
	ref := registry.NewMarkerRef()
	if _, err := s.wrapper.Wrap(trimmed, marker.Identity{Ref: ref, Key: key, Kind: registry.KindPhrase}); err != nil {
		return "", fmt.Errorf("select phrase: %w", err)
	}

	a := registry.NewPhrase(key, pos, ref)
	if err := s.reg.Create(a); err != nil {
		s.unwrapAll(a.Markers)
		return "", err
	}
	s.logger.Info("phrase selected", "key", key, "words", d.Words)
	s.cb.selected(pos.SourceText, key)

	if err := s.dispatch(a, registry.EventDispatch); err != nil {
		return key, err
	}
	return key, nil
}

func (s *Session) phraseRequest(a *registry.PhraseAnnotation) client.PhraseRequest {
	return client.PhraseRequest{
		TextStartIndex:  a.Position.StartOffset,
		TextLength:      a.Position.Length,
		Text:            a.Position.SourceText,
		PreviousResults: slices.Clone(a.History),
		Language:        s.language,
	}
}

// errInsideWord is returned by snapToWords when both ends of a range sit in
// the same word marker.
var errInsideWord = errors.New("range inside a word marker")

// snapToWords moves an end of rng that falls inside a word marker out to
// the marker's edge, so the marker is wrapped whole and never split.
func snapToWords(rng dom.Range) (dom.Range, bool, error) {
	startMarker := enclosingWord(rng.Start.Node)
	endMarker := enclosingWord(rng.End.Node)
	if startMarker != nil && startMarker == endMarker {
		return rng, false, errInsideWord
	}
	snapped := false
	if startMarker != nil {
		rng.Start = dom.Before(startMarker)
		snapped = true
	}
	if endMarker != nil {
		rng.End = dom.After(endMarker)
		snapped = true
	}
	return rng, snapped, nil
}

// enclosingWord returns the nearest word marker that is n or contains n.
func enclosingWord(n *html.Node) *html.Node {
	for m := marker.Enclosing(n); m != nil; m = marker.Enclosing(m.Parent) {
		if id, _ := marker.IdentityOf(m); id.Kind == registry.KindWord {
			return m
		}
	}
	return nil
}
