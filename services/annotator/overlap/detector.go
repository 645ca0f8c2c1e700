// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package overlap decides whether a candidate range collides with existing
// phrase markers.
//
// Only phrase markers take part. Word markers are exempt: a phrase may
// contain marked words and a word may be marked inside a phrase. The
// exemption is carried by the types, since the detector only accepts
// phrase annotations.
package overlap

import (
	"log/slog"

	"github.com/AleutianAI/marginalia/pkg/logging"
	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"golang.org/x/net/html"
)

// MarkerFinder resolves marker refs to elements.
type MarkerFinder interface {
	Find(ref registry.MarkerRef) (*html.Node, error)
}

// RangesOverlap reports whether a and b share any content: each range's
// end must strictly follow the other's start. Touching ranges do not
// overlap.
func RangesOverlap(a, b dom.Range) bool {
	return dom.Compare(a.End, b.Start) > 0 && dom.Compare(b.End, a.Start) > 0
}

// Straddling reports whether a and b overlap without either enclosing the
// other, i.e. whether one crosses an edge of the other.
func Straddling(a, b dom.Range) bool {
	return RangesOverlap(a, b) && !a.Encloses(b) && !b.Encloses(a)
}

// Detector checks candidates against the live phrase markers.
type Detector struct {
	finder MarkerFinder
	logger *slog.Logger
}

// NewDetector creates a detector.
func NewDetector(finder MarkerFinder, logger *slog.Logger) *Detector {
	return &Detector{finder: finder, logger: logging.OrDiscard(logger)}
}

// Overlaps reports whether candidate overlaps any phrase marker.
func (d *Detector) Overlaps(candidate dom.Range, phrases []*registry.PhraseAnnotation) bool {
	return len(d.Conflicts(candidate, phrases)) > 0
}

// Conflicts returns the keys of the phrases candidate overlaps.
func (d *Detector) Conflicts(candidate dom.Range, phrases []*registry.PhraseAnnotation) []string {
	var keys []string
	d.each(phrases, func(key string, marker dom.Range) bool {
		if RangesOverlap(candidate, marker) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// Straddles reports whether candidate crosses the edge of a phrase marker.
// A candidate fully inside a phrase, or fully around one, does not.
func (d *Detector) Straddles(candidate dom.Range, phrases []*registry.PhraseAnnotation) bool {
	found := false
	d.each(phrases, func(_ string, marker dom.Range) bool {
		found = Straddling(candidate, marker)
		return !found
	})
	return found
}

func (d *Detector) each(phrases []*registry.PhraseAnnotation, fn func(key string, marker dom.Range) bool) {
	for _, p := range phrases {
		for _, ref := range p.Markers {
			n, err := d.finder.Find(ref)
			if err != nil {
				d.logger.Debug("phrase marker missing", "key", p.Key, "marker", string(ref), "error", err)
				continue
			}
			if !fn(p.Key, dom.SelectNode(n)) {
				return
			}
		}
	}
}
