// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package marker

import (
	"fmt"

	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"golang.org/x/net/html"
)

// Unwrap removes the marker for ref and restores its content in place.
// It implements registry.Unwrapper.
func (w *Wrapper) Unwrap(ref registry.MarkerRef) error {
	m, err := w.Find(ref)
	if err != nil {
		return err
	}
	return w.UnwrapNode(m)
}

// UnwrapNode removes marker m.
//
// Control buttons are dropped, the remaining children are hoisted into the
// parent in order, copies split off during Wrap are joined back to the
// element they came from, and adjacent text nodes are merged.
func (w *Wrapper) UnwrapNode(m *html.Node) error {
	if !IsMarker(m) {
		return fmt.Errorf("%w: not a marker element", ErrMarkerNotFound)
	}
	parent := m.Parent
	if parent == nil {
		return dom.ErrDetached
	}
	ref, _ := dom.Attr(m, AttrID)

	return guard(func() error {
		removeControls(m)
		for c := m.FirstChild; c != nil; c = m.FirstChild {
			m.RemoveChild(c)
			parent.InsertBefore(c, m)
		}
		parent.RemoveChild(m)

		w.joinSplits(ref)
		dom.Normalize(parent)
		return nil
	})
}

// joinSplits merges every copy tagged with ref into its previous sibling.
// Copies are visited in document order, so an outer copy is joined before
// the inner copies it carries, which then sit next to their own originals.
func (w *Wrapper) joinSplits(ref string) {
	clones, err := w.doc.Query(fmt.Sprintf("//*[@%s=%s]", AttrSplit, xpathLiteral(ref)))
	if err != nil {
		w.logger.Warn("split lookup failed", "marker", ref, "error", err)
		return
	}
	for _, clone := range clones {
		orig := clone.PrevSibling
		if orig == nil || !dom.SameShape(orig, clone) {
			// Something was inserted in between; keep the copy as is.
			dom.RemoveAttr(clone, AttrSplit)
			w.logger.Warn("split copy has no matching original", "marker", ref, "tag", clone.Data)
			continue
		}
		for c := clone.FirstChild; c != nil; c = clone.FirstChild {
			clone.RemoveChild(c)
			orig.AppendChild(c)
		}
		clone.Parent.RemoveChild(clone)
		dom.Normalize(orig)
	}
}
