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
	"golang.org/x/net/html"
)

// Wrap surrounds rng with a new marker and returns it.
//
// # Description
//
// The presentation properties of the range's anchor element are captured
// before anything is touched. A range inside one text node is wrapped in
// place by splitting that node. Any other range is extracted: partially
// selected ancestors are split, with the split-off copies tagged by the
// marker ref so Unwrap can join them back, and the covered nodes are moved
// into the marker.
//
// Panics raised by the tree library during the in-place path are recovered
// and the extract path is tried instead.
//
// # Inputs
//
//   - rng: A valid, non-collapsed range in the wrapper's document.
//   - id: Identity written onto the marker.
//
// # Outputs
//
//   - *html.Node: The marker element, attached to the document.
//   - error: ErrEmptyRange, a dom range error, ErrSplitMarker when an end
//     falls inside another marker, or ErrMutation when both strategies
//     failed.
func (w *Wrapper) Wrap(rng dom.Range, id Identity) (*html.Node, error) {
	if err := rng.Validate(); err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	if rng.Collapsed() {
		return nil, ErrEmptyRange
	}

	style := dom.ComputedStyle(rng.Anchor())
	m := newMarker(id, style)

	if rng.SingleText() {
		err := guard(func() error { return wrapText(rng, m) })
		if err == nil {
			return m, nil
		}
		w.logger.Warn("in-place wrap failed, extracting instead", "marker", string(id.Ref), "error", err)
		dom.Detach(m)
	}

	if err := guard(func() error { return wrapExtract(rng, m, string(id.Ref)) }); err != nil {
		dom.Detach(m)
		return nil, err
	}
	return m, nil
}

// guard runs a mutation and turns a panic into ErrMutation.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMutation, r)
		}
	}()
	return fn()
}

// wrapText wraps [Start.Offset, End.Offset) of a single text node.
func wrapText(rng dom.Range, m *html.Node) error {
	t := rng.Start.Node
	parent := t.Parent
	if parent == nil {
		return dom.ErrDetached
	}
	so, eo := rng.Start.Offset, rng.End.Offset
	if so >= eo {
		return ErrEmptyRange
	}

	mid := t
	if so > 0 {
		mid = dom.SplitText(t, so)
	}
	if eo-so < dom.Length(mid) {
		dom.SplitText(mid, eo-so)
	}
	parent.InsertBefore(m, mid)
	parent.RemoveChild(mid)
	m.AppendChild(mid)
	return nil
}

// wrapExtract splits the tree at both boundaries up to the common ancestor
// and moves the whole children in between into m.
func wrapExtract(rng dom.Range, m *html.Node, tag string) error {
	ca := rng.CommonAncestor()
	if ca == nil {
		return dom.ErrDetached
	}
	if dom.IsText(ca) {
		ca = ca.Parent
		if ca == nil {
			return dom.ErrDetached
		}
	}

	for _, b := range []dom.Boundary{rng.Start, rng.End} {
		if ref, ok := splitsMarker(b, ca); ok {
			return fmt.Errorf("%w: %s", ErrSplitMarker, ref)
		}
	}

	// The end is split first so the start's offsets stay valid.
	stop, err := splitTo(rng.End, ca, tag)
	if err != nil {
		return err
	}
	first, err := splitTo(rng.Start, ca, tag)
	if err != nil {
		return err
	}
	if first == nil || first == stop {
		return ErrEmptyRange
	}

	ca.InsertBefore(m, first)
	for n := first; n != nil && n != stop; {
		next := n.NextSibling
		ca.RemoveChild(n)
		m.AppendChild(n)
		n = next
	}
	return nil
}

// splitTo splits the tree along b's ancestry until b is a point between two
// children of ca, and returns the child right after that point (nil for
// the end of ca). Elements split in the middle keep their head; the tail
// goes to a shallow copy tagged with tag. Markers are never split.
func splitTo(b dom.Boundary, ca *html.Node, tag string) (*html.Node, error) {
	node, off := b.Node, b.Offset

	if dom.IsText(node) {
		parent := node.Parent
		if parent == nil {
			return nil, dom.ErrDetached
		}
		switch {
		case off <= 0:
			off = dom.ChildIndex(node)
		case off >= dom.Length(node):
			off = dom.ChildIndex(node) + 1
		default:
			off = dom.ChildIndex(dom.SplitText(node, off))
		}
		node = parent
	}

	for node != ca {
		parent := node.Parent
		if parent == nil {
			return nil, dom.ErrDetached
		}
		idx := dom.ChildIndex(node)
		switch {
		case off <= 0:
			off = idx
		case off >= dom.ChildCount(node):
			off = idx + 1
		default:
			if IsMarker(node) {
				ref, _ := dom.Attr(node, AttrID)
				return nil, fmt.Errorf("%w: %s", ErrSplitMarker, ref)
			}
			clone := dom.CloneShallow(node)
			dom.SetAttr(clone, AttrSplit, tag)
			for c := dom.ChildAt(node, off); c != nil; {
				next := c.NextSibling
				node.RemoveChild(c)
				clone.AppendChild(c)
				c = next
			}
			parent.InsertBefore(clone, node.NextSibling)
			off = idx + 1
		}
		node = parent
	}
	return dom.ChildAt(ca, off), nil
}

// splitsMarker walks the same path as splitTo without mutating anything and
// reports the first marker it would cut in two.
func splitsMarker(b dom.Boundary, ca *html.Node) (string, bool) {
	node, off := b.Node, b.Offset
	split := false

	if dom.IsText(node) {
		switch {
		case off <= 0:
			off = dom.ChildIndex(node)
		case off >= dom.Length(node):
			off = dom.ChildIndex(node) + 1
		default:
			off = dom.ChildIndex(node) + 1
			split = true
		}
		node = node.Parent
	}

	for node != nil && node != ca {
		idx := dom.ChildIndex(node)
		count := dom.ChildCount(node)
		if split {
			count++
		}
		switch {
		case off <= 0:
			off, split = idx, false
		case off >= count:
			off, split = idx+1, false
		default:
			if IsMarker(node) {
				ref, _ := dom.Attr(node, AttrID)
				return ref, true
			}
			off, split = idx+1, true
		}
		node = node.Parent
	}
	return "", false
}
