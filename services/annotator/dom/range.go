// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dom

import (
	"errors"
	"fmt"

	"golang.org/x/net/html"
)

var (
	// ErrInvalidBoundary is returned for a boundary whose offset does not
	// fit its node.
	ErrInvalidBoundary = errors.New("dom: invalid boundary point")

	// ErrDetached is returned when range endpoints live in different trees.
	ErrDetached = errors.New("dom: boundary points are not in the same tree")

	// ErrReversed is returned when a range ends before it starts.
	ErrReversed = errors.New("dom: range end precedes start")
)

// =============================================================================
// Boundary Points
// =============================================================================

// Boundary is a DOM boundary point: a node plus an offset into it.
type Boundary struct {
	Node   *html.Node
	Offset int
}

// Validate checks that the offset fits the node.
func (b Boundary) Validate() error {
	if b.Node == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidBoundary)
	}
	if b.Offset < 0 || b.Offset > Length(b.Node) {
		return fmt.Errorf("%w: offset %d outside [0,%d]", ErrInvalidBoundary, b.Offset, Length(b.Node))
	}
	return nil
}

// Compare orders two boundary points in document order and returns -1, 0
// or +1. Both points must be in the same tree.
//
// A point is keyed by the child-index path of its node followed by its
// offset. For an element point (P, k) that gives path(P)+[k]; for a text
// point inside child i of P it gives path(P)+[i, o]. Lexicographic order on
// those keys, with a prefix sorting first, is document order.
func Compare(a, b Boundary) int {
	ka := append(Path(a.Node), a.Offset)
	kb := append(Path(b.Node), b.Offset)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		switch {
		case ka[i] < kb[i]:
			return -1
		case ka[i] > kb[i]:
			return 1
		}
	}
	switch {
	case len(ka) < len(kb):
		return -1
	case len(ka) > len(kb):
		return 1
	}
	return 0
}

// Before returns the point immediately before n in its parent.
func Before(n *html.Node) Boundary {
	return Boundary{Node: n.Parent, Offset: ChildIndex(n)}
}

// After returns the point immediately after n in its parent.
func After(n *html.Node) Boundary {
	return Boundary{Node: n.Parent, Offset: ChildIndex(n) + 1}
}

// =============================================================================
// Ranges
// =============================================================================

// Range is a pair of boundary points, Start <= End.
type Range struct {
	Start Boundary
	End   Boundary
}

// NewRange builds a range from two (node, offset) pairs.
func NewRange(startNode *html.Node, startOffset int, endNode *html.Node, endOffset int) Range {
	return Range{
		Start: Boundary{Node: startNode, Offset: startOffset},
		End:   Boundary{Node: endNode, Offset: endOffset},
	}
}

// SelectNode returns the range covering n itself.
func SelectNode(n *html.Node) Range {
	return Range{Start: Before(n), End: After(n)}
}

// SelectNodeContents returns the range covering the children of n.
func SelectNodeContents(n *html.Node) Range {
	return Range{
		Start: Boundary{Node: n, Offset: 0},
		End:   Boundary{Node: n, Offset: Length(n)},
	}
}

// Validate checks both endpoints, that they share a tree, and their order.
func (r Range) Validate() error {
	if err := r.Start.Validate(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := r.End.Validate(); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if TopAncestor(r.Start.Node) != TopAncestor(r.End.Node) {
		return ErrDetached
	}
	if Compare(r.Start, r.End) > 0 {
		return ErrReversed
	}
	return nil
}

// Collapsed reports whether the range is empty.
func (r Range) Collapsed() bool {
	return Compare(r.Start, r.End) == 0
}

// CommonAncestor returns the deepest node containing both endpoints.
func (r Range) CommonAncestor() *html.Node {
	for n := r.Start.Node; n != nil; n = n.Parent {
		if IsInclusiveAncestor(n, r.End.Node) {
			return n
		}
	}
	return nil
}

// Contains reports whether b lies within the range (inclusive).
func (r Range) Contains(b Boundary) bool {
	return Compare(r.Start, b) <= 0 && Compare(b, r.End) <= 0
}

// Encloses reports whether other lies completely inside r.
func (r Range) Encloses(other Range) bool {
	return r.Contains(other.Start) && r.Contains(other.End)
}

// SingleText reports whether the range starts and ends in the same text
// node.
func (r Range) SingleText() bool {
	return r.Start.Node == r.End.Node && IsText(r.Start.Node)
}

// PartiallySelectsElement reports whether some element is an ancestor of
// exactly one endpoint. Such ranges cannot be wrapped in place.
func (r Range) PartiallySelectsElement() bool {
	ca := r.CommonAncestor()
	partial := func(from, other *html.Node) bool {
		for n := from; n != nil && n != ca; n = n.Parent {
			if n.Type != html.TextNode && !IsInclusiveAncestor(n, other) {
				return true
			}
		}
		return false
	}
	return partial(r.Start.Node, r.End.Node) || partial(r.End.Node, r.Start.Node)
}

// Anchor returns the element the range starts in. Presentation properties
// are read from it.
func (r Range) Anchor() *html.Node {
	n := r.Start.Node
	if IsElement(n) {
		if c := ChildAt(n, r.Start.Offset); IsElement(c) {
			return c
		}
		return n
	}
	return ClosestElement(n)
}
