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
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrOutOfRange is returned when projection offsets do not map back onto
// rendered text.
var ErrOutOfRange = errors.New("dom: offset outside projection")

// hiddenElements never contribute rendered text.
var hiddenElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Title:    true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Select:   true,
	atom.Textarea: true,
}

// blockElements start and end on their own line in the projection.
var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true,
	atom.Blockquote: true, atom.Caption: true, atom.Dd: true,
	atom.Details: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true,
	atom.Footer: true, atom.Form: true, atom.H1: true, atom.H2: true,
	atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Li: true, atom.Main: true,
	atom.Nav: true, atom.Ol: true, atom.P: true, atom.Pre: true,
	atom.Section: true, atom.Summary: true, atom.Table: true,
	atom.Tbody: true, atom.Td: true, atom.Tfoot: true, atom.Th: true,
	atom.Thead: true, atom.Tr: true, atom.Ul: true,
}

// segment is one rendered text node inside the projection.
type segment struct {
	node   *html.Node
	start  int
	length int
}

func (s segment) end() int { return s.start + s.length }

// Projection is the flattened plain text of the rendered document.
//
// Text nodes are concatenated in tree order. Hidden subtrees are skipped,
// and a single '\n' separator is inserted at block edges and <br> unless
// the text already ends in whitespace. Separators belong to no node, so
// they can never be the start or end of a mapped range. Whitespace is not
// collapsed: offsets stay in step with the underlying text nodes.
//
// A Projection is a snapshot. Any structural mutation of the tree makes
// its node references stale; take a new one with Document.Project.
type Projection struct {
	text     []rune
	segments []segment
	index    map[*html.Node]int
}

// Project computes the projection of the document body.
func (d *Document) Project() *Projection {
	return ProjectNode(d.Body())
}

// ProjectNode computes the projection of the subtree rooted at n.
func ProjectNode(n *html.Node) *Projection {
	p := &Projection{index: make(map[*html.Node]int)}
	p.walk(n)
	return p
}

func (p *Projection) walk(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			rs := []rune(c.Data)
			if len(rs) == 0 {
				continue
			}
			p.index[c] = len(p.segments)
			p.segments = append(p.segments, segment{node: c, start: len(p.text), length: len(rs)})
			p.text = append(p.text, rs...)
		case html.ElementNode:
			if Hidden(c) {
				continue
			}
			if c.DataAtom == atom.Br {
				p.separator()
				continue
			}
			block := blockElements[c.DataAtom]
			if block {
				p.separator()
			}
			p.walk(c)
			if block {
				p.separator()
			}
		}
	}
}

func (p *Projection) separator() {
	if len(p.text) == 0 || unicode.IsSpace(p.text[len(p.text)-1]) {
		return
	}
	p.text = append(p.text, '\n')
}

// Hidden reports whether element n is excluded from rendered text.
func Hidden(n *html.Node) bool {
	if hiddenElements[n.DataAtom] {
		return true
	}
	if HasAttr(n, "hidden") || HasAttr(n, IgnoreAttr) {
		return true
	}
	if style, ok := Attr(n, "style"); ok {
		if display, ok := ParseStyle(style).Get("display"); ok && strings.EqualFold(display, "none") {
			return true
		}
	}
	return false
}

// =============================================================================
// Accessors
// =============================================================================

// String returns the whole projection.
func (p *Projection) String() string { return string(p.text) }

// Len returns the projection length in runes.
func (p *Projection) Len() int { return len(p.text) }

// Runes exposes the projection text. Callers must not modify it.
func (p *Projection) Runes() []rune { return p.text }

// Slice returns runes [start, end), clamped to the projection.
func (p *Projection) Slice(start, end int) string {
	start = max(start, 0)
	end = min(end, len(p.text))
	if start >= end {
		return ""
	}
	return string(p.text[start:end])
}

// Node returns the text node covering offset, if any.
func (p *Projection) Node(offset int) (*html.Node, bool) {
	for _, seg := range p.segments {
		if offset >= seg.start && offset < seg.end() {
			return seg.node, true
		}
	}
	return nil, false
}

// =============================================================================
// Boundary <-> Offset Mapping
// =============================================================================

// OffsetOf maps a boundary point to a projection offset.
//
// Points inside rendered text nodes map exactly. Any other point maps to
// the start of the first rendered text at or after it, or to Len() when
// nothing follows.
func (p *Projection) OffsetOf(b Boundary) int {
	if IsText(b.Node) {
		if i, ok := p.index[b.Node]; ok {
			seg := p.segments[i]
			return seg.start + min(max(b.Offset, 0), seg.length)
		}
	}
	for _, seg := range p.segments {
		if Compare(b, Boundary{Node: seg.node, Offset: 0}) <= 0 {
			return seg.start
		}
	}
	return len(p.text)
}

// Range maps projection offsets [start, end) back onto the live tree.
//
// The start point is placed at the beginning of the text that follows it
// and the end point at the end of the text that precedes it, so a range
// never begins or ends in a neighbouring node it does not cover.
func (p *Projection) Range(start, end int) (Range, error) {
	if start < 0 || end > len(p.text) || start >= end {
		return Range{}, fmt.Errorf("%w: [%d,%d) in %d runes", ErrOutOfRange, start, end, len(p.text))
	}

	var r Range
	found := false
	for _, seg := range p.segments {
		if seg.end() > start {
			r.Start = Boundary{Node: seg.node, Offset: max(start-seg.start, 0)}
			found = true
			break
		}
	}
	if !found {
		return Range{}, fmt.Errorf("%w: no text at %d", ErrOutOfRange, start)
	}

	found = false
	for i := len(p.segments) - 1; i >= 0; i-- {
		seg := p.segments[i]
		if seg.start < end {
			r.End = Boundary{Node: seg.node, Offset: min(end-seg.start, seg.length)}
			found = true
			break
		}
	}
	if !found || Compare(r.Start, r.End) >= 0 {
		return Range{}, fmt.Errorf("%w: [%d,%d) covers no text", ErrOutOfRange, start, end)
	}
	return r, nil
}

// TextOf returns the projected text covered by r.
func (p *Projection) TextOf(r Range) string {
	return p.Slice(p.OffsetOf(r.Start), p.OffsetOf(r.End))
}
