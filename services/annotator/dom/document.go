// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dom holds the live document tree the annotator works on.
//
// The tree is a golang.org/x/net/html node graph parsed and queried through
// antchfx/htmlquery. This package adds what the annotator needs on top of
// it: boundary points and ranges (range.go), the flattened text projection
// used for offset arithmetic (projection.go), inherited presentation
// properties (style.go) and low-level tree helpers (tree.go).
//
// Offsets inside text nodes are rune offsets. Offsets inside element nodes
// are child indexes, as in the browser DOM.
//
// Thread Safety:
//
//	Nothing in this package is safe for concurrent mutation. The engine
//	confines every Document to a single event-loop goroutine.
package dom

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// ErrNoDocument is returned when a nil document or root is used.
var ErrNoDocument = errors.New("dom: no document")

// Document is a parsed HTML document.
type Document struct {
	root *html.Node
}

// Parse parses HTML from r. Fragments are wrapped in html/head/body the
// same way a browser would.
func Parse(r io.Reader) (*Document, error) {
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}
	return &Document{root: root}, nil
}

// ParseString is Parse for an in-memory string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// FromNode wraps an existing tree.
func FromNode(root *html.Node) (*Document, error) {
	if root == nil {
		return nil, ErrNoDocument
	}
	return &Document{root: root}, nil
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the <body> element, or the root when there is none.
func (d *Document) Body() *html.Node {
	if body := htmlquery.FindOne(d.root, "//body"); body != nil {
		return body
	}
	return d.root
}

// Render serializes the whole document.
func (d *Document) Render() (string, error) {
	var b strings.Builder
	if err := html.Render(&b, d.root); err != nil {
		return "", fmt.Errorf("rendering document: %w", err)
	}
	return b.String(), nil
}

// RenderBody serializes the children of <body> only.
func (d *Document) RenderBody() (string, error) {
	var b strings.Builder
	for c := d.Body().FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return "", fmt.Errorf("rendering body: %w", err)
		}
	}
	return b.String(), nil
}

// Query evaluates an XPath expression against the document.
func (d *Document) Query(expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("xpath %q: %w", expr, err)
	}
	return nodes, nil
}

// Select evaluates a precompiled XPath expression.
func (d *Document) Select(expr *xpath.Expr) []*html.Node {
	return htmlquery.QuerySelectorAll(d.root, expr)
}

// Contains reports whether n is attached to this document.
func (d *Document) Contains(n *html.Node) bool {
	return n != nil && IsInclusiveAncestor(d.root, n)
}
