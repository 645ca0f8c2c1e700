// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package marker wraps document ranges in marker elements and unwraps them.
//
// A marker is a <span> carrying the annotation identity in data attributes
// and the presentation properties of the text it replaced in its inline
// style:
//
//	<span class="mg-marker mg-word mg-loading" data-mg-id="6f1c..."
//	      data-mg-key="serendipity" data-mg-kind="word"
//	      style="font-family: Georgia; color: navy">serendipity<button ...>×</button></span>
//
// The Wrapper is the only component that mutates the document tree.
// Unwrapping a marker right after wrapping it restores byte-identical HTML.
package marker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/marginalia/pkg/logging"
	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Marker attributes.
const (
	AttrID      = "data-mg-id"
	AttrKey     = "data-mg-key"
	AttrKind    = "data-mg-kind"
	AttrSplit   = "data-mg-split"
	AttrControl = "data-mg-control"
	AttrFor     = "data-mg-for"
)

// Control actions.
const (
	ControlCancel = "cancel"
	ControlRemove = "remove"
)

var (
	// ErrEmptyRange is returned when a range covers nothing.
	ErrEmptyRange = errors.New("marker: range is empty")

	// ErrMarkerNotFound is returned when a reference has no element.
	ErrMarkerNotFound = errors.New("marker: not found")

	// ErrSplitMarker is returned when a range ends inside another marker.
	ErrSplitMarker = errors.New("marker: range would split an existing marker")

	// ErrMutation wraps a panic recovered from a tree mutation.
	ErrMutation = errors.New("marker: tree mutation failed")
)

var allMarkers = xpath.MustCompile("//span[@" + AttrID + "]")

// Identity names the annotation a marker belongs to.
type Identity struct {
	Ref  registry.MarkerRef
	Key  string
	Kind registry.Kind
}

// Wrapper mutates one document.
//
// Thread Safety: not safe for concurrent use; see dom.Document.
type Wrapper struct {
	doc    *dom.Document
	logger *slog.Logger
}

// NewWrapper creates a wrapper over doc.
func NewWrapper(doc *dom.Document, logger *slog.Logger) *Wrapper {
	return &Wrapper{doc: doc, logger: logging.OrDiscard(logger)}
}

// =============================================================================
// Lookup
// =============================================================================

// Find returns the marker element for ref.
func (w *Wrapper) Find(ref registry.MarkerRef) (*html.Node, error) {
	nodes, err := w.doc.Query(fmt.Sprintf("//span[@%s=%s]", AttrID, xpathLiteral(string(ref))))
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMarkerNotFound, ref)
	}
	return nodes[0], nil
}

// Markers returns every marker element in document order.
func (w *Wrapper) Markers() []*html.Node {
	return w.doc.Select(allMarkers)
}

// IsMarker reports whether n is a marker element.
func IsMarker(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && n.DataAtom == atom.Span && dom.HasAttr(n, AttrID)
}

// IdentityOf reads the identity attributes of a marker element.
func IdentityOf(n *html.Node) (Identity, bool) {
	if !IsMarker(n) {
		return Identity{}, false
	}
	ref, _ := dom.Attr(n, AttrID)
	key, _ := dom.Attr(n, AttrKey)
	kind, _ := dom.Attr(n, AttrKind)
	return Identity{Ref: registry.MarkerRef(ref), Key: key, Kind: registry.Kind(kind)}, true
}

// Enclosing returns the nearest marker that is n or an ancestor of n.
func Enclosing(n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if IsMarker(n) {
			return n
		}
	}
	return nil
}

// ControlTarget reports the marker and action of a control button.
func ControlTarget(n *html.Node) (registry.MarkerRef, string, bool) {
	if n == nil || !dom.HasAttr(n, AttrControl) {
		return "", "", false
	}
	action, _ := dom.Attr(n, AttrControl)
	ref, ok := dom.Attr(n, AttrFor)
	return registry.MarkerRef(ref), action, ok && ref != ""
}

// =============================================================================
// Presentation
// =============================================================================

// ClassFor returns the class attribute of a marker.
func ClassFor(kind registry.Kind, state registry.State) string {
	return "mg-marker mg-" + string(kind) + " mg-" + state.String()
}

// Restyle sets the state class of the marker for ref and replaces its
// control button. Loading markers get a cancel control and resolved ones a
// remove control when controls is true; pending markers never have one.
func (w *Wrapper) Restyle(ref registry.MarkerRef, state registry.State, controls bool) error {
	m, err := w.Find(ref)
	if err != nil {
		return err
	}
	kind, _ := dom.Attr(m, AttrKind)
	dom.SetAttr(m, "class", ClassFor(registry.Kind(kind), state))

	removeControls(m)
	if !controls {
		return nil
	}
	switch state {
	case registry.StateLoading:
		m.AppendChild(newControl(ref, ControlCancel, "Cancel"))
	case registry.StateResolved:
		m.AppendChild(newControl(ref, ControlRemove, "Remove"))
	}
	return nil
}

func newMarker(id Identity, style dom.Style) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: "span", DataAtom: atom.Span}
	dom.SetAttr(n, "class", ClassFor(id.Kind, registry.StatePending))
	dom.SetAttr(n, AttrID, string(id.Ref))
	dom.SetAttr(n, AttrKey, id.Key)
	dom.SetAttr(n, AttrKind, string(id.Kind))
	if len(style) > 0 {
		dom.SetAttr(n, "style", style.String())
	}
	return n
}

func newControl(ref registry.MarkerRef, action, label string) *html.Node {
	b := &html.Node{Type: html.ElementNode, Data: "button", DataAtom: atom.Button}
	dom.SetAttr(b, "type", "button")
	dom.SetAttr(b, dom.IgnoreAttr, "")
	dom.SetAttr(b, AttrControl, action)
	dom.SetAttr(b, AttrFor, string(ref))
	dom.SetAttr(b, "aria-label", label)
	b.AppendChild(dom.NewText("×"))
	return b
}

func removeControls(m *html.Node) {
	for c := m.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && dom.HasAttr(c, AttrControl) {
			m.RemoveChild(c)
		}
		c = next
	}
}

// xpathLiteral quotes s for use in an XPath 1.0 expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}
