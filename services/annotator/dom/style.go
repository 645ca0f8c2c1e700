// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PresentationProperties are the text-presentation properties a marker
// copies from its anchor so wrapping does not change how text looks.
var PresentationProperties = []string{
	"font-family",
	"font-size",
	"font-weight",
	"font-style",
	"color",
	"text-decoration",
	"text-align",
	"direction",
}

// tagDefaults are the user-agent defaults that matter for the properties
// above.
var tagDefaults = map[atom.Atom]map[string]string{
	atom.B:      {"font-weight": "bold"},
	atom.Strong: {"font-weight": "bold"},
	atom.H1:     {"font-weight": "bold", "font-size": "2em"},
	atom.H2:     {"font-weight": "bold", "font-size": "1.5em"},
	atom.H3:     {"font-weight": "bold", "font-size": "1.17em"},
	atom.H4:     {"font-weight": "bold"},
	atom.H5:     {"font-weight": "bold", "font-size": "0.83em"},
	atom.H6:     {"font-weight": "bold", "font-size": "0.67em"},
	atom.Th:     {"font-weight": "bold", "text-align": "center"},
	atom.I:      {"font-style": "italic"},
	atom.Em:     {"font-style": "italic"},
	atom.Cite:   {"font-style": "italic"},
	atom.Var:    {"font-style": "italic"},
	atom.Dfn:    {"font-style": "italic"},
	atom.U:      {"text-decoration": "underline"},
	atom.Ins:    {"text-decoration": "underline"},
	atom.A:      {"text-decoration": "underline"},
	atom.S:      {"text-decoration": "line-through"},
	atom.Strike: {"text-decoration": "line-through"},
	atom.Del:    {"text-decoration": "line-through"},
	atom.Code:   {"font-family": "monospace"},
	atom.Kbd:    {"font-family": "monospace"},
	atom.Samp:   {"font-family": "monospace"},
	atom.Tt:     {"font-family": "monospace"},
	atom.Pre:    {"font-family": "monospace"},
	atom.Small:  {"font-size": "smaller"},
	atom.Big:    {"font-size": "larger"},
	atom.Center: {"text-align": "center"},
}

// Declaration is one CSS property/value pair.
type Declaration struct {
	Property string
	Value    string
}

// Style is an ordered list of declarations.
type Style []Declaration

// ParseStyle parses an inline style attribute. Malformed declarations are
// dropped; property names are lower-cased.
func ParseStyle(attr string) Style {
	var s Style
	for _, part := range strings.Split(attr, ";") {
		prop, val, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.TrimSpace(val)
		if prop == "" || val == "" {
			continue
		}
		s = append(s, Declaration{Property: prop, Value: val})
	}
	return s
}

// Get returns the last value declared for prop.
func (s Style) Get(prop string) (string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Property == prop {
			return s[i].Value, true
		}
	}
	return "", false
}

// Set returns s with prop set to val, replacing earlier declarations.
func (s Style) Set(prop, val string) Style {
	out := make(Style, 0, len(s)+1)
	for _, d := range s {
		if d.Property != prop {
			out = append(out, d)
		}
	}
	return append(out, Declaration{Property: prop, Value: val})
}

// String renders the declarations as an inline style attribute value.
func (s Style) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.Property + ": " + d.Value
	}
	return strings.Join(parts, "; ")
}

// ComputedStyle resolves the presentation properties that apply to n.
//
// For each property the nearest ancestor that sets it wins, looking at the
// inline style first, then the presentational attributes (dir, align),
// then the tag's user-agent default. Properties nobody sets are omitted.
func ComputedStyle(n *html.Node) Style {
	el := ClosestElement(n)
	var out Style
	for _, prop := range PresentationProperties {
		for cur := el; cur != nil; cur = cur.Parent {
			if cur.Type != html.ElementNode {
				continue
			}
			if val, ok := declared(cur, prop); ok {
				out = append(out, Declaration{Property: prop, Value: val})
				break
			}
		}
	}
	return out
}

func declared(n *html.Node, prop string) (string, bool) {
	if attr, ok := Attr(n, "style"); ok {
		if val, ok := ParseStyle(attr).Get(prop); ok {
			return val, true
		}
	}
	switch prop {
	case "direction":
		if dir, ok := Attr(n, "dir"); ok && dir != "" && dir != "auto" {
			return dir, true
		}
	case "text-align":
		if align, ok := Attr(n, "align"); ok && align != "" {
			return align, true
		}
	case "color":
		if n.DataAtom == atom.Font {
			if c, ok := Attr(n, "color"); ok && c != "" {
				return c, true
			}
		}
	}
	if defaults, ok := tagDefaults[n.DataAtom]; ok {
		if val, ok := defaults[prop]; ok {
			return val, true
		}
	}
	return "", false
}
