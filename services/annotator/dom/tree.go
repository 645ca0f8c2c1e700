// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dom

import (
	"unicode/utf8"

	"golang.org/x/net/html"
)

// IgnoreAttr marks elements (marker control buttons) whose text must not
// appear in the projection.
const IgnoreAttr = "data-mg-ignore"

// =============================================================================
// Attributes
// =============================================================================

// Attr returns the value of attribute key on n.
func Attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether n carries attribute key.
func HasAttr(n *html.Node, key string) bool {
	_, ok := Attr(n, key)
	return ok
}

// SetAttr sets or replaces attribute key on n.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes attribute key from n.
func RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

// =============================================================================
// Node Helpers
// =============================================================================

// IsText reports whether n is a text node.
func IsText(n *html.Node) bool {
	return n != nil && n.Type == html.TextNode
}

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// Length is the DOM length of n: runes for character data, children
// otherwise.
func Length(n *html.Node) int {
	switch n.Type {
	case html.TextNode, html.CommentNode:
		return utf8.RuneCountInString(n.Data)
	default:
		return ChildCount(n)
	}
}

// ChildCount returns the number of children of n.
func ChildCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}

// ChildAt returns the i-th child of n, or nil.
func ChildAt(n *html.Node, i int) *html.Node {
	if i < 0 {
		return nil
	}
	c := n.FirstChild
	for ; c != nil && i > 0; i-- {
		c = c.NextSibling
	}
	return c
}

// ChildIndex returns the position of n among its siblings.
func ChildIndex(n *html.Node) int {
	i := 0
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		i++
	}
	return i
}

// IsInclusiveAncestor reports whether a is n or an ancestor of n.
func IsInclusiveAncestor(a, n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == a {
			return true
		}
	}
	return false
}

// Path returns child indexes from the topmost ancestor down to n.
func Path(n *html.Node) []int {
	var rev []int
	for ; n != nil && n.Parent != nil; n = n.Parent {
		rev = append(rev, ChildIndex(n))
	}
	path := make([]int, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path
}

// TopAncestor returns the root of the tree n is attached to.
func TopAncestor(n *html.Node) *html.Node {
	for n != nil && n.Parent != nil {
		n = n.Parent
	}
	return n
}

// Detach removes n from its parent, if any.
func Detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// NewText creates a detached text node.
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// CloneShallow copies n without its children or tree links.
func CloneShallow(n *html.Node) *html.Node {
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		clone.Attr = make([]html.Attribute, len(n.Attr))
		copy(clone.Attr, n.Attr)
	}
	return clone
}

// SameShape reports whether a and b are elements with the same tag and
// namespace.
func SameShape(a, b *html.Node) bool {
	return IsElement(a) && IsElement(b) && a.Data == b.Data && a.Namespace == b.Namespace
}

// SplitText splits text node t at rune offset and returns the new node
// holding the tail. The new node is inserted right after t.
func SplitText(t *html.Node, offset int) *html.Node {
	head, tail := SplitRunes(t.Data, offset)
	t.Data = head
	next := NewText(tail)
	if t.Parent != nil {
		t.Parent.InsertBefore(next, t.NextSibling)
	}
	return next
}

// SplitRunes splits s at rune offset i.
func SplitRunes(s string, i int) (string, string) {
	if i <= 0 {
		return "", s
	}
	n := 0
	for byteIdx := range s {
		if n == i {
			return s[:byteIdx], s[byteIdx:]
		}
		n++
	}
	return s, ""
}

// SliceRunes returns runes [i, j) of s.
func SliceRunes(s string, i, j int) string {
	_, tail := SplitRunes(s, i)
	head, _ := SplitRunes(tail, j-i)
	return head
}

// Normalize merges adjacent text nodes and drops empty ones in the subtree
// rooted at n.
func Normalize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.TextNode:
			if c.Data == "" {
				n.RemoveChild(c)
				c = next
				continue
			}
			for next != nil && next.Type == html.TextNode {
				after := next.NextSibling
				c.Data += next.Data
				n.RemoveChild(next)
				next = after
			}
		case html.ElementNode:
			Normalize(c)
		}
		c = next
	}
}

// Ancestors calls fn for n and each ancestor until fn returns false.
func Ancestors(n *html.Node, fn func(*html.Node) bool) {
	for ; n != nil; n = n.Parent {
		if !fn(n) {
			return
		}
	}
}

// ClosestElement returns n when it is an element, otherwise its nearest
// element ancestor.
func ClosestElement(n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode {
			return n
		}
	}
	return nil
}
