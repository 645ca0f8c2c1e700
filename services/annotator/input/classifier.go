// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package input decides whether a user gesture on a range is a valid
// annotation request.
package input

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/marginalia/services/annotator/dom"
	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/registry"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// DefaultMinPhraseWords is the smallest phrase a drag may select.
const DefaultMinPhraseWords = 3

// DefaultExcludedRegions are the chrome regions selections never come from.
var DefaultExcludedRegions = []string{
	"//dialog",
	"//*[@role='dialog' or @role='menu' or @role='toolbar']",
	"//*[@contenteditable='true' or @contenteditable='']",
	"//input",
	"//textarea",
}

// =============================================================================
// Gestures and Decisions
// =============================================================================

// Gesture is the user action that produced a selection.
type Gesture int

const (
	// DoubleActivation selects a single word.
	DoubleActivation Gesture = iota

	// DragRelease selects a phrase.
	DragRelease
)

// String returns the gesture name.
func (g Gesture) String() string {
	switch g {
	case DoubleActivation:
		return "double-activation"
	case DragRelease:
		return "drag-release"
	default:
		return fmt.Sprintf("Gesture(%d)", int(g))
	}
}

// Decision is an accepted selection.
type Decision struct {
	Gesture Gesture
	Kind    registry.Kind

	// Text is the selected text, whitespace-trimmed. For words, leading
	// and trailing punctuation is dropped as well.
	Text string

	// Words is the number of whitespace-separated tokens.
	Words int
}

// =============================================================================
// Rejections
// =============================================================================

// ErrRejected is the base of every *Rejection.
var ErrRejected = errors.New("input: selection rejected")

// Reason classifies a rejection.
type Reason string

const (
	ReasonEmpty          Reason = "empty"
	ReasonNotSingleWord  Reason = "not_single_word"
	ReasonTooFewWords    Reason = "too_few_words"
	ReasonExcludedRegion Reason = "excluded_region"
	ReasonOverlap        Reason = "overlap"
	ReasonDuplicate      Reason = "duplicate"
	ReasonDisabled       Reason = "disabled"
	ReasonUnknownGesture Reason = "unknown_gesture"
)

// Rejection is a non-fatal refusal shown to the user as a transient notice.
type Rejection struct {
	Reason  Reason
	Message string
}

// Reject builds a rejection.
func Reject(reason Reason, message string) *Rejection {
	return &Rejection{Reason: reason, Message: message}
}

// Error implements error.
func (r *Rejection) Error() string {
	return "input: " + r.Message
}

// Unwrap lets errors.Is match ErrRejected.
func (r *Rejection) Unwrap() error { return ErrRejected }

// =============================================================================
// Classifier
// =============================================================================

// Rules configures a Classifier.
type Rules struct {
	// MinPhraseWords defaults to DefaultMinPhraseWords when < 1.
	MinPhraseWords int

	// ExcludedRegions are XPath expressions. nil selects
	// DefaultExcludedRegions; an empty non-nil slice excludes nothing but
	// marker controls.
	ExcludedRegions []string
}

// Classifier validates gestures. It is stateless after construction and
// safe for concurrent use.
type Classifier struct {
	minWords int
	excluded []*xpath.Expr
}

// NewClassifier compiles rules.
func NewClassifier(rules Rules) (*Classifier, error) {
	c := &Classifier{minWords: rules.MinPhraseWords}
	if c.minWords < 1 {
		c.minWords = DefaultMinPhraseWords
	}
	exprs := rules.ExcludedRegions
	if exprs == nil {
		exprs = DefaultExcludedRegions
	}
	for _, s := range exprs {
		expr, err := xpath.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("excluded region %q: %w", s, err)
		}
		c.excluded = append(c.excluded, expr)
	}
	return c, nil
}

// MinPhraseWords returns the configured phrase minimum.
func (c *Classifier) MinPhraseWords() int {
	return c.minWords
}

// Classify validates a gesture on rng.
//
// # Description
//
// The excluded-region test runs first and walks the ancestry of the
// range's common container. A double activation must cover exactly one
// token; a drag release at least MinPhraseWords tokens.
//
// # Outputs
//
//   - Decision: The accepted selection.
//   - error: A *Rejection, or a dom error for an invalid range.
func (c *Classifier) Classify(doc *dom.Document, g Gesture, rng dom.Range) (Decision, error) {
	if err := rng.Validate(); err != nil {
		return Decision{}, fmt.Errorf("classify: %w", err)
	}
	if c.Exclusions(doc).Contains(rng.CommonAncestor()) {
		return Decision{}, Reject(ReasonExcludedRegion, "selection is inside an excluded region")
	}

	text := strings.TrimSpace(doc.Project().TextOf(rng))
	if text == "" {
		return Decision{}, Reject(ReasonEmpty, "nothing is selected")
	}
	words := strings.Fields(text)

	switch g {
	case DoubleActivation:
		if len(words) != 1 {
			return Decision{}, Reject(ReasonNotSingleWord, "select a single word")
		}
		word := strings.TrimFunc(text, func(r rune) bool { return !position.IsWordRune(r) })
		if word == "" || strings.IndexFunc(word, unicode.IsSpace) >= 0 {
			return Decision{}, Reject(ReasonNotSingleWord, "select a single word")
		}
		return Decision{Gesture: g, Kind: registry.KindWord, Text: word, Words: 1}, nil

	case DragRelease:
		if len(words) < c.minWords {
			return Decision{}, Reject(ReasonTooFewWords, fmt.Sprintf("select at least %d words", c.minWords))
		}
		return Decision{Gesture: g, Kind: registry.KindPhrase, Text: text, Words: len(words)}, nil
	}
	return Decision{}, Reject(ReasonUnknownGesture, "unsupported gesture "+g.String())
}

// =============================================================================
// Exclusions
// =============================================================================

// Exclusions is the set of excluded-region roots of one document snapshot.
type Exclusions struct {
	roots map[*html.Node]bool
}

// Exclusions evaluates the excluded-region expressions against doc.
func (c *Classifier) Exclusions(doc *dom.Document) *Exclusions {
	ex := &Exclusions{roots: make(map[*html.Node]bool)}
	for _, expr := range c.excluded {
		for _, n := range doc.Select(expr) {
			ex.roots[n] = true
		}
	}
	return ex
}

// Contains reports whether n or one of its ancestors, up to the document
// root, is an excluded region or an ignored element such as a marker
// control.
func (ex *Exclusions) Contains(n *html.Node) bool {
	found := false
	dom.Ancestors(n, func(a *html.Node) bool {
		if ex.roots[a] || (a.Type == html.ElementNode && dom.HasAttr(a, dom.IgnoreAttr)) {
			found = true
			return false
		}
		return true
	})
	return found
}
