// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry is the single writer of annotation state.
//
// Annotations are a tagged union of *WordAnnotation and *PhraseAnnotation
// that share a *Record. State only changes through Registry.Transition,
// which applies a fixed table and fails fast on anything the table does not
// list.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/marginalia/services/annotator/position"
	"github.com/AleutianAI/marginalia/services/annotator/stream"
	"github.com/google/uuid"
)

// =============================================================================
// Enums
// =============================================================================

// Kind distinguishes word and phrase annotations.
type Kind string

const (
	KindWord   Kind = "word"
	KindPhrase Kind = "phrase"
)

// State is the life-cycle state of an annotation.
type State int

const (
	StatePending State = iota
	StateLoading
	StateResolved
	StateRemoved
)

// String returns the lower-case state name used in logs, metrics and CSS.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateResolved:
		return "resolved"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives a transition.
type Event int

const (
	// EventDispatch marks the request as sent.
	EventDispatch Event = iota

	// EventComplete delivers the final payload.
	EventComplete

	// EventFail reports a stream or request failure with nothing usable.
	EventFail

	// EventCancel is the user interrupting a loading annotation.
	EventCancel

	// EventRemove is the user, or a global disable, dismissing it.
	EventRemove

	// EventRefine asks for more results on a resolved annotation.
	EventRefine
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventDispatch:
		return "dispatch"
	case EventComplete:
		return "complete"
	case EventFail:
		return "fail"
	case EventCancel:
		return "cancel"
	case EventRemove:
		return "remove"
	case EventRefine:
		return "refine"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// =============================================================================
// Marker References
// =============================================================================

// MarkerRef identifies one marker element in the document. It is stored on
// the marker as data-mg-id; the registry never holds tree nodes.
type MarkerRef string

// NewMarkerRef returns a fresh random reference.
func NewMarkerRef() MarkerRef {
	return MarkerRef(uuid.NewString())
}

// =============================================================================
// Annotations
// =============================================================================

// Record is the state shared by every annotation kind.
type Record struct {
	Key     string
	State   State
	Text    string
	Payload stream.Payload
	Markers []MarkerRef
	Created time.Time

	// Attempt increments on every Dispatch and Refine. Frames are tagged
	// with the attempt that requested them so stale ones can be dropped.
	Attempt int

	cancel func()
}

// Loading reports whether a stream is in flight.
func (r *Record) Loading() bool {
	return r.State == StateLoading
}

// Annotation is either *WordAnnotation or *PhraseAnnotation.
type Annotation interface {
	Kind() Kind
	Rec() *Record
}

// WordAnnotation explains one word. All of its occurrences are marked.
type WordAnnotation struct {
	*Record

	// Word is the normalized word the key was derived from.
	Word string

	// Occurrences are the projection offsets marked at creation time.
	Occurrences []int

	// Context is the request window around the first occurrence.
	Context position.WordContext
}

// Kind implements Annotation.
func (*WordAnnotation) Kind() Kind { return KindWord }

// Rec implements Annotation.
func (a *WordAnnotation) Rec() *Record { return a.Record }

// Explanation returns the resolved payload, if any.
func (a *WordAnnotation) Explanation() (stream.Explanation, bool) {
	e, ok := a.Payload.(stream.Explanation)
	return e, ok
}

// PhraseAnnotation simplifies one contiguous span. It has one marker.
type PhraseAnnotation struct {
	*Record

	// Position is the logical span captured at creation time.
	Position position.Position

	// History holds earlier simplified texts, sent as previous results when
	// more are requested.
	History []string
}

// Kind implements Annotation.
func (*PhraseAnnotation) Kind() Kind { return KindPhrase }

// Rec implements Annotation.
func (a *PhraseAnnotation) Rec() *Record { return a.Record }

// Simplification returns the resolved payload, if any.
func (a *PhraseAnnotation) Simplification() (stream.Simplification, bool) {
	s, ok := a.Payload.(stream.Simplification)
	return s, ok
}

// NewWord builds a pending word annotation.
func NewWord(key, word string, markers []MarkerRef, occurrences []int) *WordAnnotation {
	return &WordAnnotation{
		Record:      &Record{Key: key, Text: word, Markers: markers, Created: time.Now()},
		Word:        word,
		Occurrences: occurrences,
	}
}

// NewPhrase builds a pending phrase annotation.
func NewPhrase(key string, pos position.Position, marker MarkerRef) *PhraseAnnotation {
	return &PhraseAnnotation{
		Record:   &Record{Key: key, Text: pos.SourceText, Markers: []MarkerRef{marker}, Created: time.Now()},
		Position: pos,
	}
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDuplicate is returned when a key already has a live record.
	ErrDuplicate = errors.New("registry: annotation already exists")

	// ErrNoMarkers is returned when creating a record without markers.
	ErrNoMarkers = errors.New("registry: annotation has no markers")

	// ErrNotFound is returned for unknown keys.
	ErrNotFound = errors.New("registry: annotation not found")

	// ErrIllegalTransition is the base of every *TransitionError.
	ErrIllegalTransition = errors.New("registry: illegal transition")

	// ErrMissingCancel is returned when Dispatch or Refine lacks a cancel
	// handle.
	ErrMissingCancel = errors.New("registry: transition requires a cancel handle")

	// ErrMissingPayload is returned when Complete lacks a payload.
	ErrMissingPayload = errors.New("registry: transition requires a payload")
)

// TransitionError reports an event the table does not allow.
type TransitionError struct {
	Key   string
	From  State
	Event Event
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("registry: illegal transition %s on %q in state %s", e.Event, e.Key, e.From)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
